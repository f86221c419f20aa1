package facilitator

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/x402-tempo/facilitator-gateway/pkg/webhook"
	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

// Metrics is the facilitator's Prometheus registry. It is the one
// process-wide singleton in this package, created once at startup.
type Metrics struct {
	Registry        *prometheus.Registry
	SettleTotal     *prometheus.CounterVec
	SettleDuration  prometheus.Histogram
	VerifyRejected  *prometheus.CounterVec
	ActivePayerLock prometheus.GaugeFunc
}

// NewMetrics builds and registers the facilitator's metrics.
func NewMetrics(activePayerLocks func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		SettleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402_facilitator_settle_total",
			Help: "Total settle attempts by outcome.",
		}, []string{"outcome"}),
		SettleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "x402_facilitator_settle_duration_seconds",
			Help: "Settlement latency in seconds.",
		}),
		VerifyRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402_facilitator_verify_rejected_total",
			Help: "Verification rejections by kind.",
		}, []string{"kind"}),
	}
	m.ActivePayerLock = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "x402_facilitator_active_payer_locks",
		Help: "Number of payer locks currently tracked.",
	}, activePayerLocks)

	reg.MustRegister(m.SettleTotal, m.SettleDuration, m.VerifyRejected, m.ActivePayerLock)
	return m
}

// Handler serves the facilitator's HTTP surface: /health, /supported,
// /verify-and-settle, and /metrics.
type Handler struct {
	Settler Settler

	// AuthKey is DeriveKey(sharedSecret, TagFacilitatorAuth); requests to
	// /verify-and-settle must carry a matching X-Facilitator-Auth HMAC.
	AuthKey []byte

	// MetricsToken gates /metrics; empty + !PublicMetrics means 403.
	MetricsToken  string
	PublicMetrics bool

	Metrics *Metrics

	// Webhook fires a SettlementWebhook after every successful settle. Nil
	// disables delivery.
	Webhook *webhook.Sender
}

func NewHandler(settler Settler, authKey []byte) *Handler {
	return &Handler{Settler: settler, AuthKey: authKey}
}

func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/supported", h.handleSupported)
	mux.HandleFunc("/verify-and-settle", h.handleVerifyAndSettle)
	mux.HandleFunc("/metrics", h.handleMetrics)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	block, err := h.Settler.Health(r.Context())
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "latestBlock": block})
}

func (h *Handler) handleSupported(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp, err := h.Settler.Supported(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list supported kinds")
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type verifyAndSettleBody struct {
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

func (h *Handler) handleVerifyAndSettle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	sig := r.Header.Get("X-Facilitator-Auth")
	if len(h.AuthKey) > 0 && !x402.VerifyHMAC(h.AuthKey, bodyBytes, sig) {
		respondError(w, http.StatusUnauthorized, "invalid facilitator auth")
		return
	}

	var req verifyAndSettleBody
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.Settler.Settle(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "settlement failed")
		return
	}
	if h.Metrics != nil {
		outcome := "rejected"
		if resp.Success {
			outcome = "success"
		}
		h.Metrics.SettleTotal.WithLabelValues(outcome).Inc()
	}
	if resp.Success && h.Webhook != nil {
		payer := ""
		if resp.Payer != nil {
			payer = resp.Payer.Hex()
		}
		h.Webhook.Fire(r.Context(), x402.SettlementWebhook{
			Event:       "settlement.success",
			Payer:       payer,
			Amount:      req.PaymentPayload.Auth.Value,
			Transaction: resp.Transaction,
			Network:     resp.Network,
			Timestamp:   uint64(time.Now().Unix()),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.Metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	if h.MetricsToken == "" && !h.PublicMetrics {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if h.MetricsToken != "" {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+h.MetricsToken {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}
	promhttp.HandlerFor(h.Metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
