package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402-tempo/facilitator-gateway/pkg/facilitator"
	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

// Config carries everything a Handler needs beyond its DB and Settler:
// the platform's own receiving address/fee, the scheme/network tag to
// advertise, and the HMAC secret used to sign PAYMENT-RESPONSE receipts.
type Config struct {
	Scheme          string
	Network         string
	PlatformAddress common.Address
	PlatformFeeUSD  string
	PlatformFeeAmt  string
	HMACSecret      []byte

	// DefaultAsset is the token every registered endpoint is priced in; the
	// registry does not let an owner pick a different asset per endpoint.
	DefaultAsset common.Address
}

// Handler serves the gateway's HTTP surface: registration, the paid proxy,
// endpoint mutation, analytics, and health.
type Handler struct {
	DB      *DB
	Settler facilitator.Settler
	Client  *http.Client
	Config  Config
}

func NewHandler(db *DB, settler facilitator.Settler, cfg Config) *Handler {
	return &Handler{DB: db, Settler: settler, Client: NewUpstreamClient(), Config: cfg}
}

func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/register", h.handleRegister)
	mux.HandleFunc("/endpoints", h.handleListEndpoints)
	mux.HandleFunc("/endpoints/", h.handleEndpointByslug)
	mux.HandleFunc("/analytics", h.handleListAnalytics)
	mux.HandleFunc("/analytics/", h.handleGetAnalytics)
	mux.HandleFunc("/g/", h.handleProxy)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	block, err := h.Settler.Health(r.Context())
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "latestBlock": block})
}

func (h *Handler) platformRequirements() x402.PaymentRequirements {
	return PlatformRequirements(h.Config.Scheme, h.Config.Network, h.Config.DefaultAsset, h.Config.PlatformAddress, h.Config.PlatformFeeUSD, h.Config.PlatformFeeAmt)
}

// handleRegister implements POST /register: validate, check for a payment
// header before touching the database (so an unpaid flood of registrations
// cannot cause write amplification), reserve the slug atomically, settle
// the platform fee, then activate the reservation. Any failure after the
// reservation unwinds it.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body x402.CreateEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeGatewayError(w, x402.NewInvalidSlug("invalid request body"))
		return
	}

	if err := ValidateSlug(body.Slug); err != nil {
		writeGatewayError(w, err)
		return
	}
	if err := ValidateTargetURL(body.TargetURL); err != nil {
		writeGatewayError(w, err)
		return
	}
	if err := ValidateDescription(body.Description); err != nil {
		writeGatewayError(w, err)
		return
	}

	priceAmount, err := x402.ParsePrice(body.Price, x402.TokenDecimals)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	requirements := h.platformRequirements()

	if _, ok := ExtractPaymentHeader(r); !ok {
		PaymentRequiredResponse(w, requirements)
		return
	}

	if err := h.DB.ReserveSlug(body.Slug); err != nil {
		writeGatewayError(w, err)
		return
	}

	settle, ok := RequirePayment(r.Context(), w, r, h.Settler, requirements)
	if !ok {
		h.DB.DeleteReservedSlug(body.Slug)
		return
	}

	if settle.Payer == nil {
		h.DB.DeleteReservedSlug(body.Slug)
		writeGatewayError(w, x402.NewInternal("settlement missing payer address"))
		return
	}

	endpoint, err := h.DB.ActivateEndpoint(body.Slug, settle.Payer.Hex(), body.TargetURL, body.Price, priceAmount, body.Description)
	if err != nil {
		h.DB.DeleteReservedSlug(body.Slug)
		writeGatewayError(w, err)
		return
	}

	w.Header().Set("PAYMENT-RESPONSE", PaymentResponseHeader(settle, h.Config.HMACSecret))
	respondJSON(w, http.StatusCreated, map[string]any{
		"success":     true,
		"endpoint":    endpoint,
		"transaction": settle.Transaction,
	})
}

type endpointInfo struct {
	Slug        string `json:"slug"`
	GatewayURL  string `json:"gatewayUrl"`
	Price       string `json:"price"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

func (h *Handler) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, offset := paginationParams(r)
	endpoints, err := h.DB.ListEndpoints(limit, offset)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	public := make([]endpointInfo, 0, len(endpoints))
	for _, e := range endpoints {
		public = append(public, endpointInfo{
			Slug:        e.Slug,
			GatewayURL:  "/g/" + e.Slug,
			Price:       e.PriceUSD,
			Description: e.Description,
			CreatedAt:   e.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"endpoints": public,
		"count":     len(public),
		"limit":     limit,
		"offset":    offset,
	})
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// handleEndpointByslug dispatches GET/PATCH/DELETE on /endpoints/{slug}.
func (h *Handler) handleEndpointByslug(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimPrefix(r.URL.Path, "/endpoints/")
	if slug == "" || strings.Contains(slug, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getEndpoint(w, slug)
	case http.MethodPatch:
		h.updateEndpoint(w, r, slug)
	case http.MethodDelete:
		h.deleteEndpoint(w, r, slug)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) getEndpoint(w http.ResponseWriter, slug string) {
	endpoint, err := h.DB.GetEndpoint(slug)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if endpoint == nil {
		writeGatewayError(w, x402.NewEndpointNotFound(slug))
		return
	}
	respondJSON(w, http.StatusOK, endpointInfo{
		Slug:        endpoint.Slug,
		GatewayURL:  "/g/" + endpoint.Slug,
		Price:       endpoint.PriceUSD,
		Description: endpoint.Description,
		CreatedAt:   endpoint.CreatedAt,
	})
}

// ownerOf requires the endpoint's stored owner_address to parse; it is
// always a value our own ActivateEndpoint wrote, so a parse failure means
// the row was corrupted out-of-band.
func ownerOf(endpoint *x402.Endpoint) (common.Address, error) {
	if !common.IsHexAddress(endpoint.OwnerAddress) {
		return common.Address{}, x402.NewInternal("invalid stored owner address for %s", endpoint.Slug)
	}
	return common.HexToAddress(endpoint.OwnerAddress), nil
}

// updateEndpoint and deleteEndpoint both perform the same double ownership
// check: the claimed `from` in the (unverified) payment header must match
// the owner before we spend a settlement attempt, and the cryptographically
// verified settle.Payer must match it again afterward — defense against a
// forged `from` field in a header whose signature never actually gets
// checked until settlement.
func (h *Handler) updateEndpoint(w http.ResponseWriter, r *http.Request, slug string) {
	endpoint, err := h.DB.GetEndpoint(slug)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if endpoint == nil {
		writeGatewayError(w, x402.NewEndpointNotFound(slug))
		return
	}

	var body x402.UpdateEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeGatewayError(w, x402.NewInvalidSlug("invalid request body"))
		return
	}
	if body.TargetURL != nil {
		if err := ValidateTargetURL(*body.TargetURL); err != nil {
			writeGatewayError(w, err)
			return
		}
	}
	if body.Description != nil {
		if err := ValidateDescription(*body.Description); err != nil {
			writeGatewayError(w, err)
			return
		}
	}

	var priceUSD, priceAmount *string
	if body.Price != nil {
		amt, err := x402.ParsePrice(*body.Price, x402.TokenDecimals)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		priceUSD, priceAmount = body.Price, &amt
	}

	owner, err := ownerOf(endpoint)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	payload, ok := ExtractPaymentHeader(r)
	if !ok {
		writeGatewayError(w, x402.NewInternal("missing payment signature"))
		return
	}
	if payload.Auth.From != owner {
		writeGatewayError(w, x402.NewNotOwner())
		return
	}

	settle, ok := RequirePayment(r.Context(), w, r, h.Settler, h.platformRequirements())
	if !ok {
		return
	}
	if settle.Payer == nil || *settle.Payer != owner {
		writeGatewayError(w, x402.NewNotOwner())
		return
	}

	updated, err := h.DB.UpdateEndpoint(slug, body.TargetURL, priceUSD, priceAmount, body.Description)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	w.Header().Set("PAYMENT-RESPONSE", PaymentResponseHeader(settle, h.Config.HMACSecret))
	respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"endpoint":    updated,
		"transaction": settle.Transaction,
	})
}

func (h *Handler) deleteEndpoint(w http.ResponseWriter, r *http.Request, slug string) {
	endpoint, err := h.DB.GetEndpoint(slug)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if endpoint == nil {
		writeGatewayError(w, x402.NewEndpointNotFound(slug))
		return
	}

	owner, err := ownerOf(endpoint)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	payload, ok := ExtractPaymentHeader(r)
	if !ok {
		writeGatewayError(w, x402.NewInternal("missing payment signature"))
		return
	}
	if payload.Auth.From != owner {
		writeGatewayError(w, x402.NewNotOwner())
		return
	}

	settle, ok := RequirePayment(r.Context(), w, r, h.Settler, h.platformRequirements())
	if !ok {
		return
	}
	if settle.Payer == nil || *settle.Payer != owner {
		writeGatewayError(w, x402.NewNotOwner())
		return
	}

	if err := h.DB.DeleteEndpoint(slug); err != nil {
		writeGatewayError(w, err)
		return
	}

	w.Header().Set("PAYMENT-RESPONSE", PaymentResponseHeader(settle, h.Config.HMACSecret))
	respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     "endpoint '" + slug + "' has been deactivated",
		"transaction": settle.Transaction,
	})
}

// handleProxy implements ANY /g/{slug}[/{path...}]: look up the endpoint,
// gate on its own payment requirements, sanitize the forwarded path and
// query, and proxy through with the payment receipt attached.
func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/g/")
	slug, restPath, _ := strings.Cut(rest, "/")
	if slug == "" {
		http.NotFound(w, r)
		return
	}

	restPath, err := SanitizePath(restPath)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	endpoint, err := h.DB.GetEndpoint(slug)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if endpoint == nil {
		writeGatewayError(w, x402.NewEndpointNotFound(slug))
		return
	}

	owner, err := ownerOf(endpoint)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	requirements := EndpointRequirements(h.Config.Scheme, h.Config.Network, h.Config.DefaultAsset, owner, endpoint.PriceUSD, endpoint.PriceAmount, endpoint.Description)

	settle, ok := RequirePayment(r.Context(), w, r, h.Settler, requirements)
	if !ok {
		h.DB.RecordRequest(slug)
		return
	}

	target := strings.TrimRight(endpoint.TargetURL, "/")
	if restPath != "" {
		target += "/" + restPath
	}
	if r.URL.RawQuery != "" {
		query, err := SanitizeQuery(r.URL.RawQuery)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		if query != "" {
			target += "?" + query
		}
	}

	body, err := readLimited(r)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	resp, respBody, err := ProxyRequest(r.Context(), h.Client, r, target, body, settle, true, h.Config.HMACSecret)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	CopyAllowedResponseHeaders(w, resp.Header)
	w.Header().Set("PAYMENT-RESPONSE", PaymentResponseHeader(settle, h.Config.HMACSecret))
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)

	h.DB.RecordPayment(slug, endpoint.PriceAmount)
}

func readLimited(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxResponseBodySize+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, x402.NewProxyError("failed to read request body: %s", err)
	}
	if len(buf) > maxResponseBodySize {
		return nil, x402.NewProxyError("request body too large")
	}
	return buf, nil
}

func (h *Handler) handleListAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, offset := paginationParams(r)
	stats, err := h.DB.ListEndpointStats(limit, offset)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	var totalRevenue uint64
	var totalPayments int64
	out := make([]map[string]any, 0, len(stats))
	for _, s := range stats {
		if v, err := strconv.ParseUint(s.RevenueTotal, 10, 64); err == nil {
			totalRevenue += v
		}
		totalPayments += s.PaymentCount
		out = append(out, map[string]any{
			"slug":           s.Slug,
			"requestCount":   s.RequestCount,
			"paymentCount":   s.PaymentCount,
			"revenueTotal":   s.RevenueTotal,
			"revenueUsd":     TokenAmountToUSD(s.RevenueTotal),
			"lastAccessedAt": s.LastAccessedAt,
		})
	}
	totalRevStr := strconv.FormatUint(totalRevenue, 10)
	respondJSON(w, http.StatusOK, map[string]any{
		"endpoints":       out,
		"totalRevenue":    totalRevStr,
		"totalRevenueUsd": TokenAmountToUSD(totalRevStr),
		"totalPayments":   totalPayments,
	})
}

func (h *Handler) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	slug := strings.TrimPrefix(r.URL.Path, "/analytics/")
	if slug == "" {
		http.NotFound(w, r)
		return
	}
	stats, err := h.DB.GetEndpointStats(slug)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if stats == nil {
		writeGatewayError(w, x402.NewEndpointNotFound(slug))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"slug":           stats.Slug,
		"requestCount":   stats.RequestCount,
		"paymentCount":   stats.PaymentCount,
		"revenueTotal":   stats.RevenueTotal,
		"revenueUsd":     TokenAmountToUSD(stats.RevenueTotal),
		"lastAccessedAt": stats.LastAccessedAt,
	})
}

// PurgeStaleReservations is invoked periodically by a background task to
// clean up reservations abandoned mid-registration (a crashed process, a
// client that never completed settlement).
func (h *Handler) PurgeStaleReservations(maxAgeSecs int64) (int, error) {
	return h.DB.PurgeStaleReservations(maxAgeSecs)
}

func writeGatewayError(w http.ResponseWriter, err error) {
	if gwErr, ok := x402.AsError(err); ok {
		respondJSON(w, statusForKind(gwErr.Kind), map[string]string{
			"error":   string(gwErr.Kind),
			"message": gwErr.Public(),
		})
		return
	}
	respondJSON(w, http.StatusInternalServerError, map[string]string{
		"error":   "internal_error",
		"message": "an internal error occurred",
	})
}

func statusForKind(kind x402.Kind) int {
	switch kind {
	case x402.KindEndpointNotFound:
		return http.StatusNotFound
	case x402.KindSlugExists:
		return http.StatusConflict
	case x402.KindInvalidSlug, x402.KindInvalidURL, x402.KindInvalidPrice, x402.KindInvalidPayment:
		return http.StatusBadRequest
	case x402.KindNotOwner:
		return http.StatusForbidden
	case x402.KindProxyError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
