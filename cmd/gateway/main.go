package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-tempo/facilitator-gateway/pkg/config"
	"github.com/x402-tempo/facilitator-gateway/pkg/facilitator"
	"github.com/x402-tempo/facilitator-gateway/pkg/gateway"
	"github.com/x402-tempo/facilitator-gateway/pkg/middleware"
	"github.com/x402-tempo/facilitator-gateway/pkg/nonce"
	"github.com/x402-tempo/facilitator-gateway/pkg/tip20"
	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

const reservationMaxAgeSecs = 600 // 10 minutes; abandoned mid-registration reservations older than this are purged

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	db, err := gateway.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open endpoint database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	settler, err := buildSettler(cfg, logger)
	if err != nil {
		logger.Error("failed to build settler", "error", err)
		os.Exit(1)
	}

	feeAmount, err := x402.ParsePrice(cfg.PlatformFeeUSD, x402.TokenDecimals)
	if err != nil {
		logger.Error("invalid PLATFORM_FEE", "error", err)
		os.Exit(1)
	}

	var receiptHMACSecret []byte
	if len(cfg.FacilitatorSharedSecret) > 0 {
		receiptHMACSecret = x402.DeriveKey(cfg.FacilitatorSharedSecret, x402.TagReceipt)
	}

	handler := gateway.NewHandler(db, settler, gateway.Config{
		Scheme:          cfg.Scheme,
		Network:         cfg.Network,
		PlatformAddress: cfg.PlatformAddress,
		PlatformFeeUSD:  cfg.PlatformFeeUSD,
		PlatformFeeAmt:  feeAmount,
		DefaultAsset:    cfg.DefaultAsset,
		HMACSecret:      receiptHMACSecret,
	})

	mux := http.NewServeMux()
	handler.Routes(mux)

	if stat, err := os.Stat(cfg.SPADir); err == nil && stat.IsDir() {
		fileServer := http.FileServer(http.Dir(cfg.SPADir))
		mux.Handle("/", spaHandler(cfg.SPADir, fileServer))
		logger.Info("serving frontend SPA", "dir", cfg.SPADir)
	}

	purgeCtx, cancelPurge := context.WithCancel(context.Background())
	go runPurgeLoop(purgeCtx, handler, logger)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPM, cfg.RateLimitRPM)
	rateLimited := middleware.RateLimitMiddleware(limiter)(mux)
	loggedHandler := middleware.NewLoggingMiddleware(logger)(rateLimited)
	corsHandler := corsMiddleware(cfg.AllowedOrigins)(loggedHandler)

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      corsHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting gateway", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancelPurge()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

// buildSettler dispatches to a Remote settler when a facilitator URL is
// configured, or a Local (in-process) one when a private key and RPC URL
// are configured instead. config.LoadGateway already rejects the case
// where neither is set.
func buildSettler(cfg *config.Gateway, logger *slog.Logger) (facilitator.Settler, error) {
	if cfg.FacilitatorURL != "" {
		authKey := x402.DeriveKey(cfg.FacilitatorSharedSecret, x402.TagFacilitatorAuth)
		return facilitator.NewRemote(cfg.FacilitatorURL, authKey, facilitator.NewDefaultHTTPClient()), nil
	}

	chainID, err := x402.ChainIDFromNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}
	chain, err := tip20.Dial(context.Background(), cfg.RPCURL, chainID, cfg.FacilitatorPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain: %w", err)
	}
	nonces, err := nonce.OpenSQLStore(cfg.NonceDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open nonce store: %w", err)
	}

	address := crypto.PubkeyToAddress(cfg.FacilitatorPrivateKey.PublicKey)
	local := facilitator.NewLocal(cfg.Scheme, cfg.Network, address, nonces, chain)

	bgCtx := context.Background()
	go local.RunBackgroundTasks(bgCtx)
	logger.Info("running facilitator in-process")
	return local, nil
}

// runPurgeLoop periodically deletes abandoned mid-registration slug
// reservations, every minute, until ctx is canceled.
func runPurgeLoop(ctx context.Context, h *gateway.Handler, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := h.PurgeStaleReservations(reservationMaxAgeSecs)
			if err != nil {
				logger.Error("failed to purge stale slug reservations", "error", err)
				continue
			}
			if purged > 0 {
				logger.Debug("purged stale slug reservations", "count", purged)
			}
		}
	}
}

// corsMiddleware allows only the configured origins; an empty allowlist
// allows none, since the gateway mediates real money movement and must not
// default to a wildcard the way the facilitator's credential-free API can.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, PAYMENT-SIGNATURE")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// spaHandler serves static files if they exist, otherwise falls back to
// index.html for client-side routing.
func spaHandler(root string, fileServer http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedPath := filepath.Clean(r.URL.Path)
		if strings.Contains(requestedPath, "..") {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}
		candidate := filepath.Join(root, requestedPath)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(root, "index.html"))
	})
}
