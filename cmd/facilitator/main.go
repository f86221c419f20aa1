package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402-tempo/facilitator-gateway/pkg/config"
	"github.com/x402-tempo/facilitator-gateway/pkg/facilitator"
	"github.com/x402-tempo/facilitator-gateway/pkg/middleware"
	"github.com/x402-tempo/facilitator-gateway/pkg/nonce"
	"github.com/x402-tempo/facilitator-gateway/pkg/tip20"
	"github.com/x402-tempo/facilitator-gateway/pkg/webhook"
	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

func main() {
	cfg, err := config.LoadFacilitator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	chainID, err := x402.ChainIDFromNetwork(cfg.Network)
	if err != nil {
		logger.Error("invalid FACILITATOR_NETWORK", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	chain, err := tip20.Dial(ctx, cfg.RPCURL, chainID, cfg.PrivateKey)
	if err != nil {
		logger.Error("failed to connect to chain", "error", err)
		os.Exit(1)
	}

	nonces, err := nonce.OpenSQLStore(cfg.NonceDBPath)
	if err != nil {
		logger.Error("failed to open nonce store", "error", err)
		os.Exit(1)
	}

	local := facilitator.NewLocal(cfg.Scheme, cfg.Network, cfg.Address, nonces, chain)
	local.MaxTimeoutSeconds = cfg.MaxTimeoutSeconds
	local.MaxSettleAmount = cfg.MaxSettleAmount
	if len(cfg.AcceptedTokens) > 0 {
		local.TokenAllowlist = make(map[common.Address]bool, len(cfg.AcceptedTokens))
		for _, tok := range cfg.AcceptedTokens {
			local.TokenAllowlist[tok] = true
		}
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	go local.RunBackgroundTasks(bgCtx)

	var sender *webhook.Sender
	if len(cfg.WebhookURLs) > 0 {
		if err := webhook.ValidateURLs(cfg.WebhookURLs); err != nil {
			logger.Error("invalid WEBHOOK_URLS", "error", err)
			os.Exit(1)
		}
		webhookKey := x402.DeriveKey(cfg.SharedSecret, x402.TagWebhook)
		sender = webhook.NewSender(cfg.WebhookURLs, webhookKey, logger)
	}

	metrics := facilitator.NewMetrics(local.ActivePayerLockCount)

	authKey := x402.DeriveKey(cfg.SharedSecret, x402.TagFacilitatorAuth)
	handler := facilitator.NewHandler(local, authKey)
	handler.Metrics = metrics
	handler.MetricsToken = cfg.MetricsToken
	handler.PublicMetrics = cfg.PublicMetrics
	handler.Webhook = sender

	mux := http.NewServeMux()
	handler.Routes(mux)

	webDistDir := filepath.Join("web", "dist")
	if stat, err := os.Stat(webDistDir); err == nil && stat.IsDir() {
		fileServer := http.FileServer(http.Dir(webDistDir))
		mux.Handle("/", spaHandler(webDistDir, fileServer))
		logger.Info("serving frontend SPA", "dir", webDistDir)
	}

	loggedHandler := middleware.NewLoggingMiddleware(logger)(mux)
	corsHandler := corsMiddleware(loggedHandler)

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      corsHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting facilitator", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancelBg()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

// corsMiddleware allows any origin: the facilitator's endpoints are
// credential-free and authenticated by payload signature, not cookie, so
// cross-origin browser access carries no CSRF exposure.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Facilitator-Auth")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// spaHandler serves static files if they exist, otherwise falls back to
// index.html for client-side routing.
func spaHandler(root string, fileServer http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedPath := filepath.Clean(r.URL.Path)
		candidate := filepath.Join(root, requestedPath)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(root, "index.html"))
	})
}
