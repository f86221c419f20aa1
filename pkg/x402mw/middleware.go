// Package x402mw provides an HTTP middleware that protects a handler behind
// a 402 Payment Required gate, verifying and settling payment through a
// facilitator.Settler before calling through.
package x402mw

import (
	"net/http"

	"github.com/x402-tempo/facilitator-gateway/pkg/facilitator"
	"github.com/x402-tempo/facilitator-gateway/pkg/gateway"
	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

// Middleware gates handlers behind payment, settling through Settler.
type Middleware struct {
	Settler facilitator.Settler
}

// New builds a Middleware backed by settler. settler is typically a
// facilitator.Remote pointed at a hosted facilitator, or a facilitator.Local
// for in-process settlement.
func New(settler facilitator.Settler) *Middleware {
	return &Middleware{Settler: settler}
}

// Protect wraps next so that a request lacking a valid PAYMENT-SIGNATURE
// header for requirements receives a 402 response instead of reaching next.
func (m *Middleware) Protect(next http.Handler, requirements x402.PaymentRequirements) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := gateway.RequirePayment(r.Context(), w, r, m.Settler, requirements); !ok {
			return
		}
		next.ServeHTTP(w, r)
	})
}
