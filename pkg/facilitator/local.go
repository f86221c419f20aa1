package facilitator

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402-tempo/facilitator-gateway/pkg/nonce"
	"github.com/x402-tempo/facilitator-gateway/pkg/tip20"
	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

const defaultMaxTimeoutSeconds = 300

// Local is the in-process Settler: it owns the nonce store, the TIP-20
// adapter, and the per-payer lock map, and executes verify/settle directly
// against the configured chain.
type Local struct {
	Scheme  string
	Network string // CAIP-2, e.g. "eip155:84532"
	Address common.Address

	Nonces nonce.Store
	Chain  tip20.Adapter

	MaxTimeoutSeconds int64       // 0 means defaultMaxTimeoutSeconds
	TokenAllowlist    map[common.Address]bool
	MaxSettleAmount   *big.Int

	locks *payerLocks
}

// NewLocal constructs a Local facilitator. address is the facilitator's
// own settlement address — the spender in allowance checks and the
// address authorizations must not target (self-payment to the operator is
// rejected as griefing).
func NewLocal(scheme, network string, address common.Address, nonces nonce.Store, chain tip20.Adapter) *Local {
	return &Local{
		Scheme:  scheme,
		Network: network,
		Address: address,
		Nonces:  nonces,
		Chain:   chain,
		locks:   newPayerLocks(),
	}
}

func (f *Local) maxTimeout() int64 {
	if f.MaxTimeoutSeconds > 0 {
		return f.MaxTimeoutSeconds
	}
	return defaultMaxTimeoutSeconds
}

// invalid builds the generic rejection response, logging the precise
// reason so operators can diagnose without leaking detail to clients.
func invalid(ctx context.Context, payer *common.Address, kind x402.Kind, detail string, public string) x402.VerifyResponse {
	slog.DebugContext(ctx, "payment rejected", "kind", string(kind), "detail", detail, "payer", payerLog(payer))
	return x402.VerifyResponse{IsValid: false, InvalidReason: public, Payer: payer}
}

func payerLog(p *common.Address) string {
	if p == nil {
		return ""
	}
	return p.Hex()
}

// Verify implements the 13-step read-only validation sequence. Any
// failure short-circuits with a generic InvalidReason; the precise cause
// is only ever logged.
func (f *Local) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	auth := payload.Auth
	payer := &auth.From

	// 1. version
	if payload.X402Version != x402.X402Version {
		return invalid(ctx, payer, x402.KindInvalidPayment, "unsupported x402Version", "Invalid payment"), nil
	}

	// 2. scheme/network match
	if requirements.Scheme != f.Scheme || requirements.Network != f.Network {
		return invalid(ctx, payer, x402.KindUnsupportedScheme, "scheme/network mismatch", "Unsupported scheme or network"), nil
	}

	// 3. replay
	if f.Nonces.IsUsed(ctx, auth.Nonce) {
		return invalid(ctx, payer, x402.KindReplayError, "nonce already used", "Nonce already used"), nil
	}

	// 4. validity window
	now := uint64(time.Now().Unix())
	if now < auth.ValidAfter {
		return invalid(ctx, payer, x402.KindNotYetValid, "not yet valid", "Payment not yet valid"), nil
	}
	if now >= auth.ValidBefore {
		return invalid(ctx, payer, x402.KindExpiredAuthorization, "expired", "Payment authorization expired"), nil
	}

	// 5. window length cap
	window := auth.ValidBefore - auth.ValidAfter
	windowCap := uint64(f.maxTimeout())
	if requirements.MaxTimeoutSeconds > 0 {
		reqCap := uint64(requirements.MaxTimeoutSeconds) + 60
		if reqCap < windowCap {
			windowCap = reqCap
		}
	}
	if window > windowCap {
		return invalid(ctx, payer, x402.KindInvalidPayment, "validity window too long", "Invalid payment"), nil
	}

	// 6. zero addresses, self-payment, griefing
	var zero common.Address
	if auth.From == zero || auth.To == zero || auth.Token == zero {
		return invalid(ctx, payer, x402.KindInvalidPayment, "zero address in authorization", "Invalid payment"), nil
	}
	if auth.From == auth.To {
		return invalid(ctx, payer, x402.KindInvalidPayment, "self-payment", "Invalid payment"), nil
	}
	if auth.To == f.Address {
		return invalid(ctx, payer, x402.KindInvalidPayment, "payment targets facilitator address", "Invalid payment"), nil
	}

	// 7. signature
	chainID := f.Chain.ChainID()
	recovered, err := x402.VerifySignature(auth, payload.Signature, chainID)
	if err != nil || recovered != auth.From {
		return invalid(ctx, payer, x402.KindSignatureError, "signature recovery failed or mismatched", "Invalid signature"), nil
	}

	// 8. token/payTo match requirements
	if auth.Token != requirements.Asset || auth.To != requirements.PayTo {
		return invalid(ctx, payer, x402.KindInvalidPayment, "token or payTo mismatch", "Invalid payment"), nil
	}

	// 9. amount
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return invalid(ctx, payer, x402.KindInvalidPayment, "unparseable value", "Invalid payment"), nil
	}
	required, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return invalid(ctx, payer, x402.KindInvalidPayment, "unparseable required amount", "Invalid payment"), nil
	}
	if value.Sign() == 0 || required.Sign() == 0 || value.Cmp(required) < 0 {
		return invalid(ctx, payer, x402.KindInvalidPayment, "insufficient value", "Invalid payment"), nil
	}

	// 10. token allowlist
	if f.TokenAllowlist != nil && !f.TokenAllowlist[auth.Token] {
		return invalid(ctx, payer, x402.KindUnsupportedScheme, "token not in allowlist", "Unsupported asset"), nil
	}

	// 11. per-settlement cap
	if f.MaxSettleAmount != nil && value.Cmp(f.MaxSettleAmount) > 0 {
		return invalid(ctx, payer, x402.KindInvalidPayment, "value exceeds per-settlement cap", "Invalid payment"), nil
	}

	// 12. balance
	balance, err := f.Chain.BalanceOf(ctx, auth.Token, auth.From)
	if err != nil {
		slog.ErrorContext(ctx, "balance check failed", "error", err, "payer", payer.Hex())
		return invalid(ctx, payer, x402.KindChainError, err.Error(), "Payment cannot be completed"), nil
	}
	if balance.Cmp(value) < 0 {
		return invalid(ctx, payer, x402.KindInsufficientFunds, "insufficient balance", "Payment cannot be completed"), nil
	}

	// 13. allowance
	allowance, err := f.Chain.Allowance(ctx, auth.Token, auth.From, f.Address)
	if err != nil {
		slog.ErrorContext(ctx, "allowance check failed", "error", err, "payer", payer.Hex())
		return invalid(ctx, payer, x402.KindChainError, err.Error(), "Payment cannot be completed"), nil
	}
	if allowance.Cmp(value) < 0 {
		return invalid(ctx, payer, x402.KindInsufficientAllowance, "insufficient allowance", "Payment cannot be completed"), nil
	}

	return x402.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// Settle re-verifies under the payer's lock, atomically consumes the
// nonce, then submits transferFrom. Once try_use succeeds the nonce is
// never released again, even if the chain call subsequently fails — the
// transaction may yet be broadcast and later mine.
func (f *Local) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	auth := payload.Auth

	lock, err := f.locks.acquire(auth.From)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: err.Error()}, nil
	}
	defer f.locks.release(auth.From, lock)

	verified, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: "internal error"}, nil
	}
	if !verified.IsValid {
		return x402.SettleResponse{Success: false, ErrorReason: verified.InvalidReason, Payer: verified.Payer}, nil
	}

	if !f.Nonces.TryUse(ctx, auth.Nonce) {
		return x402.SettleResponse{Success: false, ErrorReason: "Nonce already used (concurrent request)", Payer: &auth.From}, nil
	}

	value, _ := new(big.Int).SetString(auth.Value, 10)
	tx, err := f.Chain.TransferFrom(ctx, auth.Token, auth.From, auth.To, value)
	if err != nil {
		// The nonce is NOT released: the transaction may have reached the
		// mempool even though the local submission call errored.
		slog.ErrorContext(ctx, "transferFrom failed", "error", err, "payer", auth.From.Hex())
		return x402.SettleResponse{Success: false, ErrorReason: "settlement failed", Payer: &auth.From, Network: f.Network}, nil
	}

	receipt, err := f.Chain.WaitMined(ctx, tx)
	if err != nil {
		slog.ErrorContext(ctx, "waiting for transaction failed", "error", err, "tx", tx.Hash().Hex())
		return x402.SettleResponse{Success: false, ErrorReason: "settlement failed", Payer: &auth.From, Network: f.Network}, nil
	}
	if receipt.Status == 0 {
		return x402.SettleResponse{Success: false, ErrorReason: "transaction reverted", Transaction: tx.Hash().Hex(), Payer: &auth.From, Network: f.Network}, nil
	}

	return x402.SettleResponse{
		Success:     true,
		Transaction: tx.Hash().Hex(),
		Payer:       &auth.From,
		Network:     f.Network,
	}, nil
}

func (f *Local) Supported(ctx context.Context) (x402.SupportedPaymentKindsResponse, error) {
	kinds := []x402.SupportedPaymentKind{}
	if f.TokenAllowlist != nil {
		for token := range f.TokenAllowlist {
			kinds = append(kinds, x402.SupportedPaymentKind{Scheme: f.Scheme, Network: f.Network, Asset: token})
		}
	} else {
		kinds = append(kinds, x402.SupportedPaymentKind{Scheme: f.Scheme, Network: f.Network})
	}
	return x402.SupportedPaymentKindsResponse{Kinds: kinds}, nil
}

func (f *Local) Health(ctx context.Context) (uint64, error) {
	return f.Chain.LatestBlockNumber(ctx)
}

// ActivePayerLockCount reports the number of payer locks currently tracked,
// for the active_payer_locks gauge.
func (f *Local) ActivePayerLockCount() float64 {
	return float64(f.locks.size())
}

// RunBackgroundTasks starts the periodic nonce purge and idle payer-lock
// eviction loops, both every 60s, and blocks until ctx is canceled.
func (f *Local) RunBackgroundTasks(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	maxAge := f.maxTimeout() + 60
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged := f.Nonces.PurgeExpired(ctx, maxAge)
			evicted := f.locks.evictIdle()
			slog.Debug("facilitator housekeeping", "purged_nonces", purged, "evicted_payer_locks", evicted, "active_payer_locks", f.locks.size())
		}
	}
}
