package facilitator

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/x402-tempo/facilitator-gateway/pkg/nonce"
	"github.com/x402-tempo/facilitator-gateway/pkg/tip20"
	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

const testChainID = 84532

type testFixture struct {
	f         *Local
	chain     *tip20.MockAdapter
	payerKey  *ecdsa.PrivateKey
	payer     common.Address
	payTo     common.Address
	token     common.Address
	chainID   *big.Int
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	signerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	facilitatorAddr := crypto.PubkeyToAddress(signerKey.PublicKey)

	chainID := big.NewInt(testChainID)
	chain := tip20.NewMockAdapter(testChainID)
	f := NewLocal("tempo-tip20", "eip155:84532", facilitatorAddr, nonce.NewMemoryStore(), chain)

	payerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	payTo := randomAddress(t)
	token := randomAddress(t)

	chain.SetBalance(payer, big.NewInt(1_000_000))
	chain.SetAllowance(payer, facilitatorAddr, big.NewInt(1_000_000))

	return &testFixture{f: f, chain: chain, payerKey: payerKey, payer: payer, payTo: payTo, token: token, chainID: chainID}
}

func randomAddress(t *testing.T) common.Address {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return crypto.PubkeyToAddress(key.PublicKey)
}

func (tf *testFixture) sign(t *testing.T, value string) x402.PaymentPayload {
	t.Helper()
	n, err := x402.RandomNonce()
	require.NoError(t, err)

	auth := x402.PaymentAuthorization{
		From:        tf.payer,
		To:          tf.payTo,
		Value:       value,
		Token:       tf.token,
		ValidAfter:  uint64(time.Now().Add(-time.Minute).Unix()),
		ValidBefore: uint64(time.Now().Add(time.Minute).Unix()),
		Nonce:       n,
	}
	hash, err := x402.SigningHash(auth, tf.chainID)
	require.NoError(t, err)
	sig, err := crypto.Sign(hash.Bytes(), tf.payerKey)
	require.NoError(t, err)

	return x402.PaymentPayload{X402Version: x402.X402Version, Auth: auth, Signature: sig}
}

func (tf *testFixture) requirements(amount string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            "tempo-tip20",
		Network:           "eip155:84532",
		Asset:             tf.token,
		Amount:            amount,
		PayTo:             tf.payTo,
		MaxTimeoutSeconds: 120,
	}
}

func TestLocalSettleFreshPaymentSucceeds(t *testing.T) {
	tf := newTestFixture(t)
	payload := tf.sign(t, "1000")
	reqs := tf.requirements("1000")

	resp, err := tf.f.Settle(context.Background(), payload, reqs)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Transaction)

	balance, _ := tf.chain.BalanceOf(context.Background(), tf.token, tf.payer)
	require.Equal(t, big.NewInt(999_000), balance)
}

func TestLocalSettleReplayRejected(t *testing.T) {
	tf := newTestFixture(t)
	payload := tf.sign(t, "1000")
	reqs := tf.requirements("1000")

	first, err := tf.f.Settle(context.Background(), payload, reqs)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := tf.f.Settle(context.Background(), payload, reqs)
	require.NoError(t, err)
	require.False(t, second.Success)
}

func TestLocalSettleTamperedValueFailsSignature(t *testing.T) {
	tf := newTestFixture(t)
	payload := tf.sign(t, "1000")
	payload.Auth.Value = "2000"
	reqs := tf.requirements("1000")

	resp, err := tf.f.Settle(context.Background(), payload, reqs)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "Invalid signature", resp.ErrorReason)
}

func TestLocalSettleHighSSignatureRejected(t *testing.T) {
	tf := newTestFixture(t)
	payload := tf.sign(t, "1000")
	reqs := tf.requirements("1000")

	n := mustCurveOrder()
	s := new(big.Int).SetBytes(payload.Signature[32:64])
	negS := new(big.Int).Sub(n, s)
	negBytes := negS.Bytes()
	var padded [32]byte
	copy(padded[32-len(negBytes):], negBytes)
	copy(payload.Signature[32:64], padded[:])

	resp, err := tf.f.Settle(context.Background(), payload, reqs)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "Invalid signature", resp.ErrorReason)
}

func TestLocalSettleConcurrentNonceRace(t *testing.T) {
	tf := newTestFixture(t)
	payload := tf.sign(t, "1000")
	reqs := tf.requirements("1000")

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, _ := tf.f.Settle(context.Background(), payload, reqs)
			results <- resp.Success
		}()
	}
	successes := 0
	for i := 0; i < 2; i++ {
		if <-results {
			successes++
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, len(tf.chain.Transfers))
}

func TestLocalSettleInsufficientFundsIsGeneric(t *testing.T) {
	tf := newTestFixture(t)
	tf.chain.SetBalance(tf.payer, big.NewInt(1))
	payload := tf.sign(t, "1000")
	reqs := tf.requirements("1000")

	resp, err := tf.f.Settle(context.Background(), payload, reqs)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "Payment cannot be completed", resp.ErrorReason)
}

func TestLocalSettleInsufficientAllowanceIsGeneric(t *testing.T) {
	tf := newTestFixture(t)
	tf.chain.SetAllowance(tf.payer, tf.f.Address, big.NewInt(1))
	payload := tf.sign(t, "1000")
	reqs := tf.requirements("1000")

	resp, err := tf.f.Settle(context.Background(), payload, reqs)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "Payment cannot be completed", resp.ErrorReason)
}

func TestLocalVerifyBoundaryValidAfter(t *testing.T) {
	tf := newTestFixture(t)
	payload := tf.sign(t, "1000")
	payload.Auth.ValidAfter = uint64(time.Now().Unix())
	payload.Auth.ValidBefore = uint64(time.Now().Add(time.Minute).Unix())
	hash, err := x402.SigningHash(payload.Auth, tf.chainID)
	require.NoError(t, err)
	sig, err := crypto.Sign(hash.Bytes(), tf.payerKey)
	require.NoError(t, err)
	payload.Signature = sig

	resp, err := tf.f.Verify(context.Background(), payload, tf.requirements("1000"))
	require.NoError(t, err)
	require.True(t, resp.IsValid)
}

func TestLocalVerifyValueExactlyEqualAmountAccepted(t *testing.T) {
	tf := newTestFixture(t)
	payload := tf.sign(t, "1000")
	resp, err := tf.f.Verify(context.Background(), payload, tf.requirements("1000"))
	require.NoError(t, err)
	require.True(t, resp.IsValid)
}

func TestLocalVerifyValueOneLessThanAmountRejected(t *testing.T) {
	tf := newTestFixture(t)
	payload := tf.sign(t, "999")
	resp, err := tf.f.Verify(context.Background(), payload, tf.requirements("1000"))
	require.NoError(t, err)
	require.False(t, resp.IsValid)
}

func TestLocalVerifyRejectsSelfPaymentAndGriefing(t *testing.T) {
	tf := newTestFixture(t)
	payload := tf.sign(t, "1000")
	payload.Auth.To = tf.payer // self-payment
	resp, err := tf.f.Verify(context.Background(), payload, tf.requirements("1000"))
	require.NoError(t, err)
	require.False(t, resp.IsValid)

	payload2 := tf.sign(t, "1000")
	payload2.Auth.To = tf.f.Address // griefing the operator
	reqs2 := tf.requirements("1000")
	reqs2.PayTo = tf.f.Address
	resp2, err := tf.f.Verify(context.Background(), payload2, reqs2)
	require.NoError(t, err)
	require.False(t, resp2.IsValid)
}

func mustCurveOrder() *big.Int {
	n, ok := new(big.Int).SetString("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)
	if !ok {
		panic("bad curve order constant")
	}
	return n
}
