package x402

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// DomainName and DomainVersion fix the EIP-712 domain name/version this
// protocol signs under. The verifying contract is taken per-payment from
// the authorization's token address, which binds a signature to a specific
// token and prevents cross-token replay.
const (
	DomainName    = "x402-tempo"
	DomainVersion = "1"
)

// secp256k1N/2, the EIP-2 malleability threshold: signatures with s greater
// than this are rejected. Value matches the curve-order-halved constant
// used by the reference implementation this protocol was distilled from.
var secp256k1NDiv2 = mustBigIntHex("7FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF5D576E7357A4501DDFE92F46681B20A0")

func mustBigIntHex(h string) *big.Int {
	n, ok := new(big.Int).SetString(h, 16)
	if !ok {
		panic("x402: invalid secp256k1 constant")
	}
	return n
}

func typedData(auth PaymentAuthorization, chainID *big.Int) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"PaymentAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "token", Type: "address"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "PaymentAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: auth.Token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       auth.Value,
			"token":       auth.Token.Hex(),
			"validAfter":  fmt.Sprintf("%d", auth.ValidAfter),
			"validBefore": fmt.Sprintf("%d", auth.ValidBefore),
			"nonce":       auth.Nonce[:],
		},
	}
}

// SigningHash computes the EIP-712 typed-data hash for an authorization
// under the given chain ID, using a per-payment domain whose
// verifyingContract is the authorization's own token address.
func SigningHash(auth PaymentAuthorization, chainID *big.Int) (common.Hash, error) {
	td := typedData(auth, chainID)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash message: %w", err)
	}

	raw := append([]byte("\x19\x01"), append(domainSeparator, messageHash...)...)
	return crypto.Keccak256Hash(raw), nil
}

// VerifySignature recovers the signer of auth's EIP-712 signing hash from a
// 65-byte r||s||v signature and returns the recovered address. It rejects
// any signature whose length is not exactly 65 bytes and any signature with
// s > secp256k1_n/2 (EIP-2 malleability protection) before attempting
// recovery.
func VerifySignature(auth PaymentAuthorization, signature []byte, chainID *big.Int) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, NewSignatureError("signature must be 65 bytes, got %d", len(signature))
	}

	s := new(big.Int).SetBytes(signature[32:64])
	if s.Cmp(secp256k1NDiv2) > 0 {
		return common.Address{}, NewSignatureError("high-s signature rejected (EIP-2 malleability)")
	}

	v := signature[64]
	if v != 0 && v != 1 && v != 27 && v != 28 {
		return common.Address{}, NewSignatureError("invalid signature recovery id: %d", v)
	}

	hash, err := SigningHash(auth, chainID)
	if err != nil {
		return common.Address{}, NewSignatureError("compute signing hash: %v", err)
	}

	normalized := make([]byte, 65)
	copy(normalized, signature)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, NewSignatureError("signature recovery failed: %v", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// RandomNonce draws 32 bytes from the OS CSPRNG and hashes them with
// keccak256 for uniformity. Collision probability is negligible; no
// coordination with any store is required before generation.
func RandomNonce() ([32]byte, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return [32]byte{}, fmt.Errorf("read random nonce: %w", err)
	}
	return crypto.Keccak256Hash(raw[:]), nil
}

// EncodeSignatureHex renders a 65-byte signature as a 0x-prefixed hex
// string in Electrum notation (v normalized to 27/28).
func EncodeSignatureHex(signature []byte) string {
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if len(sig) == 65 && sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig)
}

// DecodeSignatureHex parses a 0x-prefixed hex signature string into raw
// bytes, trimming the 0x prefix case-insensitively.
func DecodeSignatureHex(s string) []byte {
	return common.FromHex(strings.TrimSpace(s))
}
