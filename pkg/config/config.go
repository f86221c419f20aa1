// Package config loads process configuration from the environment (with an
// optional .env file for local development), matching both the facilitator
// and gateway binaries' variable sets.
package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
)

// Facilitator holds the facilitator binary's configuration.
type Facilitator struct {
	Host string
	Port string

	RPCURL     string
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address

	Scheme            string
	Network           string // CAIP-2, e.g. "eip155:84532"
	MaxTimeoutSeconds int64

	NonceDBPath string

	SharedSecret []byte // raw shared secret; callers derive per-purpose keys via x402.DeriveKey

	AcceptedTokens  []common.Address // empty means "accept any token"
	MaxSettleAmount *big.Int         // nil means unbounded

	MetricsToken  string
	PublicMetrics bool

	WebhookURLs []string

	LogFormat string
}

// Gateway holds the gateway binary's configuration.
type Gateway struct {
	Host string
	Port string

	DBPath string

	Scheme  string
	Network string

	PlatformAddress common.Address
	PlatformFeeUSD  string

	DefaultAsset common.Address

	// FacilitatorURL (FacilitatorSharedSecret optional) selects a Remote settler;
	// FacilitatorPrivateKey + RPCURL select a Local (in-process) settler.
	// Exactly one path should be configured.
	FacilitatorURL          string
	FacilitatorSharedSecret []byte
	FacilitatorPrivateKey   *ecdsa.PrivateKey
	RPCURL                  string
	NonceDBPath             string

	AllowedOrigins []string
	RateLimitRPM   int

	SPADir string

	LogFormat string
}

func loadEnvFile() {
	_ = godotenv.Load()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// LoadFacilitator reads the facilitator's configuration from the
// environment. FACILITATOR_PRIVATE_KEY and RPC_URL are required; everything
// else has a sensible default.
func LoadFacilitator() (*Facilitator, error) {
	loadEnvFile()

	cfg := &Facilitator{
		Host:              getEnv("HOST", "0.0.0.0"),
		Port:              getEnv("PORT", "8402"),
		RPCURL:            os.Getenv("RPC_URL"),
		Scheme:            getEnv("FACILITATOR_SCHEME", x402.DefaultScheme),
		Network:           getEnv("FACILITATOR_NETWORK", "eip155:84532"),
		MaxTimeoutSeconds: getEnvInt64("FACILITATOR_MAX_TIMEOUT_SECONDS", 300),
		NonceDBPath:       getEnv("NONCE_DB_PATH", "nonces.db"),
		MetricsToken:      os.Getenv("METRICS_TOKEN"),
		PublicMetrics:     getEnv("X402_PUBLIC_METRICS", "false") == "true",
		WebhookURLs:       getEnvList("WEBHOOK_URLS"),
		LogFormat:         os.Getenv("LOG_FORMAT"),
	}

	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC_URL is required")
	}

	keyHex := os.Getenv("FACILITATOR_PRIVATE_KEY")
	if keyHex == "" {
		return nil, fmt.Errorf("FACILITATOR_PRIVATE_KEY is required")
	}
	key, err := parsePrivateKey(keyHex)
	if err != nil {
		return nil, err
	}
	cfg.PrivateKey = key
	cfg.Address = crypto.PubkeyToAddress(key.PublicKey)

	if secret := os.Getenv("FACILITATOR_SHARED_SECRET"); secret != "" {
		cfg.SharedSecret = []byte(secret)
	}

	for _, tok := range getEnvList("ACCEPTED_TOKENS") {
		if !common.IsHexAddress(tok) {
			return nil, fmt.Errorf("invalid address in ACCEPTED_TOKENS: %s", tok)
		}
		cfg.AcceptedTokens = append(cfg.AcceptedTokens, common.HexToAddress(tok))
	}

	if max := os.Getenv("MAX_SETTLE_AMOUNT"); max != "" {
		amount, ok := new(big.Int).SetString(max, 10)
		if !ok {
			return nil, fmt.Errorf("invalid MAX_SETTLE_AMOUNT: %s", max)
		}
		// 0 means no cap, the same as leaving the variable unset.
		if amount.Sign() > 0 {
			cfg.MaxSettleAmount = amount
		}
	}

	return cfg, nil
}

// LoadGateway reads the gateway's configuration from the environment.
// EVM_ADDRESS is required and DB_PATH has a default; the facilitator
// dispatch requires either a facilitator URL (GATEWAY_FACILITATOR_URL or
// FACILITATOR_URL, with an optional FACILITATOR_AUTH_SECRET or
// FACILITATOR_SHARED_SECRET) or (FACILITATOR_PRIVATE_KEY + RPC_URL).
func LoadGateway() (*Gateway, error) {
	loadEnvFile()

	cfg := &Gateway{
		Host:           getEnv("HOST", "0.0.0.0"),
		Port:           getEnv("PORT", "4023"),
		DBPath:         getEnv("DB_PATH", "gateway.db"),
		Scheme:         getEnv("FACILITATOR_SCHEME", x402.DefaultScheme),
		Network:        getEnv("FACILITATOR_NETWORK", "eip155:84532"),
		PlatformFeeUSD: getEnv("PLATFORM_FEE", "$0.01"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),
		RateLimitRPM:   getEnvInt("RATE_LIMIT_RPM", 60),
		SPADir:         getEnv("SPA_DIR", "web/dist"),
		LogFormat:      os.Getenv("LOG_FORMAT"),
	}

	addr := os.Getenv("EVM_ADDRESS")
	if addr == "" {
		return nil, fmt.Errorf("EVM_ADDRESS is required")
	}
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("invalid EVM_ADDRESS: %s", addr)
	}
	cfg.PlatformAddress = common.HexToAddress(addr)

	if asset := os.Getenv("DEFAULT_ASSET"); asset != "" {
		if !common.IsHexAddress(asset) {
			return nil, fmt.Errorf("invalid DEFAULT_ASSET: %s", asset)
		}
		cfg.DefaultAsset = common.HexToAddress(asset)
	} else if token, ok := x402.DefaultAssetForNetwork(cfg.Network); ok {
		cfg.DefaultAsset = token
	}

	facilitatorURL := getEnv("GATEWAY_FACILITATOR_URL", os.Getenv("FACILITATOR_URL"))
	secret := getEnv("FACILITATOR_AUTH_SECRET", os.Getenv("FACILITATOR_SHARED_SECRET"))
	if facilitatorURL != "" {
		cfg.FacilitatorURL = facilitatorURL
		cfg.FacilitatorSharedSecret = []byte(secret)
		return cfg, nil
	}

	keyHex := os.Getenv("FACILITATOR_PRIVATE_KEY")
	rpcURL := os.Getenv("RPC_URL")
	if keyHex == "" || rpcURL == "" {
		return nil, fmt.Errorf("either FACILITATOR_URL or (FACILITATOR_PRIVATE_KEY and RPC_URL) must be set")
	}
	key, err := parsePrivateKey(keyHex)
	if err != nil {
		return nil, err
	}
	cfg.FacilitatorPrivateKey = key
	cfg.RPCURL = rpcURL
	cfg.NonceDBPath = getEnv("NONCE_DB_PATH", "nonces.db")

	return cfg, nil
}
