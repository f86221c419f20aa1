package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadFacilitatorRequiresRPCURLAndPrivateKey(t *testing.T) {
	clearEnv(t, "RPC_URL", "FACILITATOR_PRIVATE_KEY")

	_, err := LoadFacilitator()
	require.Error(t, err)

	os.Setenv("RPC_URL", "https://rpc.example")
	_, err = LoadFacilitator()
	require.Error(t, err)
}

func TestLoadFacilitatorDefaults(t *testing.T) {
	clearEnv(t, "RPC_URL", "FACILITATOR_PRIVATE_KEY", "HOST", "PORT", "FACILITATOR_NETWORK")
	os.Setenv("RPC_URL", "https://rpc.example")
	os.Setenv("FACILITATOR_PRIVATE_KEY", "0x4646464646464646464646464646464646464646464646464646464646464646"[2:][:64])

	cfg, err := LoadFacilitator()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, "8402", cfg.Port)
	require.Equal(t, "eip155:84532", cfg.Network)
}

func TestLoadGatewayRequiresFacilitatorDispatch(t *testing.T) {
	clearEnv(t, "EVM_ADDRESS", "FACILITATOR_URL", "GATEWAY_FACILITATOR_URL", "FACILITATOR_PRIVATE_KEY", "RPC_URL")
	os.Setenv("EVM_ADDRESS", "0x1111111111111111111111111111111111111111")

	_, err := LoadGateway()
	require.Error(t, err)
}

func TestLoadGatewayRemoteDispatch(t *testing.T) {
	clearEnv(t, "EVM_ADDRESS", "FACILITATOR_URL", "GATEWAY_FACILITATOR_URL", "FACILITATOR_PRIVATE_KEY", "RPC_URL", "FACILITATOR_SHARED_SECRET")
	os.Setenv("EVM_ADDRESS", "0x1111111111111111111111111111111111111111")
	os.Setenv("FACILITATOR_URL", "https://facilitator.example")
	os.Setenv("FACILITATOR_SHARED_SECRET", "shh")

	cfg, err := LoadGateway()
	require.NoError(t, err)
	require.Equal(t, "https://facilitator.example", cfg.FacilitatorURL)
	require.Equal(t, []byte("shh"), cfg.FacilitatorSharedSecret)
}

func TestLoadGatewayDefaultAssetFallsBackToKnownNetwork(t *testing.T) {
	clearEnv(t, "EVM_ADDRESS", "FACILITATOR_URL", "DEFAULT_ASSET", "FACILITATOR_NETWORK")
	os.Setenv("EVM_ADDRESS", "0x1111111111111111111111111111111111111111")
	os.Setenv("FACILITATOR_URL", "https://facilitator.example")

	cfg, err := LoadGateway()
	require.NoError(t, err)
	require.NotEqual(t, "0x0000000000000000000000000000000000000000", cfg.DefaultAsset.Hex())
}

func TestGetEnvListTrimsAndDropsEmpty(t *testing.T) {
	os.Setenv("TEST_LIST", "a, b ,, c")
	defer os.Unsetenv("TEST_LIST")

	got := getEnvList("TEST_LIST")
	require.Equal(t, []string{"a", "b", "c"}, got)
}
