package x402

import (
	"math/big"
	"testing"
)

func TestChainIDFromNetwork(t *testing.T) {
	chainID, err := ChainIDFromNetwork("eip155:84532")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chainID.Cmp(big.NewInt(84532)) != 0 {
		t.Fatalf("got chain ID %s, want 84532", chainID)
	}
}

func TestChainIDFromNetworkRejectsUnsupportedNamespace(t *testing.T) {
	if _, err := ChainIDFromNetwork("solana:mainnet"); err == nil {
		t.Fatal("expected error for non-eip155 namespace")
	}
}

func TestChainIDFromNetworkRejectsMalformed(t *testing.T) {
	cases := []string{"eip155", "eip155:", "eip155:notanumber", "garbage"}
	for _, c := range cases {
		if _, err := ChainIDFromNetwork(c); err == nil {
			t.Errorf("expected error for %q", c)
		}
	}
}

func TestDefaultAssetForNetwork(t *testing.T) {
	asset, ok := DefaultAssetForNetwork("eip155:84532")
	if !ok {
		t.Fatal("expected a known default asset for Base Sepolia")
	}
	if asset.Hex() == "0x0000000000000000000000000000000000000000" {
		t.Fatal("expected a non-zero settlement token address")
	}

	if _, ok := DefaultAssetForNetwork("eip155:999999999"); ok {
		t.Fatal("expected no default asset for an unknown network")
	}
}
