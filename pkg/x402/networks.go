package x402

import (
	"github.com/ethereum/go-ethereum/common"
)

// KnownNetwork describes a chain this implementation has seen deployed, for
// defaulting an endpoint's settlement asset when one isn't configured
// explicitly.
type KnownNetwork struct {
	Name            string
	SettlementToken common.Address
}

// KnownNetworks maps CAIP-2 network identifiers to their well-known
// settlement token deployment, for chains this implementation has been
// configured against before. Unlisted networks simply have no default;
// callers must configure DefaultAsset explicitly.
var KnownNetworks = map[string]KnownNetwork{
	"eip155:84532": {Name: "Base Sepolia", SettlementToken: common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")},
	"eip155:8453":  {Name: "Base", SettlementToken: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")},
	"eip155:43113": {Name: "Avalanche Fuji", SettlementToken: common.HexToAddress("0x5425890298aed601595a70AB815c96711a31Bc65")},
	"eip155:43114": {Name: "Avalanche C-Chain", SettlementToken: common.HexToAddress("0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E")},
	"eip155:80002": {Name: "Polygon Amoy", SettlementToken: common.HexToAddress("0x41e94eb019c0762f9bfcf9fb1e58725bfb0e7582")},
	"eip155:137":   {Name: "Polygon", SettlementToken: common.HexToAddress("0x3c499c542cef5e3811e1192ce70d8cc03d5c3359")},
	"eip155:50":    {Name: "XDC", SettlementToken: common.HexToAddress("0xD4B5f10D61916Bd6E0860144a91Ac658dE8a1437")},
}

// DefaultAssetForNetwork returns the well-known settlement token for network,
// if one is registered in KnownNetworks.
func DefaultAssetForNetwork(network string) (common.Address, bool) {
	info, ok := KnownNetworks[network]
	if !ok {
		return common.Address{}, false
	}
	return info.SettlementToken, true
}
