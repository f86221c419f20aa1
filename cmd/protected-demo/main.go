// Command protected-demo shows pkg/x402mw protecting a plain http.Handler
// with a flat price, independent of the gateway's registry and proxy.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402-tempo/facilitator-gateway/pkg/facilitator"
	"github.com/x402-tempo/facilitator-gateway/pkg/x402"
	"github.com/x402-tempo/facilitator-gateway/pkg/x402mw"
)

func main() {
	facilitatorURL := os.Getenv("FACILITATOR_URL")
	if facilitatorURL == "" {
		log.Fatal("FACILITATOR_URL environment variable not set")
	}
	payTo := os.Getenv("PAY_TO_ADDRESS")
	if !common.IsHexAddress(payTo) {
		log.Fatal("PAY_TO_ADDRESS must be a valid address")
	}
	asset := os.Getenv("ASSET_ADDRESS")
	if !common.IsHexAddress(asset) {
		log.Fatal("ASSET_ADDRESS must be a valid address")
	}

	authKey := x402.DeriveKey([]byte(os.Getenv("FACILITATOR_AUTH_SECRET")), x402.TagFacilitatorAuth)
	settler := facilitator.NewRemote(facilitatorURL, authKey, facilitator.NewDefaultHTTPClient())
	mw := x402mw.New(settler)

	requirements := x402.PaymentRequirements{
		Scheme:            x402.DefaultScheme,
		Network:           "eip155:84532",
		Price:             "$0.025",
		Asset:             common.HexToAddress(asset),
		Amount:            "25000",
		PayTo:             common.HexToAddress(payTo),
		MaxTimeoutSeconds: 30,
		Description:       "premium content",
		MimeType:          "application/json",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/free", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "this content is free"})
	})

	premium := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "paid content unlocked"})
	})
	mux.Handle("/premium", mw.Protect(premium, requirements))

	addr := ":3000"
	fmt.Printf("listening on %s (GET /free, GET /premium)\n", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
