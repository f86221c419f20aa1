// Command payclient-demo is a small CLI exercising pkg/payclient against a
// running gateway: it hits an endpoint, and if challenged with 402 signs and
// retries the request automatically.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/x402-tempo/facilitator-gateway/pkg/payclient"
)

func main() {
	privateKey := os.Getenv("EVM_PRIVATE_KEY")
	if privateKey == "" {
		log.Fatal("EVM_PRIVATE_KEY environment variable not set")
	}
	if len(os.Args) < 2 {
		log.Fatalf("usage: %s <url>", os.Args[0])
	}
	url := os.Args[1]

	client, err := payclient.New(privateKey)
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}

	fmt.Printf("requesting %s as %s...\n", url, client.Address().Hex())
	resp, err := client.Get(url)
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == 200 {
		fmt.Printf("success (status %d): %s\n", resp.StatusCode, string(body))
	} else {
		fmt.Printf("failed (status %d): %s\n", resp.StatusCode, string(body))
	}
}
