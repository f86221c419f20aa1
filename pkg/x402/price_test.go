package x402

import "testing"

func TestParsePriceRoundTripLaws(t *testing.T) {
	cases := []struct {
		price    string
		decimals uint8
		want     string
	}{
		{"$0.001", 6, "1000"},
		{"$1", 6, "1000000"},
		{"$0.000001", 6, "1"},
		{"$0.0000019", 6, "1"}, // truncates beyond decimals, never rounds
		{"$0", 6, "0"},
		{"$0.01", 2, "1"},
	}
	for _, c := range cases {
		got, err := ParsePrice(c.price, c.decimals)
		if err != nil {
			t.Fatalf("ParsePrice(%q, %d): unexpected error: %v", c.price, c.decimals, err)
		}
		if got != c.want {
			t.Errorf("ParsePrice(%q, %d) = %q, want %q", c.price, c.decimals, got, c.want)
		}
	}
}

func TestParsePriceRejectsMalformed(t *testing.T) {
	bad := []string{"$1.2.3", "$-1", "", "$abc", "$1.ab"}
	for _, price := range bad {
		if _, err := ParsePrice(price, 6); err == nil {
			t.Errorf("ParsePrice(%q) expected error, got none", price)
		}
	}
}

func TestParsePriceNoFloatArtifacts(t *testing.T) {
	// Values that are famously lossy in binary floating point must still
	// round-trip exactly through the integer-only path.
	got, err := ParsePrice("$0.1", 18)
	if err != nil {
		t.Fatal(err)
	}
	want := "100000000000000000"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
