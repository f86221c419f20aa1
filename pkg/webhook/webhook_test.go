package webhook

import "testing"

func TestValidateURLsRequiresHTTPS(t *testing.T) {
	if err := ValidateURLs([]string{"http://example.com/hook"}); err == nil {
		t.Fatal("expected error for non-https URL")
	}
}

func TestValidateURLsRejectsPrivateAndLocalTargets(t *testing.T) {
	cases := []string{
		"https://127.0.0.1/hook",
		"https://10.0.0.5/hook",
		"https://localhost/hook",
		"https://service.local/hook",
		"https://service.internal/hook",
		"https://169.254.1.1/hook",
	}
	for _, u := range cases {
		if err := ValidateURLs([]string{u}); err == nil {
			t.Errorf("expected error for %s", u)
		}
	}
}

func TestValidateURLsAcceptsPublicHTTPS(t *testing.T) {
	if err := ValidateURLs([]string{"https://hooks.example.com/webhook"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateURLsChecksEveryEntry(t *testing.T) {
	err := ValidateURLs([]string{"https://hooks.example.com/a", "http://hooks.example.com/b"})
	if err == nil {
		t.Fatal("expected error when any URL in the list is invalid")
	}
}
