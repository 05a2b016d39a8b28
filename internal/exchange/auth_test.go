package exchange

import (
	"testing"

	"spotfsm/internal/config"
)

func testAuth() *Auth {
	a, _ := NewAuth(config.Config{
		Exchange: config.ExchangeConfig{
			APIKey:     "key123",
			APISecret:  "c2VjcmV0Ym9keQ==", // base64("secretbody")
			Passphrase: "pass",
		},
	})
	return a
}

func TestHasCredentials(t *testing.T) {
	t.Parallel()

	a := testAuth()
	if !a.HasCredentials() {
		t.Error("expected credentials to be present")
	}

	empty, _ := NewAuth(config.Config{})
	if empty.HasCredentials() {
		t.Error("expected no credentials on empty config")
	}
}

func TestHeadersIncludesSignatureAndTimestamp(t *testing.T) {
	t.Parallel()

	a := testAuth()
	headers, err := a.Headers("POST", "/order", `{"symbol":"BTCUSDT"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, key := range []string{"API-KEY", "API-SIGNATURE", "API-TIMESTAMP", "API-PASSPHRASE"} {
		if headers[key] == "" {
			t.Errorf("expected header %s to be set", key)
		}
	}
	if headers["API-KEY"] != "key123" {
		t.Errorf("API-KEY = %q, want key123", headers["API-KEY"])
	}
}

func TestSignIsDeterministicForSameInputs(t *testing.T) {
	t.Parallel()

	a := testAuth()
	sig1, err := a.sign("1000", "GET", "/balance", "")
	if err != nil {
		t.Fatal(err)
	}
	sig2, err := a.sign("1000", "GET", "/balance", "")
	if err != nil {
		t.Fatal(err)
	}
	if sig1 != sig2 {
		t.Errorf("expected deterministic signature, got %q != %q", sig1, sig2)
	}
}

func TestSignDiffersOnBody(t *testing.T) {
	t.Parallel()

	a := testAuth()
	sig1, _ := a.sign("1000", "POST", "/order", `{"a":1}`)
	sig2, _ := a.sign("1000", "POST", "/order", `{"a":2}`)
	if sig1 == sig2 {
		t.Error("expected different signatures for different request bodies")
	}
}

func TestDecodeSecretFallsBackToRaw(t *testing.T) {
	t.Parallel()

	b, err := decodeSecret("not-valid-base64-!!!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "not-valid-base64-!!!" {
		t.Errorf("expected raw fallback, got %q", string(b))
	}
}
