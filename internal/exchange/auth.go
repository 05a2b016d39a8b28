package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"spotfsm/internal/config"
)

// Credentials holds the API key triplet used to sign trading requests.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Auth signs REST requests for a centralized spot exchange using
// HMAC-SHA256 over "timestamp + method + requestPath [+ body]", the same
// signing shape this engine's lineage used for its L2 trading auth — minus
// the on-chain L1 (EIP-712 wallet) layer, which has no counterpart on a
// centralized venue with no wallet-custody component.
type Auth struct {
	creds Credentials
}

// NewAuth creates an Auth instance from config.
func NewAuth(cfg config.Config) (*Auth, error) {
	return &Auth{
		creds: Credentials{
			APIKey:     cfg.Exchange.APIKey,
			APISecret:  cfg.Exchange.APISecret,
			Passphrase: cfg.Exchange.Passphrase,
		},
	}, nil
}

// HasCredentials returns whether API credentials are configured.
func (a *Auth) HasCredentials() bool {
	return a.creds.APIKey != "" && a.creds.APISecret != ""
}

// Headers generates the signed headers for a trading/account endpoint.
func (a *Auth) Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	sig, err := a.sign(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	headers := map[string]string{
		"API-KEY":       a.creds.APIKey,
		"API-SIGNATURE": sig,
		"API-TIMESTAMP": timestamp,
	}
	if a.creds.Passphrase != "" {
		headers["API-PASSPHRASE"] = a.creds.Passphrase
	}
	return headers, nil
}

// sign computes the HMAC-SHA256 signature over timestamp+method+path[+body],
// trying both raw-secret and base64-encoded-secret forms since exchanges vary
// in how they issue API secrets.
func (a *Auth) sign(timestamp, method, path, body string) (string, error) {
	secretBytes, err := decodeSecret(a.creds.APISecret)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path + body

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// decodeSecret tries base64 decoders first (common for exchange-issued
// secrets) and falls back to the raw secret bytes.
func decodeSecret(secret string) ([]byte, error) {
	decoders := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	for _, dec := range decoders {
		if b, err := dec.DecodeString(secret); err == nil {
			return b, nil
		}
	}
	return []byte(secret), nil
}
