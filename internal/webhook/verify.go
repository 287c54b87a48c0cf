package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	HeaderMetaSignature = "X-Hub-Signature-256"
	HeaderCourierToken  = "X-Webhook-Token"
)

var (
	ErrInvalidSignature    = errors.New("webhook: invalid signature")
	ErrInvalidChallenge    = errors.New("webhook: invalid subscription challenge")
	ErrUnsupportedPlatform = errors.New("webhook: unsupported platform")
)

// VerifyMetaSignature checks "sha256=<hex>" HMAC of the raw body with the app secret.
func VerifyMetaSignature(appSecret, header string, body []byte) error {
	secret := strings.TrimSpace(appSecret)
	if secret == "" {
		return fmt.Errorf("%w: app secret is not configured", ErrInvalidSignature)
	}
	sig := strings.TrimSpace(header)
	if !strings.HasPrefix(sig, "sha256=") {
		return fmt.Errorf("%w: %s header is required", ErrInvalidSignature, HeaderMetaSignature)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: decode hex signature", ErrInvalidSignature)
	}

	if !hmac.Equal(got, SignMeta(secret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignMeta returns the raw HMAC-SHA256 Meta would send for body.
func SignMeta(appSecret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(appSecret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// VerifyChallenge validates the Meta subscription handshake and returns the
// challenge to echo back. tokenMatches decides whether the verify token
// belongs to one of our accounts.
func VerifyChallenge(mode, token, challenge string, tokenMatches func(string) bool) (string, error) {
	if mode != "subscribe" || strings.TrimSpace(token) == "" || challenge == "" {
		return "", ErrInvalidChallenge
	}
	if tokenMatches == nil || !tokenMatches(token) {
		return "", ErrInvalidChallenge
	}
	return challenge, nil
}

// VerifyToken checks a shared token header used by courier callbacks.
func VerifyToken(expected, got string) error {
	expected = strings.TrimSpace(expected)
	got = strings.TrimSpace(got)
	if expected == "" || got == "" {
		return fmt.Errorf("%w: %s header is required", ErrInvalidSignature, HeaderCourierToken)
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
