package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	HeaderSignature = "X-Webhook-Signature-256"
	HeaderEvent     = "X-Event-Type"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderID        = "X-Webhook-Id"

	signaturePrefix = "sha256="
)

// Sign returns "sha256=<hex hmac>" over exactly the bytes given.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time.
func Verify(secret string, body []byte, signature string) bool {
	if secret == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
