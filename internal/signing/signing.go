// Package signing produces and checks the X-Webhook-Signature header value.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header carries the hex HMAC-SHA256 of the request body.
const Header = "X-Webhook-Signature"

// Sign returns the lowercase hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over the exact received body and compares it
// in constant time. A "sha256=" prefix on signature is tolerated.
func Verify(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	got := strings.ToLower(strings.TrimPrefix(signature, "sha256="))
	want := Sign(string(body), secret)
	return hmac.Equal([]byte(got), []byte(want))
}
