package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// NewWebhookSecret creates a subscription secret: 32 random bytes, hex
// encoded, prefixed so it is recognizable in configs and logs.
func NewWebhookSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("webhook: crypto/rand unavailable: " + err.Error())
	}
	return "whsec_" + hex.EncodeToString(b)
}

// NewWakeID creates a unique wake identifier.
func NewWakeID() string {
	return "w_" + uuid.NewString()
}

// ConsumerID builds the stable consumer identifier for a
// (subscription, primary stream) pair.
func ConsumerID(subscriptionID, streamPath string) string {
	return subscriptionID + ":" + url.PathEscape(streamPath)
}

// SignPayload computes the Webhook-Signature header value for a delivery
// body: "sha256=<hex hmac>" over the raw bytes with the subscription secret.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a Webhook-Signature header value in constant time.
func VerifySignature(header string, body []byte, secret string) bool {
	want, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	got := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(want))
}
