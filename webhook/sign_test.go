package webhook

import (
	"strings"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	secret := NewWebhookSecret()
	if !strings.HasPrefix(secret, "whsec_") {
		t.Errorf("secret missing prefix: %q", secret)
	}

	body := []byte(`{"wake_id":"w_1"}`)
	sig := SignPayload(body, secret)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Errorf("signature missing scheme prefix: %q", sig)
	}

	if !VerifySignature(sig, body, secret) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(sig, []byte("tampered"), secret) {
		t.Error("signature accepted for altered body")
	}
	if VerifySignature(sig, body, NewWebhookSecret()) {
		t.Error("signature accepted under wrong secret")
	}
	if VerifySignature("md5=abc", body, secret) {
		t.Error("wrong scheme accepted")
	}
}

func TestConsumerID(t *testing.T) {
	id := ConsumerID("sub-1", "/chat/room1")
	if id != "sub-1:%2Fchat%2Froom1" {
		t.Errorf("unexpected consumer id %q", id)
	}
}

func TestNewWakeIDUnique(t *testing.T) {
	a, b := NewWakeID(), NewWakeID()
	if !strings.HasPrefix(a, "w_") {
		t.Errorf("wake id missing prefix: %q", a)
	}
	if a == b {
		t.Error("wake ids must be unique")
	}
}
