package webhook

import (
	"testing"
	"time"
)

func TestTokenGenerateValidate(t *testing.T) {
	ti := NewTokenIssuer()

	token := ti.Generate("sub-1:%2Fchat", 3)
	check := ti.Validate(token, "sub-1:%2Fchat")
	if !check.Valid {
		t.Fatalf("fresh token rejected: %s", check.Code)
	}
	if check.Epoch != 3 {
		t.Errorf("epoch claim lost: got %d", check.Epoch)
	}
	if time.Until(check.Exp) < 14*time.Minute {
		t.Errorf("expiry too close: %v", check.Exp)
	}
}

func TestTokenWrongConsumer(t *testing.T) {
	ti := NewTokenIssuer()
	token := ti.Generate("consumer-a", 1)

	check := ti.Validate(token, "consumer-b")
	if check.Valid {
		t.Fatal("token accepted for wrong consumer")
	}
	if check.Code != ErrCodeTokenInvalid {
		t.Errorf("expected TOKEN_INVALID, got %s", check.Code)
	}
}

func TestTokenWrongIssuer(t *testing.T) {
	token := NewTokenIssuer().Generate("c", 1)

	check := NewTokenIssuer().Validate(token, "c")
	if check.Valid {
		t.Fatal("token accepted across issuers")
	}
}

func TestTokenGarbage(t *testing.T) {
	ti := NewTokenIssuer()
	check := ti.Validate("not-a-jwt", "c")
	if check.Valid {
		t.Fatal("garbage token accepted")
	}
	if check.Code != ErrCodeTokenInvalid {
		t.Errorf("expected TOKEN_INVALID, got %s", check.Code)
	}
}

func TestNeedsRefresh(t *testing.T) {
	if NeedsRefresh(time.Now().Add(10 * time.Minute)) {
		t.Error("token with 10 minutes left should not need refresh")
	}
	if !NeedsRefresh(time.Now().Add(2 * time.Minute)) {
		t.Error("token with 2 minutes left should need refresh")
	}
}
