package app

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerpay/payment-engine/internal/domain"
)

func TestConfirmationTokenRoundTrip(t *testing.T) {
	svc := NewConfirmationTokenService("test-secret")
	txID := uuid.New()

	token, expiresAt := svc.Issue(txID, time.Hour)
	if token == "" {
		t.Fatal("expected a non-empty token")
	}
	if err := svc.Verify(txID, token, expiresAt); err != nil {
		t.Fatalf("expected freshly issued token to verify, got %v", err)
	}
}

func TestConfirmationTokenRejectsTampering(t *testing.T) {
	svc := NewConfirmationTokenService("test-secret")
	txID := uuid.New()
	token, expiresAt := svc.Issue(txID, time.Hour)

	// A token minted for one transaction must not confirm another.
	if err := svc.Verify(uuid.New(), token, expiresAt); !errors.Is(err, domain.ErrConfirmationTokenInvalid) {
		t.Fatalf("expected ErrConfirmationTokenInvalid for wrong transaction, got %v", err)
	}

	tampered := "00" + token[2:]
	if err := svc.Verify(txID, tampered, expiresAt); !errors.Is(err, domain.ErrConfirmationTokenInvalid) {
		t.Fatalf("expected ErrConfirmationTokenInvalid for altered token, got %v", err)
	}

	if err := svc.Verify(txID, "not-hex", expiresAt); !errors.Is(err, domain.ErrConfirmationTokenInvalid) {
		t.Fatalf("expected ErrConfirmationTokenInvalid for undecodable token, got %v", err)
	}
}

func TestConfirmationTokenExpiryWinsOverInvalidity(t *testing.T) {
	svc := NewConfirmationTokenService("test-secret")
	txID := uuid.New()
	token, expiresAt := svc.Issue(txID, time.Hour)

	svc.now = func() time.Time { return expiresAt.Add(time.Minute) }

	// A correct-but-late token is expired, not invalid.
	if err := svc.Verify(txID, token, expiresAt); !errors.Is(err, domain.ErrConfirmationTokenExpired) {
		t.Fatalf("expected ErrConfirmationTokenExpired, got %v", err)
	}
	// Even garbage reports expired once the window closed, the two
	// outcomes stay distinguishable for callers.
	if err := svc.Verify(txID, "garbage", expiresAt); !errors.Is(err, domain.ErrConfirmationTokenExpired) {
		t.Fatalf("expected ErrConfirmationTokenExpired for garbage after deadline, got %v", err)
	}
}

func TestHashTokenIsStableAndNotTheToken(t *testing.T) {
	svc := NewConfirmationTokenService("test-secret")
	token, _ := svc.Issue(uuid.New(), time.Hour)

	h1 := HashToken(token)
	h2 := HashToken(token)
	if h1 != h2 {
		t.Fatal("expected hashing to be deterministic")
	}
	if h1 == token {
		t.Fatal("expected the stored hash to differ from the token")
	}
}
