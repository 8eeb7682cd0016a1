package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/inaiurai/listenrewards/internal/models"
)

const walletKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func signMessage(t *testing.T, hexKey, msg string) string {
	t.Helper()
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		t.Fatal(err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func walletAddress(t *testing.T) string {
	t.Helper()
	key, _ := crypto.HexToECDSA(walletKey)
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestLogin_ChallengeVerifyValidate(t *testing.T) {
	svc := NewService("test-secret")
	ctx := context.Background()

	ch, err := svc.Challenge(ctx, walletAddress(t))
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	token, identity, err := svc.Verify(ctx, ch.Token, signMessage(t, walletKey, ch.Message))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	want, _ := models.NormalizeIdentity(walletAddress(t))
	if identity != want {
		t.Errorf("identity: got %s, want %s", identity, want)
	}

	got, err := svc.ValidateToken(ctx, token)
	if err != nil || got != want {
		t.Fatalf("ValidateToken: got %q, %v", got, err)
	}
}

func TestVerify_WrongSigner(t *testing.T) {
	svc := NewService("test-secret")
	ctx := context.Background()
	ch, _ := svc.Challenge(ctx, walletAddress(t))

	other := "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"
	if _, _, err := svc.Verify(ctx, ch.Token, signMessage(t, other, ch.Message)); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestVerify_ExpiredChallenge(t *testing.T) {
	svc := NewService("test-secret")
	ctx := context.Background()
	ch, _ := svc.Challenge(ctx, walletAddress(t))
	sig := signMessage(t, walletKey, ch.Message)

	svc.now = func() time.Time { return time.Now().Add(challengeTTL + time.Minute) }
	if _, _, err := svc.Verify(ctx, ch.Token, sig); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestValidateToken_RejectsChallengeToken(t *testing.T) {
	svc := NewService("test-secret")
	ch, _ := svc.Challenge(context.Background(), walletAddress(t))
	if _, err := svc.ValidateToken(context.Background(), ch.Token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("challenge token must not authenticate requests, got %v", err)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	a := NewService("secret-a")
	tok, err := a.issueToken("0x00000000000000000000000000000000000000a1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewService("secret-b").ValidateToken(context.Background(), tok); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestChallenge_InvalidAddress(t *testing.T) {
	if _, err := NewService("s").Challenge(context.Background(), "not-an-address"); !errors.Is(err, models.ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}
