package claims

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/inaiurai/listenrewards/internal/models"
)

const testKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func signedClaim(t *testing.T) (*models.Claim, *KeySigner) {
	t.Helper()
	s, err := NewKeySigner(testKeyHex)
	if err != nil {
		t.Fatalf("NewKeySigner: %v", err)
	}
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &models.Claim{
		Identity:        "0x00000000000000000000000000000000000000a1",
		RewardedSeconds: 3600,
		RewardAmount:    big.NewInt(3_600_000),
		Nonce:           7,
		IssuedAt:        issued,
		ExpiresAt:       issued.Add(time.Hour),
		ChainID:         big.NewInt(1),
		Contract:        "0x00000000000000000000000000000000000000c0",
	}
	sig, err := s.Sign(context.Background(), Digest(c))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	c.Signature = hexutil.Encode(sig)
	return c, s
}

func TestKeySigner_Address(t *testing.T) {
	s, err := NewKeySigner(testKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	if want := common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"); s.Address() != want {
		t.Errorf("address: got %s, want %s", s.Address().Hex(), want.Hex())
	}
}

func TestNewKeySigner_Invalid(t *testing.T) {
	if _, err := NewKeySigner("zz"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	c, s := signedClaim(t)
	sig, _ := hexutil.Decode(c.Signature)
	if v := sig[64]; v != 27 && v != 28 {
		t.Errorf("V byte: got %d, want 27 or 28", v)
	}
	if err := Verify(c, s.Address(), c.IssuedAt.Add(time.Minute)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_TamperedFields(t *testing.T) {
	tamper := map[string]func(c *models.Claim){
		"amount":   func(c *models.Claim) { c.RewardAmount = big.NewInt(3_600_001) },
		"nonce":    func(c *models.Claim) { c.Nonce = 8 },
		"identity": func(c *models.Claim) { c.Identity = "0x00000000000000000000000000000000000000b2" },
		"chain":    func(c *models.Claim) { c.ChainID = big.NewInt(10) },
		"expiry":   func(c *models.Claim) { c.ExpiresAt = c.ExpiresAt.Add(time.Hour) },
		"contract": func(c *models.Claim) { c.Contract = "0x00000000000000000000000000000000000000c1" },
	}
	for name, f := range tamper {
		t.Run(name, func(t *testing.T) {
			c, s := signedClaim(t)
			f(c)
			if err := Verify(c, s.Address(), c.IssuedAt); !errors.Is(err, ErrBadSignature) {
				t.Fatalf("expected ErrBadSignature, got %v", err)
			}
		})
	}
}

func TestVerify_WrongAuthorizer(t *testing.T) {
	c, _ := signedClaim(t)
	other := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	if err := Verify(c, other, c.IssuedAt); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	c, s := signedClaim(t)
	if err := Verify(c, s.Address(), c.ExpiresAt); !errors.Is(err, ErrClaimExpired) {
		t.Fatalf("expected ErrClaimExpired, got %v", err)
	}
}

func TestVerify_MalformedSignature(t *testing.T) {
	c, s := signedClaim(t)
	c.Signature = "0x1234"
	if err := Verify(c, s.Address(), c.IssuedAt); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}
