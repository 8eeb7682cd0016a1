package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/inaiurai/listenrewards/internal/models"
)

// ErrInvalidCredentials covers every failed login or token check; callers
// answer 401 without saying which part failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	audienceChallenge = "listenrewards:challenge"
	audienceAccess    = "listenrewards:access"

	challengeTTL = 5 * time.Minute
	accessTTL    = 24 * time.Hour
)

// Challenge is a short-lived login challenge. The wallet signs Message with
// personal_sign and returns the signature together with Token.
type Challenge struct {
	Token     string
	Message   string
	ExpiresAt time.Time
}

type Service interface {
	Challenge(ctx context.Context, identity string) (*Challenge, error)
	Verify(ctx context.Context, challengeToken, signature string) (token, identity string, err error)
	ValidateToken(ctx context.Context, token string) (identity string, err error)
}

type service struct {
	secret []byte
	now    func() time.Time
}

func NewService(secret string) *service {
	return &service{secret: []byte(secret), now: time.Now}
}

var _ Service = (*service)(nil)

// ChallengeMessage is the exact text a wallet signs to log in.
func ChallengeMessage(identity, nonce string, expiresAt time.Time) string {
	return fmt.Sprintf("Sign in to listenrewards\nAddress: %s\nNonce: %s\nExpires: %s",
		identity, nonce, expiresAt.UTC().Format(time.RFC3339))
}

func (s *service) Challenge(_ context.Context, identity string) (*Challenge, error) {
	id, err := models.NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	now := s.now()
	exp := now.Add(challengeTTL).Truncate(time.Second)
	c := jwt.RegisteredClaims{
		Subject:   id,
		Audience:  jwt.ClaimStrings{audienceChallenge},
		ID:        uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return nil, err
	}
	return &Challenge{Token: tok, Message: ChallengeMessage(id, c.ID, exp), ExpiresAt: exp}, nil
}

func (s *service) Verify(_ context.Context, challengeToken, signature string) (string, string, error) {
	c, err := s.parse(challengeToken, audienceChallenge)
	if err != nil {
		return "", "", err
	}
	msg := ChallengeMessage(c.Subject, c.ID, c.ExpiresAt.Time)

	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil || len(sig) != crypto.SignatureLength {
		return "", "", ErrInvalidCredentials
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return "", "", ErrInvalidCredentials
	}
	if !strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), c.Subject) {
		return "", "", ErrInvalidCredentials
	}

	tok, err := s.issueToken(c.Subject)
	if err != nil {
		return "", "", err
	}
	return tok, c.Subject, nil
}

func (s *service) issueToken(identity string) (string, error) {
	now := s.now()
	c := jwt.RegisteredClaims{
		Subject:   identity,
		Audience:  jwt.ClaimStrings{audienceAccess},
		ExpiresAt: jwt.NewNumericDate(now.Add(accessTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (string, error) {
	c, err := s.parse(token, audienceAccess)
	if err != nil {
		return "", err
	}
	return c.Subject, nil
}

func (s *service) parse(token, audience string) (*jwt.RegisteredClaims, error) {
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	c, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidCredentials
	}
	if _, err := models.NormalizeIdentity(c.Subject); err != nil {
		return nil, ErrInvalidCredentials
	}
	return c, nil
}
