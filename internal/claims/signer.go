package claims

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/inaiurai/listenrewards/internal/models"
)

var (
	ErrBadSignature = errors.New("claim signature does not recover to the authorizer")
	ErrClaimExpired = errors.New("claim expired")
)

// Signer produces a 65-byte [R || S || V] signature over a 32-byte digest.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// KeySigner signs with an in-process secp256k1 key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner parses a hex-encoded secp256k1 private key.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse claim signer key: %w", err)
	}
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *KeySigner) Address() common.Address { return s.addr }

// Sign returns an EIP-191 personal-message signature over digest with V in {27, 28},
// the form contracts verify with ecrecover.
func (s *KeySigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(digest), s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

// Digest is keccak256 over the packed claim fields the executor checks:
// identity, reward amount, nonce, expiry, chain id and contract.
func Digest(c *models.Claim) []byte {
	return crypto.Keccak256(
		models.IdentityAddress(c.Identity).Bytes(),
		word(c.RewardAmount),
		word(new(big.Int).SetUint64(c.Nonce)),
		word(big.NewInt(c.ExpiresAt.Unix())),
		word(c.ChainID),
		common.HexToAddress(c.Contract).Bytes(),
	)
}

// Verify is the executor-side check: the signature must recover to authorizer
// and the claim must not have expired. It uses nothing but the claim itself.
func Verify(c *models.Claim, authorizer common.Address, now time.Time) error {
	sig, err := hexutil.Decode(c.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	if c.RewardAmount == nil || c.RewardAmount.Sign() < 0 || c.ChainID == nil {
		return fmt.Errorf("%w: incomplete claim", ErrBadSignature)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(Digest(c)), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != authorizer {
		return ErrBadSignature
	}
	if !now.Before(c.ExpiresAt) {
		return fmt.Errorf("%w at %s", ErrClaimExpired, c.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}
