package models

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeIdentity returns the canonical form of a wallet address: 0x-prefixed,
// lower-case hex. Ledger rows, nonces and tokens are all keyed by this form.
func NormalizeIdentity(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q is not a wallet address", ErrInvalidIdentity, raw)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}

// IdentityAddress converts a normalized identity back to an address for signing.
func IdentityAddress(identity string) common.Address {
	return common.HexToAddress(identity)
}
