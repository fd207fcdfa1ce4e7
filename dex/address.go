// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/decred/base58"
)

const (
	// AddressSize is the length of a ledger account address.
	AddressSize = 32

	// MaxSeeds and MaxSeedLength bound program address derivation.
	MaxSeeds      = 16
	MaxSeedLength = 32

	pdaMarker = "ProgramDerivedAddress"
)

// ErrNoViableBump is returned by FindProgramAddress when no bump seed produces
// an off-curve address.
const ErrNoViableBump = ErrorKind("no viable bump seed")

// Address is a ledger account address. The text form is base58.
type Address [AddressSize]byte

// ZeroAddress is the all-zero address.
var ZeroAddress Address

// ParseAddress decodes a base58 address string.
func ParseAddress(s string) (Address, error) {
	var a Address
	b := base58.Decode(s)
	if len(b) != AddressSize {
		return a, fmt.Errorf("invalid address %q: decoded length %d", s, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// MustParseAddress is like ParseAddress but panics on error. It is intended
// for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFromBytes copies b into an Address. b must be AddressSize long.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, fmt.Errorf("wrong address length %d", len(b))
	}
	copy(a[:], b)
	return a, nil
}

// String returns the base58 encoding of the address.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// IsZero is true for the zero address.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// MarshalText satisfies encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error {
	addr, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

var _ json.Marshaler = (*Address)(nil)

// MarshalJSON encodes the address as a base58 JSON string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a base58 JSON string.
func (a *Address) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return a.UnmarshalText([]byte(s))
}

// OnCurve is true if b decodes to a point on the ed25519 curve. Program
// derived addresses must be off the curve so that no private key exists for
// them.
func OnCurve(b []byte) bool {
	if len(b) != AddressSize {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// CreateProgramAddress hashes the seeds and program into a candidate program
// address. An error is returned if the result lands on the curve.
func CreateProgramAddress(seeds [][]byte, program Address) (Address, error) {
	var a Address
	if len(seeds) > MaxSeeds {
		return a, fmt.Errorf("too many seeds: %d", len(seeds))
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > MaxSeedLength {
			return a, fmt.Errorf("seed length %d exceeds maximum %d", len(s), MaxSeedLength)
		}
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte(pdaMarker))
	copy(a[:], h.Sum(nil))
	if OnCurve(a[:]) {
		return ZeroAddress, fmt.Errorf("derived address %s is on the curve", a)
	}
	return a, nil
}

// FindProgramAddress searches bump seeds from 255 down for the first
// off-curve program address.
func FindProgramAddress(seeds [][]byte, program Address) (Address, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{uint8(bump)}
		a, err := CreateProgramAddress(withBump, program)
		if err == nil {
			return a, uint8(bump), nil
		}
	}
	return ZeroAddress, 0, ErrNoViableBump
}
