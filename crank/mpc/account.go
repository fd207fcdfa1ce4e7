// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mpc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/dex"
)

// AccountDiscriminator prefixes every computation account.
var AccountDiscriminator = [8]byte{'c', 'o', 'm', 'p', 'u', 't', 'e', 0x01}

// computationSeed is the first seed of a computation account address.
const computationSeed = "computation"

// Computation account layout: discriminator, offset u64, kind u8, status u8,
// result length u16, result.
const (
	accOffset    = 8
	accKind      = accOffset + 8
	accStatus    = accKind + 1
	accResultLen = accStatus + 1
	accResult    = accResultLen + 2
)

// Account is a decoded computation account.
type Account struct {
	Offset uint64
	Kind   Kind
	Status Status
	Result []byte
}

// DecodeAccount parses a computation account.
func DecodeAccount(b []byte) (*Account, error) {
	if len(b) < accResult {
		return nil, fmt.Errorf("computation account too short: %d bytes", len(b))
	}
	if !bytes.Equal(b[:8], AccountDiscriminator[:]) {
		return nil, fmt.Errorf("unknown computation account discriminator %x", b[:8])
	}
	n := int(binary.LittleEndian.Uint16(b[accResultLen:]))
	if len(b) < accResult+n {
		return nil, fmt.Errorf("computation result truncated: %d of %d bytes", len(b)-accResult, n)
	}
	a := &Account{
		Offset: binary.LittleEndian.Uint64(b[accOffset:]),
		Kind:   Kind(b[accKind]),
		Status: Status(b[accStatus]),
	}
	if a.Status > Failed {
		return nil, fmt.Errorf("invalid computation status %d", a.Status)
	}
	if n > 0 {
		a.Result = append([]byte(nil), b[accResult:accResult+n]...)
	}
	return a, nil
}

// Encode serializes the account. It is used by tests and local harnesses.
func (a *Account) Encode() []byte {
	b := make([]byte, accResult+len(a.Result))
	copy(b, AccountDiscriminator[:])
	binary.LittleEndian.PutUint64(b[accOffset:], a.Offset)
	b[accKind] = byte(a.Kind)
	b[accStatus] = byte(a.Status)
	binary.LittleEndian.PutUint16(b[accResultLen:], uint16(len(a.Result)))
	copy(b[accResult:], a.Result)
	return b
}

// ComputationAddress derives the address of the computation account at an
// offset.
func ComputationAddress(program dex.Address, offset uint64) (dex.Address, error) {
	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], offset)
	addr, _, err := dex.FindProgramAddress([][]byte{[]byte(computationSeed), off[:]}, program)
	return addr, err
}

// AccountFilters selects computation accounts in scans and subscriptions.
func AccountFilters() []ledger.Filter {
	return []ledger.Filter{
		{Memcmp: &ledger.Memcmp{Offset: 0, Bytes: AccountDiscriminator[:]}},
	}
}
