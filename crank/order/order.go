// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package order decodes confidential order accounts. The price, amount and
// filled amount are ciphertexts that only the computation cluster can
// operate on. The crank sees the public fields: owner, market, side, status,
// sequence number and an optional public price hint.
package order

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/dex"
)

// Ref identifies an order by its account address.
type Ref = dex.Address

// Side is the side of the book.
type Side uint8

const (
	Buy Side = iota
	Sell
)

// String returns the string representation of a Side.
func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return "unknown"
}

// Status is the on-ledger status of an order.
type Status uint8

const (
	Open Status = iota
	// Matching is set by the order program while a match is being applied.
	Matching
	Filled
	Cancelled
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Matching:
		return "matching"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// CiphertextSize is the size of each encrypted field.
const CiphertextSize = 32

// NonceSize is the size of the encryption nonce.
const NonceSize = 16

// Discriminator prefixes every order account.
var Discriminator = [8]byte{'c', 'o', 'n', 'f', 'o', 'r', 'd', 0x01}

// Account layout offsets.
const (
	offOwner     = 8
	offBase      = offOwner + dex.AddressSize
	offQuote     = offBase + dex.AddressSize
	offSide      = offQuote + dex.AddressSize
	offStatus    = offSide + 1
	offSeq       = offStatus + 1
	offPriceHint = offSeq + 8
	offEncPrice  = offPriceHint + 8
	offEncAmount = offEncPrice + CiphertextSize
	offEncFilled = offEncAmount + CiphertextSize
	offNonce     = offEncFilled + CiphertextSize

	// AccountSize is the exact size of an order account.
	AccountSize = offNonce + NonceSize
)

// PairKey identifies a market by its base and quote tokens.
type PairKey struct {
	Base  dex.Address
	Quote dex.Address
}

// String returns "base/quote".
func (p PairKey) String() string {
	return p.Base.String() + "/" + p.Quote.String()
}

// Order is a decoded order account.
type Order struct {
	Ref    Ref
	Owner  dex.Address
	Base   dex.Address
	Quote  dex.Address
	Side   Side
	Status Status
	// Seq is the order program's monotonic placement counter, used for time
	// priority.
	Seq uint64
	// PriceHint is an optional public price in quote atoms per base unit. Zero
	// means undisclosed.
	PriceHint uint64
	EncPrice  [CiphertextSize]byte
	EncAmount [CiphertextSize]byte
	EncFilled [CiphertextSize]byte
	Nonce     [NonceSize]byte
}

// Pair is the market of the order.
func (o *Order) Pair() PairKey {
	return PairKey{Base: o.Base, Quote: o.Quote}
}

// Matchable is true if the order is open and not already in a match on the
// ledger.
func (o *Order) Matchable() bool {
	return o.Status == Open
}

// String is a short description for logs.
func (o *Order) String() string {
	return fmt.Sprintf("%s %s #%d (%s)", o.Side, o.Ref, o.Seq, o.Status)
}

// Decode parses the account data for the order at ref.
func Decode(ref Ref, b []byte) (*Order, error) {
	if len(b) != AccountSize {
		return nil, fmt.Errorf("order account %s: wrong size %d, expected %d", ref, len(b), AccountSize)
	}
	if !bytes.Equal(b[:8], Discriminator[:]) {
		return nil, fmt.Errorf("order account %s: unknown discriminator %x", ref, b[:8])
	}
	o := &Order{
		Ref:       ref,
		Side:      Side(b[offSide]),
		Status:    Status(b[offStatus]),
		Seq:       binary.LittleEndian.Uint64(b[offSeq:]),
		PriceHint: binary.LittleEndian.Uint64(b[offPriceHint:]),
	}
	if o.Side > Sell {
		return nil, fmt.Errorf("order account %s: invalid side %d", ref, o.Side)
	}
	if o.Status > Cancelled {
		return nil, fmt.Errorf("order account %s: invalid status %d", ref, o.Status)
	}
	copy(o.Owner[:], b[offOwner:])
	copy(o.Base[:], b[offBase:])
	copy(o.Quote[:], b[offQuote:])
	copy(o.EncPrice[:], b[offEncPrice:])
	copy(o.EncAmount[:], b[offEncAmount:])
	copy(o.EncFilled[:], b[offEncFilled:])
	copy(o.Nonce[:], b[offNonce:])
	return o, nil
}

// Encode serializes the order into the account layout.
func (o *Order) Encode() []byte {
	b := make([]byte, AccountSize)
	copy(b, Discriminator[:])
	copy(b[offOwner:], o.Owner[:])
	copy(b[offBase:], o.Base[:])
	copy(b[offQuote:], o.Quote[:])
	b[offSide] = byte(o.Side)
	b[offStatus] = byte(o.Status)
	binary.LittleEndian.PutUint64(b[offSeq:], o.Seq)
	binary.LittleEndian.PutUint64(b[offPriceHint:], o.PriceHint)
	copy(b[offEncPrice:], o.EncPrice[:])
	copy(b[offEncAmount:], o.EncAmount[:])
	copy(b[offEncFilled:], o.EncFilled[:])
	copy(b[offNonce:], o.Nonce[:])
	return b
}

// Filters selects order accounts in account scans and subscriptions.
func Filters() []ledger.Filter {
	return []ledger.Filter{
		{DataSize: AccountSize},
		{Memcmp: &ledger.Memcmp{Offset: 0, Bytes: Discriminator[:]}},
	}
}
