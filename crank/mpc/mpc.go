// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package mpc submits work to the computation cluster and delivers its
// completions. Submission returns a correlation reference immediately; the
// result arrives later on the Completions channel.
package mpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/dex"
)

// Kind is the computation to perform.
type Kind uint8

const (
	// ComparePrices compares the encrypted bid and ask prices. The result is
	// a single byte, 1 if the orders cross.
	ComparePrices Kind = iota + 1
	// CalculateFill computes the fill amounts of a crossing pair. The result
	// is an encoded FillResult.
	CalculateFill
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case ComparePrices:
		return "compare_prices"
	case CalculateFill:
		return "calculate_fill"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Status is the status of a computation.
type Status uint8

const (
	Pending Status = iota
	Processing
	Completed
	Failed
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Processing:
		return "processing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Final is true for completed and failed computations.
func (s Status) Final() bool {
	return s == Completed || s == Failed
}

// Request is one submitted computation.
type Request struct {
	Ref       string
	Kind      Kind
	Inputs    [][]byte
	Callbacks []dex.Address
	Status    Status
}

// Completion is the final state of a computation. Err is set for failed
// computations and is classified as ledger.ClassComputation.
type Completion struct {
	Ref    string
	Kind   Kind
	Status Status
	Result []byte
	Err    error
}

// Computer is the computation cluster.
type Computer interface {
	// Submit queues a computation and returns its correlation reference once
	// the request is accepted.
	Submit(ctx context.Context, kind Kind, inputs [][]byte, callbacks []dex.Address) (string, error)
	// Completions delivers the final state of submitted computations.
	Completions() <-chan *Completion
}

func computationError(format string, args ...any) error {
	return ledger.WithClass(fmt.Errorf(format, args...), ledger.ClassComputation)
}

// EncodeCompareResult encodes a ComparePrices result.
func EncodeCompareResult(crossed bool) []byte {
	if crossed {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeCompareResult decodes a ComparePrices result.
func DecodeCompareResult(b []byte) (bool, error) {
	if len(b) != 1 || b[0] > 1 {
		return false, computationError("invalid compare result %x", b)
	}
	return b[0] == 1, nil
}

// FillResult is the outcome of CalculateFill. Amounts are in atoms.
type FillResult struct {
	BaseAmount  uint64
	QuoteAmount uint64
}

// Encode encodes the FillResult.
func (f *FillResult) Encode() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b, f.BaseAmount)
	binary.LittleEndian.PutUint64(b[8:], f.QuoteAmount)
	return b
}

// DecodeFillResult decodes a CalculateFill result.
func DecodeFillResult(b []byte) (*FillResult, error) {
	if len(b) != 16 {
		return nil, computationError("invalid fill result length %d", len(b))
	}
	return &FillResult{
		BaseAmount:  binary.LittleEndian.Uint64(b),
		QuoteAmount: binary.LittleEndian.Uint64(b[8:]),
	}, nil
}

// PriceScale is the number of base atoms a price is quoted per.
const PriceScale = 1e8

// QuoteAmount converts a base amount at a price to quote atoms, rounding
// down. ok is false on overflow.
func QuoteAmount(base, price uint64) (q uint64, ok bool) {
	hi, lo := bits.Mul64(base, price)
	if hi >= PriceScale {
		return 0, false
	}
	q, _ = bits.Div64(hi, lo, PriceScale)
	return q, true
}
