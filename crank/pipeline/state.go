// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pipeline

import (
	"fmt"
	"time"

	"github.com/darkbook/crank/crank/order"
	"github.com/darkbook/crank/crank/ordlock"
)

// PairState is the step of a match attempt.
type PairState uint8

const (
	StateCandidate PairState = iota
	StateLocked
	StateComparing
	StateMatched
	StateFilling
	StateSettled
	StateUnmatched
	StateFailed
	StateReleased
)

// String returns the string representation of a PairState.
func (s PairState) String() string {
	switch s {
	case StateCandidate:
		return "candidate"
	case StateLocked:
		return "locked"
	case StateComparing:
		return "comparing"
	case StateMatched:
		return "matched"
	case StateFilling:
		return "filling"
	case StateSettled:
		return "settled"
	case StateUnmatched:
		return "unmatched"
	case StateFailed:
		return "failed"
	case StateReleased:
		return "released"
	}
	return "unknown"
}

// MarshalText satisfies encoding.TextMarshaler.
func (s PairState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler.
func (s *PairState) UnmarshalText(b []byte) error {
	for st := StateCandidate; st <= StateReleased; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown pair state %q", b)
}

var transitions = map[PairState][]PairState{
	StateCandidate: {StateLocked},
	StateLocked:    {StateComparing, StateFailed},
	StateComparing: {StateMatched, StateUnmatched, StateFailed},
	StateMatched:   {StateFilling, StateFailed},
	StateFilling:   {StateSettled, StateFailed},
	StateSettled:   {StateReleased},
	StateUnmatched: {StateReleased},
	StateFailed:    {StateReleased},
}

func (s PairState) canTransition(to PairState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal is true once the pair's lock has been released.
func (s PairState) Terminal() bool {
	return s == StateReleased
}

type pairKey struct {
	buy  order.Ref
	sell order.Ref
}

// pair is one match attempt. Fields are guarded by the Pipeline mutex.
type pair struct {
	buy     *order.Order
	sell    *order.Order
	state   PairState
	compRef string
	// token is the lock acquisition this attempt owns.
	token ordlock.Token
	since time.Time
	// history is the sequence of states, for logs.
	history []PairState
}

func newPair(buy, sell *order.Order, now time.Time) *pair {
	return &pair{
		buy:     buy,
		sell:    sell,
		state:   StateCandidate,
		since:   now,
		history: []PairState{StateCandidate},
	}
}

func (p *pair) key() pairKey {
	return pairKey{buy: p.buy.Ref, sell: p.sell.Ref}
}

func (p *pair) String() string {
	return fmt.Sprintf("%s/%s", p.buy.Ref, p.sell.Ref)
}

// PairInfo is a snapshot of a match attempt.
type PairInfo struct {
	Buy            order.Ref `json:"buy"`
	Sell           order.Ref `json:"sell"`
	Market         string    `json:"market"`
	State          PairState `json:"state"`
	ComputationRef string    `json:"computationRef,omitempty"`
	Since          time.Time `json:"since"`
}

func (p *pair) info() *PairInfo {
	return &PairInfo{
		Buy:            p.buy.Ref,
		Sell:           p.sell.Ref,
		Market:         p.buy.Pair().String(),
		State:          p.state,
		ComputationRef: p.compRef,
		Since:          p.since,
	}
}
