// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/darkbook/crank/crank/order"
	"github.com/darkbook/crank/dex"
	"github.com/google/uuid"
)

// DefaultHarnessLatency is the simulated cluster latency.
const DefaultHarnessLatency = 2 * time.Second

// CompareInputs are the inputs of a ComparePrices computation.
func CompareInputs(buy, sell *order.Order) [][]byte {
	return [][]byte{buy.EncPrice[:], sell.EncPrice[:], buy.Nonce[:], sell.Nonce[:]}
}

// FillInputs are the inputs of a CalculateFill computation.
func FillInputs(buy, sell *order.Order) [][]byte {
	return [][]byte{
		buy.EncPrice[:], sell.EncPrice[:],
		buy.EncAmount[:], buy.EncFilled[:],
		sell.EncAmount[:], sell.EncFilled[:],
	}
}

// DevCiphertext is the development encoding of a value: the little-endian
// plaintext, zero padded. Only a Harness can compute on it.
func DevCiphertext(v uint64) [order.CiphertextSize]byte {
	var b [order.CiphertextSize]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b
}

func devPlaintext(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("input too short: %d bytes", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Resolver computes a result from the inputs.
type Resolver func(kind Kind, inputs [][]byte) ([]byte, error)

// DevResolver computes on DevCiphertext inputs. Orders cross if the bid is at
// least the ask. Fills are the smaller of the remaining amounts, executed at
// the ask.
func DevResolver(kind Kind, inputs [][]byte) ([]byte, error) {
	vals := make([]uint64, len(inputs))
	for i, in := range inputs {
		v, err := devPlaintext(in)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		vals[i] = v
	}
	switch kind {
	case ComparePrices:
		if len(vals) < 2 {
			return nil, fmt.Errorf("compare needs 2 inputs, got %d", len(vals))
		}
		return EncodeCompareResult(vals[0] >= vals[1]), nil
	case CalculateFill:
		if len(vals) != 6 {
			return nil, fmt.Errorf("fill needs 6 inputs, got %d", len(vals))
		}
		askPrice := vals[1]
		buyAmt, buyFilled, sellAmt, sellFilled := vals[2], vals[3], vals[4], vals[5]
		if buyFilled > buyAmt || sellFilled > sellAmt {
			return nil, errors.New("filled amount exceeds order amount")
		}
		base := min(buyAmt-buyFilled, sellAmt-sellFilled)
		if base == 0 {
			return nil, errors.New("nothing left to fill")
		}
		quote, ok := QuoteAmount(base, askPrice)
		if !ok {
			return nil, errors.New("quote amount overflow")
		}
		return (&FillResult{BaseAmount: base, QuoteAmount: quote}).Encode(), nil
	}
	return nil, fmt.Errorf("unsupported computation %s", kind)
}

// HarnessConfig is the configuration for a Harness.
type HarnessConfig struct {
	// Latency is the delay between submission and completion.
	Latency  time.Duration
	Resolver Resolver
	Logger   dex.Logger
}

// Harness is a Computer for development and tests. A run loop picks up
// submitted requests and completes them after the configured latency.
type Harness struct {
	latency     time.Duration
	resolve     Resolver
	log         dex.Logger
	queue       chan *Request
	completions chan *Completion

	mtx  sync.Mutex
	reqs map[string]*Request
}

var _ Computer = (*Harness)(nil)

// NewHarness is the constructor for a Harness.
func NewHarness(cfg *HarnessConfig) *Harness {
	h := &Harness{
		latency:     cfg.Latency,
		resolve:     cfg.Resolver,
		log:         cfg.Logger,
		queue:       make(chan *Request, 256),
		completions: make(chan *Completion, 256),
		reqs:        make(map[string]*Request),
	}
	if h.latency < 0 {
		h.latency = 0
	}
	if h.resolve == nil {
		h.resolve = DevResolver
	}
	if h.log == nil {
		h.log = dex.Disabled
	}
	return h
}

// Submit queues a request. The reference is a random UUID.
func (h *Harness) Submit(ctx context.Context, kind Kind, inputs [][]byte, callbacks []dex.Address) (string, error) {
	r := &Request{
		Ref:       uuid.NewString(),
		Kind:      kind,
		Inputs:    inputs,
		Callbacks: callbacks,
		Status:    Pending,
	}
	h.mtx.Lock()
	h.reqs[r.Ref] = r
	h.mtx.Unlock()
	select {
	case h.queue <- r:
	case <-ctx.Done():
		h.mtx.Lock()
		delete(h.reqs, r.Ref)
		h.mtx.Unlock()
		return "", ctx.Err()
	}
	h.log.Tracef("Queued %s request %s", kind, r.Ref)
	return r.Ref, nil
}

// Completions delivers completed and failed requests.
func (h *Harness) Completions() <-chan *Completion {
	return h.completions
}

// Status returns the status of a request that has not yet completed.
func (h *Harness) Status(ref string) (Status, bool) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	r, found := h.reqs[ref]
	if !found {
		return 0, false
	}
	return r.Status, true
}

// Pending is the number of requests not yet completed.
func (h *Harness) Pending() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.reqs)
}

// Run processes requests until the context is canceled.
func (h *Harness) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case r := <-h.queue:
			h.mtx.Lock()
			r.Status = Processing
			h.mtx.Unlock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.process(ctx, r)
			}()
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *Harness) process(ctx context.Context, r *Request) {
	if h.latency > 0 {
		timer := time.NewTimer(h.latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
	comp := &Completion{Ref: r.Ref, Kind: r.Kind, Status: Completed}
	res, err := h.resolve(r.Kind, r.Inputs)
	if err != nil {
		comp.Status = Failed
		comp.Err = computationError("%s request %s: %v", r.Kind, r.Ref, err)
		h.log.Debugf("Request %s failed: %v", r.Ref, err)
	} else {
		comp.Result = res
	}
	h.mtx.Lock()
	delete(h.reqs, r.Ref)
	h.mtx.Unlock()
	select {
	case h.completions <- comp:
	case <-ctx.Done():
	}
}
