// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/darkbook/crank/crank/breaker"
	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/crank/order"
	"github.com/darkbook/crank/dex"
)

var tLogger = dex.StdOutLogger("TEST", dex.LevelTrace)

func devOrder(side order.Side, price, amt, filled uint64) *order.Order {
	return &order.Order{
		Side:      side,
		EncPrice:  DevCiphertext(price),
		EncAmount: DevCiphertext(amt),
		EncFilled: DevCiphertext(filled),
	}
}

func TestDevResolver(t *testing.T) {
	tests := []struct {
		name      string
		buy, sell *order.Order
		crossed   bool
		fill      *FillResult
		fillErr   bool
	}{
		{
			name:    "crossed, sell smaller",
			buy:     devOrder(order.Buy, 105e8, 10e8, 0),
			sell:    devOrder(order.Sell, 100e8, 4e8, 0),
			crossed: true,
			fill:    &FillResult{BaseAmount: 4e8, QuoteAmount: 400e8},
		},
		{
			name:    "equal prices cross, partial fills",
			buy:     devOrder(order.Buy, 2e8, 10e8, 7e8),
			sell:    devOrder(order.Sell, 2e8, 5e8, 0),
			crossed: true,
			fill:    &FillResult{BaseAmount: 3e8, QuoteAmount: 6e8},
		},
		{
			name:    "no cross",
			buy:     devOrder(order.Buy, 99, 1, 0),
			sell:    devOrder(order.Sell, 100, 1, 0),
			crossed: false,
			fill:    &FillResult{BaseAmount: 1, QuoteAmount: 0},
		},
		{
			name:    "fully filled",
			buy:     devOrder(order.Buy, 1, 5, 5),
			sell:    devOrder(order.Sell, 1, 5, 0),
			crossed: true,
			fillErr: true,
		},
	}
	for _, tt := range tests {
		res, err := DevResolver(ComparePrices, CompareInputs(tt.buy, tt.sell))
		if err != nil {
			t.Fatalf("%s: compare error: %v", tt.name, err)
		}
		crossed, err := DecodeCompareResult(res)
		if err != nil || crossed != tt.crossed {
			t.Fatalf("%s: wanted crossed = %t, got %t (%v)", tt.name, tt.crossed, crossed, err)
		}
		res, err = DevResolver(CalculateFill, FillInputs(tt.buy, tt.sell))
		if tt.fillErr {
			if err == nil {
				t.Fatalf("%s: no fill error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: fill error: %v", tt.name, err)
		}
		fill, err := DecodeFillResult(res)
		if err != nil || *fill != *tt.fill {
			t.Fatalf("%s: wanted fill %+v, got %+v (%v)", tt.name, tt.fill, fill, err)
		}
	}

	if _, err := DevResolver(Kind(9), nil); err == nil {
		t.Fatalf("no error for unknown kind")
	}
}

func TestResultDecodeErrors(t *testing.T) {
	if _, err := DecodeCompareResult([]byte{2}); ledger.Classify(err) != ledger.ClassComputation {
		t.Fatalf("bad compare result not a computation error: %v", err)
	}
	if _, err := DecodeFillResult(make([]byte, 15)); ledger.Classify(err) != ledger.ClassComputation {
		t.Fatalf("bad fill result not a computation error: %v", err)
	}
	if _, ok := QuoteAmount(1<<63, 1<<63); ok {
		t.Fatalf("no overflow detected")
	}
}

func TestComputationAccount(t *testing.T) {
	program := dex.MustParseAddress("11111111111111111111111111111112")
	a1, err := ComputationAddress(program, 7)
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := ComputationAddress(program, 7)
	a3, _ := ComputationAddress(program, 8)
	if a1 != a2 || a1 == a3 || dex.OnCurve(a1[:]) {
		t.Fatalf("bad computation addresses %s %s %s", a1, a2, a3)
	}

	acct := &Account{Offset: 7, Kind: CalculateFill, Status: Completed, Result: []byte{1, 2, 3}}
	b := acct.Encode()
	got, err := DecodeAccount(b)
	if err != nil || got.Offset != 7 || got.Status != Completed || len(got.Result) != 3 {
		t.Fatalf("DecodeAccount: %+v, %v", got, err)
	}
	if _, err := DecodeAccount(b[:len(b)-1]); err == nil {
		t.Fatalf("no error for truncated result")
	}
}

func TestHarness(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHarness(&HarnessConfig{Latency: 10 * time.Millisecond, Logger: tLogger})
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	buy, sell := devOrder(order.Buy, 10, 5, 0), devOrder(order.Sell, 9, 5, 0)
	ref1, err := h.Submit(ctx, ComparePrices, CompareInputs(buy, sell), nil)
	if err != nil {
		t.Fatal(err)
	}
	ref2, _ := h.Submit(ctx, CalculateFill, [][]byte{{1}}, nil)
	if ref1 == ref2 {
		t.Fatalf("duplicate refs")
	}
	if _, found := h.Status(ref1); !found {
		t.Fatalf("submitted request not found")
	}

	got := make(map[string]*Completion)
	for len(got) < 2 {
		select {
		case c := <-h.Completions():
			got[c.Ref] = c
		case <-time.After(2 * time.Second):
			t.Fatalf("missing completions")
		}
	}
	if c := got[ref1]; c.Status != Completed || c.Kind != ComparePrices || c.Result[0] != 1 {
		t.Fatalf("wrong compare completion %+v", c)
	}
	if c := got[ref2]; c.Status != Failed || ledger.Classify(c.Err) != ledger.ClassComputation {
		t.Fatalf("wrong failed completion %+v", c)
	}
	if h.Pending() != 0 {
		t.Fatalf("requests still pending")
	}
	cancel()
	<-done
}

type tLedger struct {
	mtx      sync.Mutex
	sendErr  error
	requests []*ledger.BuildRequest
	accounts map[dex.Address]*ledger.Account
}

func (l *tLedger) SendBuilt(_ context.Context, _ ledger.TxBuilder, req *ledger.BuildRequest) (string, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.requests = append(l.requests, req)
	if l.sendErr != nil {
		return "", l.sendErr
	}
	return "sig", nil
}

func (l *tLedger) GetMultipleAccounts(_ context.Context, addrs []dex.Address) ([]*ledger.Account, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	accts := make([]*ledger.Account, len(addrs))
	for i, a := range addrs {
		accts[i] = l.accounts[a]
	}
	return accts, nil
}

type tBuilder struct{}

func (tBuilder) BuildTx(context.Context, *ledger.BuildRequest) ([]byte, error) { return []byte{1}, nil }

func newTestCluster(t *testing.T) (*Cluster, *tLedger) {
	t.Helper()
	l := &tLedger{accounts: make(map[dex.Address]*ledger.Account)}
	c, err := NewCluster(&ClusterConfig{
		Ledger:  l,
		Builder: tBuilder{},
		Program: dex.MustParseAddress("11111111111111111111111111111112"),
		Breaker: breaker.New(&breaker.Config{Name: "mpc", FailureThreshold: 2, IsFailure: ledger.BreakerFailure}),
		Logger:  tLogger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c, l
}

func recvCompletion(t *testing.T, c Computer) *Completion {
	t.Helper()
	select {
	case comp := <-c.Completions():
		return comp
	case <-time.After(time.Second):
		t.Fatalf("no completion")
	}
	return nil
}

func TestClusterSubmit(t *testing.T) {
	ctx := context.Background()
	c, l := newTestCluster(t)
	callback := dex.MustParseAddress("11111111111111111111111111111113")
	ref, err := c.Submit(ctx, ComparePrices, [][]byte{{1}, {2}}, []dex.Address{callback})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	addr, err := dex.ParseAddress(ref)
	if err != nil {
		t.Fatalf("ref is not an address: %v", err)
	}
	req := l.requests[0]
	if req.Instruction != queueInstruction || req.Accounts[0] != addr || req.Accounts[1] != callback {
		t.Fatalf("wrong build request %+v", req)
	}
	off := req.Args["offset"].(uint64)
	if want, _ := ComputationAddress(c.program, off); want != addr {
		t.Fatalf("ref is not the derived computation address")
	}
	if c.Pending() != 1 {
		t.Fatalf("submission not pending")
	}

	// Non-final updates are ignored.
	processing := &Account{Offset: off, Kind: ComparePrices, Status: Processing}
	c.handleNotification(ctx, &ledger.Notification{Address: addr, Data: processing.Encode(), Slot: 5})
	if c.Pending() != 1 {
		t.Fatalf("processing update finished the computation")
	}

	done := &Account{Offset: off, Kind: ComparePrices, Status: Completed, Result: EncodeCompareResult(true)}
	c.handleNotification(ctx, &ledger.Notification{Address: addr, Data: done.Encode(), Slot: 6})
	comp := recvCompletion(t, c)
	if comp.Ref != ref || comp.Status != Completed || comp.Kind != ComparePrices || comp.Err != nil {
		t.Fatalf("wrong completion %+v", comp)
	}
	// A repeated notification is not delivered twice.
	c.handleNotification(ctx, &ledger.Notification{Address: addr, Data: done.Encode(), Slot: 7})
	select {
	case comp := <-c.Completions():
		t.Fatalf("duplicate completion %+v", comp)
	default:
	}
}

func TestClusterSweep(t *testing.T) {
	ctx := context.Background()
	c, l := newTestCluster(t)
	ref, _ := c.Submit(ctx, CalculateFill, nil, nil)
	addr := dex.MustParseAddress(ref)
	ref2, _ := c.Submit(ctx, CalculateFill, nil, nil)

	// One account does not exist yet.
	failed := &Account{Kind: CalculateFill, Status: Failed}
	l.accounts[addr] = &ledger.Account{Address: addr, Data: failed.Encode(), Slot: 3}
	c.sweep(ctx)
	comp := recvCompletion(t, c)
	if comp.Ref != ref || comp.Status != Failed || ledger.Classify(comp.Err) != ledger.ClassComputation {
		t.Fatalf("wrong completion %+v", comp)
	}
	if c.Pending() != 1 {
		t.Fatalf("wrong pending count %d", c.Pending())
	}

	// Stale computations are forgotten.
	c.mtx.Lock()
	c.pending[dex.MustParseAddress(ref2)].submitted = time.Now().Add(-2 * c.maxPendingAge)
	c.mtx.Unlock()
	c.sweep(ctx)
	if c.Pending() != 0 {
		t.Fatalf("stale computation not forgotten")
	}
}

func TestClusterSubmitFailure(t *testing.T) {
	ctx := context.Background()
	c, l := newTestCluster(t)
	l.sendErr = ledger.WithClass(errors.New("node down"), ledger.ClassTransient)
	for i := 0; i < 2; i++ {
		if _, err := c.Submit(ctx, ComparePrices, nil, nil); err == nil {
			t.Fatalf("no error")
		}
	}
	if c.Pending() != 0 {
		t.Fatalf("failed submission left pending")
	}
	_, err := c.Submit(ctx, ComparePrices, nil, nil)
	if !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if len(l.requests) != 2 {
		t.Fatalf("request sent through an open circuit")
	}

	// Domain errors do not trip the breaker.
	c.Breaker().Reset()
	l.sendErr = ledger.WithClass(errors.New("insufficient funds"), ledger.ClassDomain)
	for i := 0; i < 3; i++ {
		c.Submit(ctx, ComparePrices, nil, nil)
	}
	if c.Breaker().State() != breaker.Closed {
		t.Fatalf("domain errors tripped the breaker")
	}
}
