// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mpc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/darkbook/crank/crank/breaker"
	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/dex"
)

const (
	DefaultSweepInterval = 15 * time.Second
	DefaultMaxPendingAge = 10 * time.Minute

	queueInstruction = "queue_computation"
	sweepBatchSize   = 100
)

// LedgerClient is the part of *ledger.Client used by a Cluster.
type LedgerClient interface {
	SendBuilt(ctx context.Context, b ledger.TxBuilder, req *ledger.BuildRequest) (string, error)
	GetMultipleAccounts(ctx context.Context, addrs []dex.Address) ([]*ledger.Account, error)
}

// ClusterConfig is the configuration for a Cluster.
type ClusterConfig struct {
	Ledger  LedgerClient
	Builder ledger.TxBuilder
	// Program is the computation program.
	Program dex.Address
	// Subscription is the template for the computation account
	// subscription. Program, Filters and OnReconnect are set by the Cluster.
	Subscription ledger.SubscriptionConfig
	// Breaker protects the submission path. A breaker named "mpc" is created
	// if nil.
	Breaker *breaker.Breaker
	// SweepInterval is how often pending computation accounts are read
	// directly, in case a notification was missed.
	SweepInterval time.Duration
	// MaxPendingAge is the age after which an unfinished computation is
	// forgotten.
	MaxPendingAge time.Duration
	Logger        dex.Logger
}

type pendingComputation struct {
	kind      Kind
	submitted time.Time
}

// Cluster is the production Computer. Computations are queued with a
// transaction to the computation program, and completions are read from the
// computation accounts' status transitions.
type Cluster struct {
	ledger        LedgerClient
	builder       ledger.TxBuilder
	program       dex.Address
	subCfg        ledger.SubscriptionConfig
	brk           *breaker.Breaker
	sweepInterval time.Duration
	maxPendingAge time.Duration
	log           dex.Logger
	completions   chan *Completion
	resync        chan struct{}

	mtx     sync.Mutex
	pending map[dex.Address]*pendingComputation
}

var _ Computer = (*Cluster)(nil)

// NewCluster is the constructor for a Cluster.
func NewCluster(cfg *ClusterConfig) (*Cluster, error) {
	if cfg.Ledger == nil || cfg.Builder == nil {
		return nil, errors.New("ledger client and transaction builder are required")
	}
	if cfg.Program.IsZero() {
		return nil, errors.New("no computation program")
	}
	c := &Cluster{
		ledger:        cfg.Ledger,
		builder:       cfg.Builder,
		program:       cfg.Program,
		subCfg:        cfg.Subscription,
		brk:           cfg.Breaker,
		sweepInterval: cfg.SweepInterval,
		maxPendingAge: cfg.MaxPendingAge,
		log:           cfg.Logger,
		completions:   make(chan *Completion, 256),
		resync:        make(chan struct{}, 1),
		pending:       make(map[dex.Address]*pendingComputation),
	}
	if c.log == nil {
		c.log = dex.Disabled
	}
	if c.brk == nil {
		c.brk = breaker.New(&breaker.Config{Name: "mpc", IsFailure: ledger.BreakerFailure, Logger: c.log})
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = DefaultSweepInterval
	}
	if c.maxPendingAge <= 0 {
		c.maxPendingAge = DefaultMaxPendingAge
	}
	return c, nil
}

// Breaker is the breaker protecting submissions.
func (c *Cluster) Breaker() *breaker.Breaker {
	return c.brk
}

// Completions delivers the final state of submitted computations.
func (c *Cluster) Completions() <-chan *Completion {
	return c.completions
}

func randomOffset() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Submit queues the computation and waits for the queue transaction to
// confirm. The returned reference is the computation account address.
func (c *Cluster) Submit(ctx context.Context, kind Kind, inputs [][]byte, callbacks []dex.Address) (string, error) {
	offset, err := randomOffset()
	if err != nil {
		return "", err
	}
	addr, err := ComputationAddress(c.program, offset)
	if err != nil {
		return "", err
	}

	// Registered before sending so a fast completion is not missed.
	c.mtx.Lock()
	c.pending[addr] = &pendingComputation{kind: kind, submitted: time.Now()}
	c.mtx.Unlock()

	req := &ledger.BuildRequest{
		Instruction: queueInstruction,
		Program:     c.program,
		Accounts:    append([]dex.Address{addr}, callbacks...),
		Args: map[string]any{
			"offset": offset,
			"kind":   uint8(kind),
			"inputs": inputs,
		},
	}
	var sig string
	err = c.brk.Execute(func() error {
		var err error
		sig, err = c.ledger.SendBuilt(ctx, c.builder, req)
		return err
	})
	if err != nil {
		c.mtx.Lock()
		delete(c.pending, addr)
		c.mtx.Unlock()
		return "", fmt.Errorf("queue %s computation: %w", kind, err)
	}
	c.log.Debugf("Queued %s computation %s in transaction %s", kind, addr, sig)
	return addr.String(), nil
}

// Pending is the number of computations awaiting completion.
func (c *Cluster) Pending() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.pending)
}

// Run watches the computation accounts until the context is canceled or the
// subscription is lost.
func (c *Cluster) Run(ctx context.Context) error {
	subCfg := c.subCfg
	subCfg.Program = &c.program
	subCfg.Filters = AccountFilters()
	subCfg.OnReconnect = func() {
		select {
		case c.resync <- struct{}{}:
		default:
		}
	}
	if subCfg.Logger == nil {
		subCfg.Logger = c.log
	}
	sub := ledger.NewSubscription(&subCfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errC := make(chan error, 1)
	go func() {
		errC <- sub.Run(ctx)
	}()

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case n := <-sub.Notifications():
			c.handleNotification(ctx, n)
		case <-c.resync:
			c.sweep(ctx)
		case <-ticker.C:
			c.sweep(ctx)
		case err := <-errC:
			if err != nil {
				return fmt.Errorf("computation subscription: %w", err)
			}
			return nil
		}
	}
}

func (c *Cluster) handleNotification(ctx context.Context, n *ledger.Notification) {
	c.mtx.Lock()
	p, found := c.pending[n.Address]
	c.mtx.Unlock()
	if !found {
		return
	}
	if n.Deleted() {
		c.finish(ctx, n.Address, &Completion{
			Ref:    n.Address.String(),
			Kind:   p.kind,
			Status: Failed,
			Err:    computationError("%s computation %s closed before completing", p.kind, n.Address),
		})
		return
	}
	acct, err := DecodeAccount(n.Data)
	if err != nil {
		c.log.Errorf("Error decoding computation account %s: %v", n.Address, err)
		return
	}
	if !acct.Status.Final() {
		c.log.Tracef("Computation %s is %s", n.Address, acct.Status)
		return
	}
	comp := &Completion{
		Ref:    n.Address.String(),
		Kind:   p.kind,
		Status: acct.Status,
		Result: acct.Result,
	}
	if acct.Status == Failed {
		comp.Err = computationError("%s computation %s failed", p.kind, n.Address)
	}
	c.finish(ctx, n.Address, comp)
}

// finish delivers a completion once.
func (c *Cluster) finish(ctx context.Context, addr dex.Address, comp *Completion) {
	c.mtx.Lock()
	_, found := c.pending[addr]
	delete(c.pending, addr)
	c.mtx.Unlock()
	if !found {
		return
	}
	select {
	case c.completions <- comp:
	case <-ctx.Done():
	}
}

// sweep reads every pending computation account directly and forgets
// computations older than the max pending age.
func (c *Cluster) sweep(ctx context.Context) {
	now := time.Now()
	var addrs []dex.Address
	c.mtx.Lock()
	for addr, p := range c.pending {
		if now.Sub(p.submitted) > c.maxPendingAge {
			c.log.Warnf("Abandoning %s computation %s after %s", p.kind, addr, now.Sub(p.submitted))
			delete(c.pending, addr)
			continue
		}
		addrs = append(addrs, addr)
	}
	c.mtx.Unlock()

	for len(addrs) > 0 {
		batch := addrs
		if len(batch) > sweepBatchSize {
			batch = addrs[:sweepBatchSize]
		}
		addrs = addrs[len(batch):]
		accts, err := c.ledger.GetMultipleAccounts(ctx, batch)
		if err != nil {
			c.log.Errorf("Error reading pending computation accounts: %v", err)
			return
		}
		for _, acct := range accts {
			if acct == nil {
				// Not created yet.
				continue
			}
			c.handleNotification(ctx, &ledger.Notification{Address: acct.Address, Data: acct.Data, Slot: acct.Slot})
		}
	}
}
