// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package pipeline is the crank's control loop. Each polling cycle refreshes
// the open orders, pairs bids with asks, locks each pair and submits a price
// comparison to the computation cluster. Completions are handled as they
// arrive: a crossed comparison is followed by a fill calculation, and a fill
// is settled before the pair's lock is released.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/crank/metrics"
	"github.com/darkbook/crank/crank/mpc"
	"github.com/darkbook/crank/crank/ordcache"
	"github.com/darkbook/crank/crank/order"
	"github.com/darkbook/crank/crank/ordlock"
	"github.com/darkbook/crank/crank/settle"
	"github.com/darkbook/crank/dex"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval         = 2 * time.Second
	DefaultRescanInterval       = 30 * time.Second
	DefaultSubmitTimeout        = 30 * time.Second
	DefaultSettleTimeout        = 60 * time.Second
	DefaultMaxDispatch          = 8
	DefaultMaxConsecutiveErrors = 10
	DefaultPauseDuration        = 30 * time.Second

	// rescanMissThreshold is the number of known orders missing from the
	// cache above which a cycle rescans instead of fetching one by one.
	rescanMissThreshold = 16
)

// errLockLost is returned when a pair's locks expire or pass to a newer
// attempt while a computation is being submitted.
var errLockLost = errors.New("order lock lost")

// RunState is the state of the polling loop.
type RunState string

const (
	Stopped RunState = "stopped"
	Running RunState = "running"
	Paused  RunState = "paused"
)

// Scanner reads order accounts from the ledger. *ledger.Client satisfies it.
type Scanner interface {
	GetProgramAccounts(ctx context.Context, program dex.Address, filters []ledger.Filter) ([]*ledger.Account, error)
	GetAccountInfo(ctx context.Context, addr dex.Address) (*ledger.Account, error)
}

// HealthReporter reports endpoint health. *ledger.FailoverClient satisfies
// it.
type HealthReporter interface {
	Health() *ledger.Health
}

// Config is the configuration for a Pipeline.
type Config struct {
	Cache    *ordcache.Cache
	Locks    *ordlock.Manager
	Ledger   Scanner
	Health   HealthReporter
	Computer mpc.Computer
	Settler  settle.Provider
	// OrderProgram owns the order accounts.
	OrderProgram dex.Address
	Metrics      *metrics.Metrics
	Logger       dex.Logger
	Now          func() time.Time

	PollInterval   time.Duration
	RescanInterval time.Duration
	SubmitTimeout  time.Duration
	SettleTimeout  time.Duration
	// MaxDispatch limits concurrent computation submissions in a cycle.
	MaxDispatch int
	// MaxPairsPerCycle limits new match attempts per cycle. Zero is no
	// limit.
	MaxPairsPerCycle     int
	MaxConsecutiveErrors int
	PauseDuration        time.Duration
	SettleVisibility     settle.Visibility
}

// Metrics are the pipeline counters.
type Metrics struct {
	Polls               uint64 `json:"polls"`
	MatchAttempts       uint64 `json:"matchAttempts"`
	Successes           uint64 `json:"successes"`
	Failures            uint64 `json:"failures"`
	ConsecutiveErrors   int    `json:"consecutiveErrors"`
	OpenOrderCount      int    `json:"openOrderCount"`
	PendingMatches      int    `json:"pendingMatches"`
	OrphanedCompletions uint64 `json:"orphanedCompletions"`
}

// StatusConfig is the tunable part of the configuration.
type StatusConfig struct {
	OrderProgram         dex.Address   `json:"orderProgram"`
	Settlement           string        `json:"settlement"`
	PollInterval         time.Duration `json:"pollInterval"`
	RescanInterval       time.Duration `json:"rescanInterval"`
	SubmitTimeout        time.Duration `json:"submitTimeout"`
	SettleTimeout        time.Duration `json:"settleTimeout"`
	MaxDispatch          int           `json:"maxDispatch"`
	MaxPairsPerCycle     int           `json:"maxPairsPerCycle"`
	MaxConsecutiveErrors int           `json:"maxConsecutiveErrors"`
	PauseDuration        time.Duration `json:"pauseDuration"`
}

// Status is a snapshot of the pipeline.
type Status struct {
	State       RunState      `json:"state"`
	PausedUntil *time.Time    `json:"pausedUntil,omitempty"`
	Metrics     Metrics       `json:"metrics"`
	Config      *StatusConfig `json:"config"`
	Pairs       []*PairInfo   `json:"pairs"`
}

// Pipeline is the crank orchestrator.
type Pipeline struct {
	cfg   *Config
	log   dex.Logger
	now   func() time.Time
	prom  *metrics.Metrics
	wakeC chan struct{}

	mtx         sync.Mutex
	state       RunState
	pausedUntil time.Time
	m           Metrics
	pairs       map[pairKey]*pair
	// known is every order account seen by a scan or a notification.
	known      map[order.Ref]bool
	lastRescan time.Time
	// cooldown holds orders that failed to match. They sit out the next
	// cycle.
	cooldown map[order.Ref]bool
	// submitting counts computation submissions awaiting a reference. While
	// it is non-zero, completions with an unknown reference are held in
	// early, since they may belong to a submission that has not returned.
	submitting int
	early      map[string]*mpc.Completion
}

// New is the constructor for a Pipeline.
func New(cfg *Config) (*Pipeline, error) {
	if cfg.Cache == nil || cfg.Locks == nil || cfg.Ledger == nil || cfg.Computer == nil || cfg.Settler == nil {
		return nil, errors.New("pipeline requires a cache, lock manager, ledger, computer and settlement provider")
	}
	c := *cfg
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RescanInterval <= 0 {
		c.RescanInterval = DefaultRescanInterval
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = DefaultSettleTimeout
	}
	if c.MaxDispatch <= 0 {
		c.MaxDispatch = DefaultMaxDispatch
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if c.PauseDuration <= 0 {
		c.PauseDuration = DefaultPauseDuration
	}
	if c.Logger == nil {
		c.Logger = dex.Disabled
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	p := &Pipeline{
		cfg:      &c,
		log:      c.Logger,
		now:      c.Now,
		prom:     c.Metrics,
		wakeC:    make(chan struct{}, 1),
		state:    Stopped,
		pairs:    make(map[pairKey]*pair),
		known:    make(map[order.Ref]bool),
		cooldown: make(map[order.Ref]bool),
		early:    make(map[string]*mpc.Completion),
	}
	c.Cache.OnUpdate(p.cacheUpdate)
	return p, nil
}

func (p *Pipeline) cacheUpdate(ref order.Ref, data []byte, _ uint64) {
	p.mtx.Lock()
	if data == nil {
		delete(p.known, ref)
		p.mtx.Unlock()
		return
	}
	p.known[ref] = true
	p.mtx.Unlock()
	p.Wake()
}

// Wake runs a cycle early. It does not block.
func (p *Pipeline) Wake() {
	select {
	case p.wakeC <- struct{}{}:
	default:
	}
}

// Run runs the polling loop and the completion listener until the context is
// canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.setRunState(Running)
	defer p.setRunState(Stopped)

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.listen(ctx)
	}()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	p.log.Infof("Matching pipeline started for order program %s", p.cfg.OrderProgram)
	for {
		if p.runnable() {
			p.cycle(ctx)
		}
		select {
		case <-ticker.C:
		case <-p.wakeC:
		case <-ctx.Done():
			p.log.Infof("Matching pipeline stopping")
			return nil
		}
	}
}

func (p *Pipeline) setRunState(s RunState) {
	p.mtx.Lock()
	p.state = s
	p.mtx.Unlock()
}

// runnable checks the pause state, resuming the loop once the pause has
// elapsed.
func (p *Pipeline) runnable() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.state != Paused {
		return true
	}
	if p.now().Before(p.pausedUntil) {
		return false
	}
	p.state = Running
	p.m.ConsecutiveErrors = 0
	p.log.Infof("Matching pipeline resumed")
	return true
}

// recordError counts an error against the pair-independent error budget and
// pauses the loop when the budget is spent.
func (p *Pipeline) recordError(err error) {
	class := ledger.Classify(err)
	p.prom.ObserveFailure(class)
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.m.Failures++
	p.m.ConsecutiveErrors++
	if p.m.ConsecutiveErrors >= p.cfg.MaxConsecutiveErrors && p.state == Running {
		p.state = Paused
		p.pausedUntil = p.now().Add(p.cfg.PauseDuration)
		p.log.Errorf("Pausing matching pipeline for %s after %d consecutive errors. Last error (%s): %v",
			p.cfg.PauseDuration, p.m.ConsecutiveErrors, class, err)
	}
}

func (p *Pipeline) resetErrors() {
	p.mtx.Lock()
	p.m.ConsecutiveErrors = 0
	p.mtx.Unlock()
}

// cycle is one polling cycle.
func (p *Pipeline) cycle(ctx context.Context) {
	start := p.now()
	p.mtx.Lock()
	p.m.Polls++
	cooldown := p.cooldown
	p.cooldown = make(map[order.Ref]bool)
	p.mtx.Unlock()
	p.prune()

	ords, err := p.refresh(ctx)
	clean := err == nil
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.log.Errorf("Error refreshing orders: %v", err)
		p.recordError(err)
	}

	locked := p.cfg.Locks.Locked()
	eligible := make([]*order.Order, 0, len(ords))
	for _, o := range ords {
		if o.Matchable() && !locked[o.Ref] && !cooldown[o.Ref] {
			eligible = append(eligible, o)
		}
	}
	p.mtx.Lock()
	p.m.OpenOrderCount = len(eligible)
	p.mtx.Unlock()

	cands := selectCandidates(eligible)
	if limit := p.cfg.MaxPairsPerCycle; limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.MaxDispatch)
	var failedMtx sync.Mutex
	var failed int
	for _, cand := range cands {
		pr := newPair(cand.buy, cand.sell, p.now())
		tok, ok := p.cfg.Locks.AcquireToken(cand.buy.Ref, cand.sell.Ref, "")
		if !ok {
			continue
		}
		pr.token = tok
		p.mtx.Lock()
		p.pairs[pr.key()] = pr
		p.m.MatchAttempts++
		p.transition(pr, StateLocked)
		p.mtx.Unlock()
		p.prom.ObserveAttempt()
		g.Go(func() error {
			if err := p.compare(ctx, pr); err != nil {
				failedMtx.Lock()
				failed++
				failedMtx.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if clean && failed == 0 {
		p.resetErrors()
	}
	p.updateGauges()
	p.prom.ObservePoll(p.now().Sub(start))
}

// prune forgets pairs whose locks have expired. The lock manager reclaims
// abandoned pairs, and any late completion is treated as an orphan.
func (p *Pipeline) prune() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for k, pr := range p.pairs {
		if !p.cfg.Locks.Holds(k.buy, k.sell, pr.token) {
			p.log.Warnf("Abandoning pair %s in state %s: lock expired", pr, pr.state)
			delete(p.pairs, k)
		}
	}
}

// refresh returns the current order accounts. Orders come from the cache,
// with misses fetched from the ledger. The whole program is rescanned
// periodically, or when too much of the working set is missing.
func (p *Pipeline) refresh(ctx context.Context) ([]*order.Order, error) {
	p.mtx.Lock()
	rescan := len(p.known) == 0 || p.now().Sub(p.lastRescan) >= p.cfg.RescanInterval
	known := make([]order.Ref, 0, len(p.known))
	for ref := range p.known {
		known = append(known, ref)
	}
	p.mtx.Unlock()

	var ords []*order.Order
	var missing []order.Ref
	if !rescan {
		for _, ref := range known {
			rec := p.cfg.Cache.Get(ref)
			if rec == nil {
				missing = append(missing, ref)
				continue
			}
			if o := p.decode(ref, rec.Data); o != nil {
				ords = append(ords, o)
			}
		}
		rescan = len(missing) > rescanMissThreshold
	}
	if rescan {
		return p.rescan(ctx)
	}

	var fetchErr error
	for _, ref := range missing {
		rec, err := p.cfg.Cache.Load(ctx, p.cfg.Ledger, ref)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				p.forget(ref)
				continue
			}
			fetchErr = fmt.Errorf("fetch order %s: %w", ref, err)
			continue
		}
		if o := p.decode(ref, rec.Data); o != nil {
			ords = append(ords, o)
		}
	}
	return ords, fetchErr
}

func (p *Pipeline) rescan(ctx context.Context) ([]*order.Order, error) {
	accts, err := p.cfg.Ledger.GetProgramAccounts(ctx, p.cfg.OrderProgram, order.Filters())
	if err != nil {
		return nil, fmt.Errorf("scan order accounts: %w", err)
	}
	known := make(map[order.Ref]bool, len(accts))
	ords := make([]*order.Order, 0, len(accts))
	for _, acct := range accts {
		known[acct.Address] = true
		data := acct.Data
		if !p.cfg.Cache.Set(acct.Address, acct.Data, acct.Slot) {
			// The cache has a newer version, or a deletion, from a
			// notification.
			rec := p.cfg.Cache.Get(acct.Address)
			if rec == nil {
				delete(known, acct.Address)
				continue
			}
			data = rec.Data
		}
		if o := p.decode(acct.Address, data); o != nil {
			ords = append(ords, o)
		}
	}
	p.mtx.Lock()
	p.known = known
	p.lastRescan = p.now()
	p.mtx.Unlock()
	p.log.Debugf("Rescanned %d order accounts", len(accts))
	return ords, nil
}

func (p *Pipeline) forget(ref order.Ref) {
	p.mtx.Lock()
	delete(p.known, ref)
	p.mtx.Unlock()
}

func (p *Pipeline) decode(ref order.Ref, data []byte) *order.Order {
	o, err := order.Decode(ref, data)
	if err != nil {
		p.log.Warnf("Skipping undecodable order account: %v", err)
		return nil
	}
	return o
}

// transition moves the pair to a new state. The mutex must be held.
func (p *Pipeline) transition(pr *pair, to PairState) {
	if !pr.state.canTransition(to) {
		p.log.Errorf("Invalid transition %s -> %s for pair %s", pr.state, to, pr)
	}
	p.log.Tracef("Pair %s: %s -> %s", pr, pr.state, to)
	pr.state = to
	pr.history = append(pr.history, to)
	p.prom.ObserveTransition(to.String())
}

// live is true if pr is still the tracked attempt for its orders and its
// locks have not expired or been taken by a newer attempt.
func (p *Pipeline) live(pr *pair) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.pairs[pr.key()] == pr && p.cfg.Locks.Holds(pr.buy.Ref, pr.sell.Ref, pr.token)
}

// abandon forgets an attempt that no longer owns its orders. Locks are left
// alone since they may belong to a newer attempt.
func (p *Pipeline) abandon(pr *pair, why string) {
	p.log.Warnf("Abandoning pair %s %s: lock expired or re-acquired", pr, why)
	p.mtx.Lock()
	if p.pairs[pr.key()] == pr {
		delete(p.pairs, pr.key())
	}
	p.mtx.Unlock()
	p.updateGauges()
}

// release releases the pair's lock and forgets the pair. If coolDown is set,
// both orders sit out the next cycle. Locks taken by a newer attempt on the
// same orders are not touched.
func (p *Pipeline) release(pr *pair, coolDown bool) {
	owned := p.cfg.Locks.ReleaseToken(pr.buy.Ref, pr.sell.Ref, pr.token)
	p.mtx.Lock()
	p.transition(pr, StateReleased)
	if p.pairs[pr.key()] == pr {
		delete(p.pairs, pr.key())
	}
	if coolDown && owned {
		p.cooldown[pr.buy.Ref] = true
		p.cooldown[pr.sell.Ref] = true
	}
	p.mtx.Unlock()
	if !owned {
		p.log.Warnf("Pair %s lost its lock before release", pr)
	}
	p.updateGauges()
}

// fail ends a match attempt. Orders that failed for a reason a retry will
// not fix are cooled down.
func (p *Pipeline) fail(pr *pair, err error) {
	if !p.live(pr) {
		p.abandon(pr, fmt.Sprintf("after error (%v)", err))
		return
	}
	class := ledger.Classify(err)
	p.log.Errorf("Match attempt %s failed (%s): %v", pr, class, err)
	p.mtx.Lock()
	p.transition(pr, StateFailed)
	p.mtx.Unlock()
	p.recordError(err)
	p.release(pr, !class.Retryable())
}

// submit submits a computation for the pair and attaches the returned
// reference to the pair's lock.
func (p *Pipeline) submit(ctx context.Context, pr *pair, kind mpc.Kind, inputs [][]byte) error {
	p.mtx.Lock()
	p.submitting++
	p.mtx.Unlock()

	subCtx, cancel := context.WithTimeout(ctx, p.cfg.SubmitTimeout)
	ref, err := p.cfg.Computer.Submit(subCtx, kind, inputs, []dex.Address{pr.buy.Ref, pr.sell.Ref})
	cancel()

	var early *mpc.Completion
	var orphans []*mpc.Completion
	p.mtx.Lock()
	p.submitting--
	if err == nil && !p.cfg.Locks.AttachComputation(pr.buy.Ref, pr.sell.Ref, pr.token, ref) {
		err = errLockLost
	}
	if err == nil {
		pr.compRef = ref
		if c, found := p.early[ref]; found {
			early = c
			delete(p.early, ref)
		}
	}
	if p.submitting == 0 && len(p.early) > 0 {
		for id, c := range p.early {
			orphans = append(orphans, c)
			delete(p.early, id)
		}
	}
	p.mtx.Unlock()

	for _, c := range orphans {
		p.orphan(c)
	}
	if err != nil {
		return fmt.Errorf("submit %s: %w", kind, err)
	}
	p.log.Debugf("Submitted %s computation %s for pair %s", kind, ref, pr)
	if early != nil {
		p.handleCompletion(ctx, early)
	}
	return nil
}

// compare submits the price comparison for a newly locked pair.
func (p *Pipeline) compare(ctx context.Context, pr *pair) error {
	p.mtx.Lock()
	p.transition(pr, StateComparing)
	p.mtx.Unlock()
	if err := p.submit(ctx, pr, mpc.ComparePrices, mpc.CompareInputs(pr.buy, pr.sell)); err != nil {
		p.fail(pr, err)
		return err
	}
	return nil
}

func (p *Pipeline) orphan(c *mpc.Completion) {
	p.mtx.Lock()
	p.m.OrphanedCompletions++
	p.mtx.Unlock()
	p.prom.ObserveOrphan()
	p.log.Warnf("Orphaned %s completion %s (%s): no live lock", c.Kind, c.Ref, c.Status)
}

// listen handles computation completions until the context is canceled.
func (p *Pipeline) listen(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case c := <-p.cfg.Computer.Completions():
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.handleCompletion(ctx, c)
			}()
		case <-ctx.Done():
			return
		}
	}
}

// lookup finds the pair a completion belongs to through the lock table.
// Completions that may belong to an in-flight submission are held back.
func (p *Pipeline) lookup(c *mpc.Completion) (pr *pair, held bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	a, b, found := p.cfg.Locks.ByComputation(c.Ref)
	if !found {
		if p.submitting > 0 {
			p.early[c.Ref] = c
			return nil, true
		}
		return nil, false
	}
	pr = p.pairs[pairKey{buy: a, sell: b}]
	if pr == nil {
		pr = p.pairs[pairKey{buy: b, sell: a}]
	}
	if pr == nil || pr.compRef != c.Ref {
		return nil, false
	}
	return pr, false
}

func (p *Pipeline) handleCompletion(ctx context.Context, c *mpc.Completion) {
	pr, held := p.lookup(c)
	if held {
		return
	}
	if pr == nil {
		p.orphan(c)
		return
	}
	p.mtx.Lock()
	state := pr.state
	p.mtx.Unlock()
	switch {
	case c.Kind == mpc.ComparePrices && state == StateComparing:
		p.compared(ctx, pr, c)
	case c.Kind == mpc.CalculateFill && state == StateFilling:
		p.filled(ctx, pr, c)
	default:
		p.log.Warnf("Unexpected %s completion %s for pair %s in state %s", c.Kind, c.Ref, pr, state)
		p.orphan(c)
	}
}

func completionErr(c *mpc.Completion) error {
	if c.Err != nil {
		return c.Err
	}
	return ledger.WithClass(fmt.Errorf("%s computation %s failed", c.Kind, c.Ref), ledger.ClassComputation)
}

// compared handles the price comparison result.
func (p *Pipeline) compared(ctx context.Context, pr *pair, c *mpc.Completion) {
	if c.Status != mpc.Completed {
		p.fail(pr, completionErr(c))
		return
	}
	crossed, err := mpc.DecodeCompareResult(c.Result)
	if err != nil {
		p.fail(pr, err)
		return
	}
	if !crossed {
		p.log.Debugf("Pair %s did not cross", pr)
		p.mtx.Lock()
		p.transition(pr, StateUnmatched)
		p.mtx.Unlock()
		p.release(pr, true)
		return
	}
	if !p.live(pr) {
		p.abandon(pr, "before fill")
		return
	}
	p.mtx.Lock()
	p.transition(pr, StateMatched)
	p.transition(pr, StateFilling)
	p.mtx.Unlock()
	if err := p.submit(ctx, pr, mpc.CalculateFill, mpc.FillInputs(pr.buy, pr.sell)); err != nil {
		p.fail(pr, err)
	}
}

// filled settles the fill and releases the pair.
func (p *Pipeline) filled(ctx context.Context, pr *pair, c *mpc.Completion) {
	if c.Status != mpc.Completed {
		p.fail(pr, completionErr(c))
		return
	}
	fill, err := mpc.DecodeFillResult(c.Result)
	if err != nil {
		p.fail(pr, err)
		return
	}
	if fill.BaseAmount == 0 || fill.QuoteAmount == 0 {
		p.fail(pr, ledger.WithClass(fmt.Errorf("empty fill %d/%d", fill.BaseAmount, fill.QuoteAmount), ledger.ClassDomain))
		return
	}
	if !p.live(pr) {
		p.abandon(pr, "before settlement")
		return
	}
	if err := p.settle(ctx, pr, fill); err != nil {
		p.fail(pr, err)
		return
	}
	p.log.Infof("Settled pair %s: %d base for %d quote", pr, fill.BaseAmount, fill.QuoteAmount)
	p.mtx.Lock()
	p.transition(pr, StateSettled)
	p.m.Successes++
	p.m.ConsecutiveErrors = 0
	p.mtx.Unlock()
	p.prom.ObserveSuccess()
	p.release(pr, false)
}

// settle moves the base asset from seller to buyer and the quote asset from
// buyer to seller.
func (p *Pipeline) settle(ctx context.Context, pr *pair, fill *mpc.FillResult) error {
	legs := []*settle.Transfer{{
		Sender:     pr.sell.Owner,
		Recipient:  pr.buy.Owner,
		Token:      pr.buy.Base,
		Amount:     fill.BaseAmount,
		Visibility: p.cfg.SettleVisibility,
	}, {
		Sender:     pr.buy.Owner,
		Recipient:  pr.sell.Owner,
		Token:      pr.buy.Quote,
		Amount:     fill.QuoteAmount,
		Visibility: p.cfg.SettleVisibility,
	}}
	for i, t := range legs {
		sctx, cancel := context.WithTimeout(ctx, p.cfg.SettleTimeout)
		r, err := p.cfg.Settler.Transfer(sctx, t)
		cancel()
		if err == nil && !r.Success {
			err = fmt.Errorf("provider %s reported an unsuccessful transfer", p.cfg.Settler.Name())
		}
		if err != nil {
			if i > 0 {
				p.log.Errorf("Partial settlement of pair %s: %s completed, %s failed", pr, legs[0], t)
			}
			return fmt.Errorf("settle %s: %w", t, err)
		}
		p.log.Debugf("Settlement leg %s: reference %s, fee %d", t, r.Reference, r.Fee)
	}
	return nil
}

func (p *Pipeline) updateGauges() {
	p.mtx.Lock()
	ce, open, pending := p.m.ConsecutiveErrors, p.m.OpenOrderCount, len(p.pairs)
	p.m.PendingMatches = pending
	p.mtx.Unlock()
	p.prom.SetGauges(ce, open, pending)
}

// Status returns a snapshot of the pipeline.
func (p *Pipeline) Status() *Status {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.m.PendingMatches = len(p.pairs)
	st := &Status{
		State:   p.state,
		Metrics: p.m,
		Config: &StatusConfig{
			OrderProgram:         p.cfg.OrderProgram,
			Settlement:           p.cfg.Settler.Name(),
			PollInterval:         p.cfg.PollInterval,
			RescanInterval:       p.cfg.RescanInterval,
			SubmitTimeout:        p.cfg.SubmitTimeout,
			SettleTimeout:        p.cfg.SettleTimeout,
			MaxDispatch:          p.cfg.MaxDispatch,
			MaxPairsPerCycle:     p.cfg.MaxPairsPerCycle,
			MaxConsecutiveErrors: p.cfg.MaxConsecutiveErrors,
			PauseDuration:        p.cfg.PauseDuration,
		},
		Pairs: make([]*PairInfo, 0, len(p.pairs)),
	}
	if p.state == Paused {
		until := p.pausedUntil
		st.PausedUntil = &until
	}
	for _, pr := range p.pairs {
		st.Pairs = append(st.Pairs, pr.info())
	}
	return st
}

// EndpointHealth returns the endpoint health snapshot, or nil if no health
// reporter is configured.
func (p *Pipeline) EndpointHealth() *ledger.Health {
	if p.cfg.Health == nil {
		return nil
	}
	return p.cfg.Health.Health()
}
