// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ordcache is a read-through cache of order account bytes. Entries
// are ordered by ledger slot, never by arrival time, and are kept fresh by a
// change subscription. Any gap in the subscription flushes the whole cache.
// A deletion leaves a tombstone at its slot so that older writes cannot bring
// the account back.
package ordcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/crank/order"
	"github.com/darkbook/crank/dex"
	"github.com/darkbook/crank/dex/utils"
)

// DefaultMaxTTL is the age after which an entry is evicted on read.
const DefaultMaxTTL = 30 * time.Second

// Reason is the cause of an invalidation.
type Reason string

const (
	ReasonTTL       Reason = "ttl"
	ReasonDelete    Reason = "delete"
	ReasonReconnect Reason = "reconnect"
	ReasonManual    Reason = "manual"
	ReasonClosed    Reason = "closed"
)

// Record is a cached order account.
type Record struct {
	Ref      order.Ref
	Data     []byte
	Slot     uint64
	CachedAt time.Time
}

// UpdateFunc is called after a notification is applied. data is nil for a
// deletion.
type UpdateFunc func(ref order.Ref, data []byte, slot uint64)

// Stats are the cache counters.
type Stats struct {
	Entries       int               `json:"entries"`
	Tombstones    int               `json:"tombstones"`
	Hits          uint64            `json:"hits"`
	Misses        uint64            `json:"misses"`
	Sets          uint64            `json:"sets"`
	StaleRejects  uint64            `json:"staleRejects"`
	Invalidations map[Reason]uint64 `json:"invalidations"`
}

// Config is the configuration for a Cache.
type Config struct {
	MaxTTL time.Duration
	Logger dex.Logger
	Now    func() time.Time
}

// Cache is the order state cache. It is safe for concurrent use.
type Cache struct {
	maxTTL time.Duration
	log    dex.Logger
	now    func() time.Time

	mtx        sync.Mutex
	entries    map[order.Ref]*Record
	tombstones map[order.Ref]*tombstone
	stats      Stats

	cbMtx     sync.RWMutex
	callbacks []UpdateFunc
}

// New is the constructor for a Cache.
func New(cfg *Config) *Cache {
	c := &Cache{
		maxTTL:     cfg.MaxTTL,
		log:        cfg.Logger,
		now:        cfg.Now,
		entries:    make(map[order.Ref]*Record),
		tombstones: make(map[order.Ref]*tombstone),
		stats: Stats{
			Invalidations: make(map[Reason]uint64),
		},
	}
	if c.maxTTL <= 0 {
		c.maxTTL = DefaultMaxTTL
	}
	if c.log == nil {
		c.log = dex.Disabled
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// tombstone is the slot of a deleted account. It lives as long as an entry
// would.
type tombstone struct {
	slot      uint64
	deletedAt time.Time
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.Data = append([]byte(nil), r.Data...)
	return &cp
}

func (c *Cache) expired(r *Record, now time.Time) bool {
	return now.Sub(r.CachedAt) >= c.maxTTL
}

// floor is the slot at or below which writes for ref are stale, from either
// the live cached entry or a live tombstone. Expired entries are evicted. The
// mtx must be held.
func (c *Cache) floor(ref order.Ref) (uint64, bool) {
	now := c.now()
	if r, found := c.entries[ref]; found {
		if !c.expired(r, now) {
			return r.Slot, true
		}
		delete(c.entries, ref)
		c.stats.Invalidations[ReasonTTL]++
	}
	t, found := c.tombstones[ref]
	if !found {
		return 0, false
	}
	if now.Sub(t.deletedAt) >= c.maxTTL {
		delete(c.tombstones, ref)
		return 0, false
	}
	return t.slot, true
}

// Get returns a copy of the cached record, or nil on a miss. An expired entry
// is evicted and counted as a miss.
func (c *Cache) Get(ref order.Ref) *Record {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	r, found := c.entries[ref]
	if found && c.expired(r, c.now()) {
		delete(c.entries, ref)
		c.stats.Invalidations[ReasonTTL]++
		found = false
	}
	if !found {
		c.stats.Misses++
		return nil
	}
	c.stats.Hits++
	return copyRecord(r)
}

// Set stores the account bytes as of slot. The write is rejected, and false
// returned, if the cached entry or a deletion is at the same or a later slot.
func (c *Cache) Set(ref order.Ref, data []byte, slot uint64) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.set(ref, data, slot)
}

func (c *Cache) set(ref order.Ref, data []byte, slot uint64) bool {
	if floor, found := c.floor(ref); found && slot <= floor {
		c.stats.StaleRejects++
		c.log.Tracef("Rejected stale write for %s at slot %d, cached slot %d", ref, slot, floor)
		return false
	}
	delete(c.tombstones, ref)
	c.entries[ref] = &Record{
		Ref:      ref,
		Data:     append([]byte(nil), data...),
		Slot:     slot,
		CachedAt: c.now(),
	}
	c.stats.Sets++
	return true
}

// Invalidate removes an entry. false is returned if there was none.
func (c *Cache) Invalidate(ref order.Ref, reason Reason) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.invalidate(ref, reason)
}

func (c *Cache) invalidate(ref order.Ref, reason Reason) bool {
	if _, found := c.entries[ref]; !found {
		return false
	}
	delete(c.entries, ref)
	c.stats.Invalidations[reason]++
	c.log.Tracef("Invalidated %s (%s)", ref, reason)
	return true
}

// InvalidateAll empties the cache and drops all tombstones, returning the
// number of entries removed.
func (c *Cache) InvalidateAll(reason Reason) int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	n := len(c.entries)
	c.entries = make(map[order.Ref]*Record)
	c.tombstones = make(map[order.Ref]*tombstone)
	c.stats.Invalidations[reason] += uint64(n)
	if n > 0 {
		c.log.Infof("Invalidated all %d cached orders (%s)", n, reason)
	}
	return n
}

// OnUpdate registers a callback for applied notifications.
func (c *Cache) OnUpdate(f UpdateFunc) {
	c.cbMtx.Lock()
	c.callbacks = append(c.callbacks, f)
	c.cbMtx.Unlock()
}

func (c *Cache) notify(ref order.Ref, data []byte, slot uint64) {
	c.cbMtx.RLock()
	defer c.cbMtx.RUnlock()
	for _, f := range c.callbacks {
		f(ref, data, slot)
	}
}

// HandleNotification applies a change notification. Empty data is a
// deletion. A notification at or below the cached or deleted slot is
// ignored. true is returned if the notification was applied.
func (c *Cache) HandleNotification(n *ledger.Notification) bool {
	c.mtx.Lock()
	if floor, found := c.floor(n.Address); found && n.Slot <= floor {
		c.stats.StaleRejects++
		c.mtx.Unlock()
		c.log.Tracef("Ignoring stale notification for %s at slot %d, cached slot %d", n.Address, n.Slot, floor)
		return false
	}
	var data []byte
	if n.Deleted() {
		c.invalidate(n.Address, ReasonDelete)
		c.tombstones[n.Address] = &tombstone{slot: n.Slot, deletedAt: c.now()}
	} else {
		c.set(n.Address, n.Data, n.Slot)
		data = append([]byte(nil), n.Data...)
	}
	c.mtx.Unlock()

	c.notify(n.Address, data, n.Slot)
	return true
}

// Records returns copies of every live entry, oldest slot first. Expired
// entries are evicted.
func (c *Cache) Records() []*Record {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	now := c.now()
	recs := make([]*Record, 0, len(c.entries))
	for ref, r := range c.entries {
		if c.expired(r, now) {
			delete(c.entries, ref)
			c.stats.Invalidations[ReasonTTL]++
			continue
		}
		recs = append(recs, copyRecord(r))
	}
	for ref, t := range c.tombstones {
		if now.Sub(t.deletedAt) >= c.maxTTL {
			delete(c.tombstones, ref)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Slot < recs[j].Slot
	})
	return recs
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() *Stats {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	st := c.stats
	st.Entries = len(c.entries)
	st.Tombstones = len(c.tombstones)
	st.Invalidations = utils.CopyMap(c.stats.Invalidations)
	return &st
}

// Fetcher reads one account from the ledger. *ledger.Client satisfies it.
type Fetcher interface {
	GetAccountInfo(ctx context.Context, addr dex.Address) (*ledger.Account, error)
}

// Load is a read-through Get. On a miss the account is fetched and cached at
// its slot. A missing account, or one deleted at a later slot than the fetch,
// returns ledger.ErrAccountNotFound and removes any cached entry.
func (c *Cache) Load(ctx context.Context, f Fetcher, ref order.Ref) (*Record, error) {
	if r := c.Get(ref); r != nil {
		return r, nil
	}
	acct, err := f.GetAccountInfo(ctx, ref)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			c.Invalidate(ref, ReasonDelete)
		}
		return nil, err
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if !c.set(ref, acct.Data, acct.Slot) {
		// A notification beat the fetch.
		if r := c.entries[ref]; r != nil {
			return copyRecord(r), nil
		}
		return nil, dex.NewErrorf(ledger.ErrAccountNotFound, "%s deleted after slot %d", ref, acct.Slot)
	}
	return &Record{
		Ref:      ref,
		Data:     acct.Data,
		Slot:     acct.Slot,
		CachedAt: c.now(),
	}, nil
}

// Watch runs a change subscription that feeds the cache. Every reconnect
// flushes the cache, since updates may have been missed. Watch returns nil
// when the context is canceled. If the subscription is lost for good, the
// cache is flushed with ReasonClosed and the error is returned.
func (c *Cache) Watch(ctx context.Context, cfg *ledger.SubscriptionConfig) error {
	subCfg := *cfg
	onReconnect := cfg.OnReconnect
	subCfg.OnReconnect = func() {
		c.InvalidateAll(ReasonReconnect)
		if onReconnect != nil {
			onReconnect()
		}
	}
	sub := ledger.NewSubscription(&subCfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errC := make(chan error, 1)
	go func() {
		errC <- sub.Run(ctx)
	}()

	for {
		select {
		case n := <-sub.Notifications():
			c.HandleNotification(n)
		case err := <-errC:
			if err != nil {
				c.InvalidateAll(ReasonClosed)
				return fmt.Errorf("order subscription: %w", err)
			}
			return nil
		}
	}
}
