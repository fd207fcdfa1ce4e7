// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ordlock is the in-memory mutual-exclusion registry for orders in a
// match attempt. Orders are always locked in pairs and released in pairs.
// Locks expire lazily: every read or mutation first purges expired entries,
// and there are no timers.
package ordlock

import (
	"sort"
	"sync"
	"time"

	"github.com/darkbook/crank/crank/order"
	"github.com/darkbook/crank/dex"
)

// Default lock lifetimes.
const (
	DefaultShortTTL = 60 * time.Second
	DefaultLongTTL  = 120 * time.Second
)

// Lock is a snapshot of one side of a locked pair.
type Lock struct {
	Ref            order.Ref `json:"ref"`
	LockedAt       time.Time `json:"lockedAt"`
	Partner        order.Ref `json:"partner"`
	ComputationRef string    `json:"computationRef,omitempty"`
}

// Stats summarizes the lock table.
type Stats struct {
	Count        int           `json:"count"`
	PendingPairs int           `json:"pendingPairs"`
	OldestAge    time.Duration `json:"oldestAge"`
}

// Config is the configuration for a Manager.
type Config struct {
	// ShortTTL is the lifetime of a lock with no computation attached.
	ShortTTL time.Duration
	// LongTTL is the lifetime of a lock once a computation is attached. Both
	// lifetimes are measured from the time the lock was acquired.
	LongTTL time.Duration
	Logger  dex.Logger
	Now     func() time.Time
}

// Token identifies one acquisition of a pair. A pair that expires and is
// locked again gets a new token, so a caller holding the old token cannot
// touch the new locks.
type Token uint64

type lock struct {
	token          Token
	lockedAt       time.Time
	partner        order.Ref
	computationRef string
}

// Manager is the lock table. It is safe for concurrent use. All mutation
// happens under a single mutex, so acquiring a pair is atomic with respect
// to every other caller.
type Manager struct {
	shortTTL time.Duration
	longTTL  time.Duration
	log      dex.Logger
	now      func() time.Time

	mtx       sync.Mutex
	lastToken Token
	locks     map[order.Ref]*lock
	// byComp maps a computation ref to one side of the pair it was attached
	// to. The partner is found through the lock.
	byComp map[string]order.Ref
}

// New is the constructor for a Manager.
func New(cfg *Config) *Manager {
	m := &Manager{
		shortTTL: cfg.ShortTTL,
		longTTL:  cfg.LongTTL,
		log:      cfg.Logger,
		now:      cfg.Now,
		locks:    make(map[order.Ref]*lock),
		byComp:   make(map[string]order.Ref),
	}
	if m.shortTTL <= 0 {
		m.shortTTL = DefaultShortTTL
	}
	if m.longTTL <= 0 {
		m.longTTL = DefaultLongTTL
	}
	if m.longTTL < m.shortTTL {
		m.longTTL = m.shortTTL
	}
	if m.log == nil {
		m.log = dex.Disabled
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Manager) ttl(l *lock) time.Duration {
	if l.computationRef != "" {
		return m.longTTL
	}
	return m.shortTTL
}

// purge deletes expired locks. The mtx must be held.
func (m *Manager) purge(now time.Time) {
	for ref, l := range m.locks {
		if now.Sub(l.lockedAt) < m.ttl(l) {
			continue
		}
		m.log.Debugf("Lock on order %s (partner %s, computation %q) expired after %s",
			ref, l.partner, l.computationRef, now.Sub(l.lockedAt))
		m.remove(ref)
	}
}

// remove deletes the lock for ref and its computation index entry. The mtx
// must be held.
func (m *Manager) remove(ref order.Ref) {
	l, found := m.locks[ref]
	if !found {
		return
	}
	delete(m.locks, ref)
	if l.computationRef != "" && m.byComp[l.computationRef] == ref {
		delete(m.byComp, l.computationRef)
		// Keep the index pointing at the partner if it is still locked.
		if p, found := m.locks[l.partner]; found && p.computationRef == l.computationRef {
			m.byComp[l.computationRef] = l.partner
		}
	}
}

// Acquire locks a and b as a pair. It returns false with no side effects if
// either already holds a live lock. A non-empty computationRef is attached to
// both locks.
func (m *Manager) Acquire(a, b order.Ref, computationRef string) bool {
	_, ok := m.AcquireToken(a, b, computationRef)
	return ok
}

// AcquireToken is Acquire, also returning the token for the new locks.
func (m *Manager) AcquireToken(a, b order.Ref, computationRef string) (Token, bool) {
	if a == b {
		return 0, false
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	now := m.now()
	m.purge(now)
	if _, found := m.locks[a]; found {
		return 0, false
	}
	if _, found := m.locks[b]; found {
		return 0, false
	}
	m.lastToken++
	t := m.lastToken
	m.locks[a] = &lock{token: t, lockedAt: now, partner: b, computationRef: computationRef}
	m.locks[b] = &lock{token: t, lockedAt: now, partner: a, computationRef: computationRef}
	if computationRef != "" {
		m.byComp[computationRef] = a
	}
	m.log.Debugf("Locked order pair %s / %s", a, b)
	return t, true
}

// held is true if a is live, paired with b, and locked under t. The mtx must
// be held and expired locks purged.
func (m *Manager) held(a, b order.Ref, t Token) bool {
	l, found := m.locks[a]
	return found && l.token == t && l.partner == b
}

// Holds is true if a and b are still locked as a pair under t.
func (m *Manager) Holds(a, b order.Ref, t Token) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.purge(m.now())
	return m.held(a, b, t)
}

// ReleaseToken releases a and b only if they are still locked as a pair
// under t. It reports whether anything was released.
func (m *Manager) ReleaseToken(a, b order.Ref, t Token) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.purge(m.now())
	if !m.held(a, b, t) {
		m.log.Debugf("Not releasing order pair %s / %s: no longer held under token %d", a, b, t)
		return false
	}
	m.releasePair(a)
	return true
}

// Release removes the locks on a and b and on their partners. Missing locks
// are ignored.
func (m *Manager) Release(a, b order.Ref) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.purge(m.now())
	m.releasePair(a)
	m.releasePair(b)
}

// ReleaseOne releases ref and its partner.
func (m *Manager) ReleaseOne(ref order.Ref) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.purge(m.now())
	m.releasePair(ref)
}

func (m *Manager) releasePair(ref order.Ref) {
	l, found := m.locks[ref]
	if !found {
		return
	}
	m.remove(ref)
	m.remove(l.partner)
	m.log.Debugf("Released order pair %s / %s", ref, l.partner)
}

// IsLocked is true if ref holds a live lock.
func (m *Manager) IsLocked(ref order.Ref) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.purge(m.now())
	_, found := m.locks[ref]
	return found
}

// Locked returns the set of locked order refs.
func (m *Manager) Locked() map[order.Ref]bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.purge(m.now())
	refs := make(map[order.Ref]bool, len(m.locks))
	for ref := range m.locks {
		refs[ref] = true
	}
	return refs
}

// Snapshot returns every live lock, oldest first.
func (m *Manager) Snapshot() []*Lock {
	m.mtx.Lock()
	m.purge(m.now())
	locks := make([]*Lock, 0, len(m.locks))
	for ref, l := range m.locks {
		locks = append(locks, &Lock{
			Ref:            ref,
			LockedAt:       l.lockedAt,
			Partner:        l.partner,
			ComputationRef: l.computationRef,
		})
	}
	m.mtx.Unlock()
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].LockedAt.Equal(locks[j].LockedAt) {
			return locks[i].Ref.String() < locks[j].Ref.String()
		}
		return locks[i].LockedAt.Before(locks[j].LockedAt)
	})
	return locks
}

// SetComputationRef attaches a computation ref to the lock on ref and to its
// partner, switching both to the long TTL. The lock age is not reset. It is a
// no-op if ref is not locked.
func (m *Manager) SetComputationRef(ref order.Ref, id string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.purge(m.now())
	if _, found := m.locks[ref]; !found {
		m.log.Debugf("Not attaching computation %s to unlocked order %s", id, ref)
		return
	}
	m.attach(ref, id)
}

// AttachComputation is SetComputationRef for the pair a and b locked under
// t. It returns false, attaching nothing, if the pair is no longer held under
// t.
func (m *Manager) AttachComputation(a, b order.Ref, t Token, id string) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.purge(m.now())
	if !m.held(a, b, t) {
		m.log.Debugf("Not attaching computation %s to order pair %s / %s: no longer held under token %d",
			id, a, b, t)
		return false
	}
	m.attach(a, id)
	return true
}

// attach sets the computation ref on the live lock for ref and its partner.
// The mtx must be held.
func (m *Manager) attach(ref order.Ref, id string) {
	l := m.locks[ref]
	for _, side := range []*lock{l, m.locks[l.partner]} {
		if side == nil {
			continue
		}
		if side.computationRef != "" && side.computationRef != id {
			delete(m.byComp, side.computationRef)
		}
		side.computationRef = id
	}
	if id != "" {
		m.byComp[id] = ref
	}
}

// ByComputation returns the locked pair that the computation ref is attached
// to. The first ref is the side the computation was attached through.
func (m *Manager) ByComputation(id string) (a, b order.Ref, found bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.purge(m.now())
	a, found = m.byComp[id]
	if !found {
		return
	}
	l := m.locks[a]
	return a, l.partner, true
}

// Stats summarizes the lock table.
func (m *Manager) Stats() *Stats {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	now := m.now()
	m.purge(now)
	s := &Stats{Count: len(m.locks)}
	for _, l := range m.locks {
		if l.computationRef != "" {
			s.PendingPairs++
		}
		if age := now.Sub(l.lockedAt); age > s.OldestAge {
			s.OldestAge = age
		}
	}
	// Both sides of a pending pair carry the ref.
	s.PendingPairs /= 2
	return s
}
