// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ordlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/darkbook/crank/crank/order"
	"github.com/darkbook/crank/dex"
)

type tClock struct {
	mtx sync.Mutex
	t   time.Time
}

func (c *tClock) now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.t
}

func (c *tClock) advance(d time.Duration) {
	c.mtx.Lock()
	c.t = c.t.Add(d)
	c.mtx.Unlock()
}

func ref(b byte) order.Ref {
	var r order.Ref
	r[0] = b
	return r
}

var (
	buy1  = ref(1)
	sell1 = ref(2)
	sell2 = ref(3)
	buy2  = ref(4)
)

func newTestManager() (*Manager, *tClock) {
	clock := &tClock{t: time.Unix(1700000000, 0)}
	return New(&Config{
		ShortTTL: 60 * time.Second,
		LongTTL:  120 * time.Second,
		Logger:   dex.StdOutLogger("TEST", dex.LevelTrace),
		Now:      clock.now,
	}), clock
}

func TestAcquireConflict(t *testing.T) {
	m, _ := newTestManager()
	if !m.Acquire(buy1, sell1, "") {
		t.Fatalf("first acquire failed")
	}
	if m.Acquire(buy1, sell2, "") {
		t.Fatalf("acquired a locked order")
	}
	if m.IsLocked(sell2) {
		t.Fatalf("failed acquire left a lock on the free side")
	}
	m.Release(buy1, sell1)
	if !m.Acquire(buy1, sell2, "") {
		t.Fatalf("acquire after release failed")
	}
	if m.Acquire(buy1, buy1, "") || m.Acquire(sell1, sell1, "") {
		t.Fatalf("acquired an order against itself")
	}
}

func TestReleaseSymmetry(t *testing.T) {
	m, _ := newTestManager()
	m.Acquire(buy1, sell1, "")
	m.Release(sell1, buy1)
	if m.IsLocked(buy1) || m.IsLocked(sell1) {
		t.Fatalf("reversed release left a lock")
	}

	m.Acquire(buy1, sell1, "")
	m.ReleaseOne(sell1)
	if m.IsLocked(buy1) || m.IsLocked(sell1) {
		t.Fatalf("ReleaseOne left the partner locked")
	}

	// Missing partner is tolerated.
	m.Acquire(buy1, sell1, "")
	m.Release(buy1, sell2)
	if m.IsLocked(buy1) || m.IsLocked(sell1) {
		t.Fatalf("release with a stranger did not release the pair")
	}
	m.Release(buy2, sell2)
}

func TestTTL(t *testing.T) {
	m, clock := newTestManager()
	m.Acquire(buy1, sell1, "")
	clock.advance(60*time.Second - time.Millisecond)
	if !m.IsLocked(buy1) {
		t.Fatalf("lock expired early")
	}
	clock.advance(2 * time.Millisecond)
	if m.IsLocked(buy1) || m.IsLocked(sell1) {
		t.Fatalf("lock outlived the short TTL")
	}

	// Attaching a computation extends to the long TTL measured from lockedAt.
	m.Acquire(buy1, sell1, "")
	clock.advance(50 * time.Second)
	m.SetComputationRef(buy1, "comp1")
	clock.advance(65 * time.Second) // 115s
	if !m.IsLocked(buy1) || !m.IsLocked(sell1) {
		t.Fatalf("computation did not extend the lock on both sides")
	}
	clock.advance(6 * time.Second) // 121s
	if m.IsLocked(buy1) || m.IsLocked(sell1) {
		t.Fatalf("long TTL was measured from the attach time")
	}
	if _, _, found := m.ByComputation("comp1"); found {
		t.Fatalf("expired lock still indexed by computation")
	}

	// Acquire with a computation ref gets the long TTL immediately.
	m.Acquire(buy1, sell1, "comp2")
	clock.advance(90 * time.Second)
	if !m.IsLocked(buy1) {
		t.Fatalf("lock acquired with computation expired at the short TTL")
	}
}

func TestSetComputationRef(t *testing.T) {
	m, _ := newTestManager()
	m.SetComputationRef(buy1, "nobody") // no-op
	if m.IsLocked(buy1) {
		t.Fatalf("SetComputationRef created a lock")
	}

	m.Acquire(buy1, sell1, "")
	m.SetComputationRef(sell1, "compare")
	a, b, found := m.ByComputation("compare")
	if !found || a != sell1 || b != buy1 {
		t.Fatalf("ByComputation = %s, %s, %v", a, b, found)
	}
	// Replacing the ref drops the old index entry.
	m.SetComputationRef(buy1, "fill")
	if _, _, found := m.ByComputation("compare"); found {
		t.Fatalf("stale computation ref still indexed")
	}
	if a, b, found = m.ByComputation("fill"); !found || a != buy1 || b != sell1 {
		t.Fatalf("new computation ref not indexed")
	}
	if st := m.Stats(); st.Count != 2 || st.PendingPairs != 1 {
		t.Fatalf("wrong stats %+v", st)
	}
	m.Release(buy1, sell1)
	if _, _, found := m.ByComputation("fill"); found {
		t.Fatalf("released lock still indexed")
	}
}

func TestTokenOwnership(t *testing.T) {
	m, clock := newTestManager()
	oldTok, ok := m.AcquireToken(buy1, sell1, "")
	if !ok {
		t.Fatalf("acquire failed")
	}
	if !m.AttachComputation(buy1, sell1, oldTok, "comp1") {
		t.Fatalf("attach with the current token failed")
	}
	if !m.Holds(buy1, sell1, oldTok) || m.Holds(buy1, sell2, oldTok) {
		t.Fatalf("wrong Holds result for the current token")
	}

	// The pair expires and is locked again by a new attempt.
	clock.advance(121 * time.Second)
	newTok, ok := m.AcquireToken(buy1, sell1, "")
	if !ok {
		t.Fatalf("re-acquire after expiry failed")
	}
	if newTok == oldTok {
		t.Fatalf("token reused")
	}
	if !m.AttachComputation(buy1, sell1, newTok, "comp2") {
		t.Fatalf("attach with the new token failed")
	}

	if m.Holds(buy1, sell1, oldTok) {
		t.Fatalf("old token still holds the pair")
	}
	if m.AttachComputation(buy1, sell1, oldTok, "comp3") {
		t.Fatalf("old token attached a computation")
	}
	if m.ReleaseToken(buy1, sell1, oldTok) {
		t.Fatalf("old token released the new locks")
	}
	if !m.IsLocked(buy1) || !m.IsLocked(sell1) {
		t.Fatalf("new locks were dropped")
	}
	if a, b, found := m.ByComputation("comp2"); !found || a != buy1 || b != sell1 {
		t.Fatalf("new computation ref was dropped")
	}
	if _, _, found := m.ByComputation("comp3"); found {
		t.Fatalf("stale computation ref was indexed")
	}

	if !m.ReleaseToken(sell1, buy1, newTok) {
		t.Fatalf("release with the current token failed")
	}
	if m.IsLocked(buy1) || m.IsLocked(sell1) {
		t.Fatalf("pair still locked after release")
	}
	if _, _, found := m.ByComputation("comp2"); found {
		t.Fatalf("computation ref survived the release")
	}
}

func TestStatsAndSnapshot(t *testing.T) {
	m, clock := newTestManager()
	m.Acquire(buy1, sell1, "")
	clock.advance(10 * time.Second)
	m.Acquire(buy2, sell2, "")
	clock.advance(5 * time.Second)

	st := m.Stats()
	if st.Count != 4 || st.PendingPairs != 0 || st.OldestAge != 15*time.Second {
		t.Fatalf("wrong stats %+v", st)
	}
	snap := m.Snapshot()
	if len(snap) != 4 || snap[0].Partner != sell1 && snap[0].Partner != buy1 {
		t.Fatalf("snapshot not oldest first")
	}
	locked := m.Locked()
	for _, r := range []order.Ref{buy1, sell1, buy2, sell2} {
		if !locked[r] {
			t.Fatalf("%s missing from Locked", r)
		}
	}
}

func TestConcurrentAcquire(t *testing.T) {
	m, _ := newTestManager()
	const n = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every pair shares buy1.
			if m.Acquire(buy1, ref(byte(10+i)), "") {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d goroutines locked the same order", wins.Load())
	}
}
