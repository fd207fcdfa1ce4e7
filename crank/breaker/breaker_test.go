// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/darkbook/crank/dex"
)

var tErr = errors.New("test error")

type tClock struct {
	t time.Time
}

func (c *tClock) now() time.Time { return c.t }

func (c *tClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(failures, successes int, reset time.Duration) (*Breaker, *tClock) {
	clock := &tClock{t: time.Unix(1700000000, 0)}
	b := New(&Config{
		Name:             "test",
		FailureThreshold: failures,
		SuccessThreshold: successes,
		ResetTimeout:     reset,
		Logger:           dex.StdOutLogger("TEST", dex.LevelTrace),
		now:              clock.now,
	})
	return b, clock
}

func fail() error    { return tErr }
func succeed() error { return nil }

func TestOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Second)
	for i := 1; i <= 2; i++ {
		if err := b.Execute(fail); !errors.Is(err, tErr) {
			t.Fatalf("wrong error %v", err)
		}
		if b.State() != Closed {
			t.Fatalf("opened early after %d failures", i)
		}
	}
	b.Execute(fail)
	if b.State() != Open {
		t.Fatalf("not open after threshold failures")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Second)
	b.Execute(fail)
	b.Execute(fail)
	b.Execute(succeed)
	b.Execute(fail)
	b.Execute(fail)
	if b.State() != Closed {
		t.Fatalf("failures were not consecutive but breaker opened")
	}
}

func TestRejectedCallsNotCounted(t *testing.T) {
	b, clock := newTestBreaker(3, 1, time.Second)
	for i := 0; i < 3; i++ {
		b.Execute(fail)
	}
	var ran bool
	for i := 0; i < 5; i++ {
		clock.advance(time.Millisecond)
		err := b.Execute(func() error { ran = true; return nil })
		if !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("expected ErrCircuitOpen, got %v", err)
		}
		var oe *OpenError
		if !errors.As(err, &oe) || oe.Stats.State != Open {
			t.Fatalf("rejection did not carry open stats")
		}
	}
	if ran {
		t.Fatalf("function ran while open")
	}
	st := b.Stats()
	if st.Failures != 3 {
		t.Fatalf("rejections changed failure count to %d", st.Failures)
	}
	if st.Rejected != 5 || st.Calls != 3 {
		t.Fatalf("wrong call counts, calls = %d, rejected = %d", st.Calls, st.Rejected)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	for _, successes := range []int{1, 2} {
		b, clock := newTestBreaker(3, successes, 10*time.Second)
		for i := 0; i < 3; i++ {
			b.Execute(fail)
		}
		if b.State() != Open {
			t.Fatalf("not open")
		}
		clock.advance(time.Millisecond)
		if err := b.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("not fast-rejected 1ms later")
		}
		clock.advance(10 * time.Second)
		// Still open until a call observes the timeout.
		if b.State() != Open {
			t.Fatalf("state changed without a call")
		}
		var ran bool
		if err := b.Execute(func() error { ran = true; return nil }); err != nil {
			t.Fatalf("trial call error: %v", err)
		}
		if !ran {
			t.Fatalf("trial call not run")
		}
		want := Closed
		if successes > 1 {
			want = HalfOpen
		}
		if b.State() != want {
			t.Fatalf("successThreshold %d: wanted %s, got %s", successes, want, b.State())
		}
		if successes > 1 {
			b.Execute(succeed)
			if b.State() != Closed {
				t.Fatalf("not closed after %d successes", successes)
			}
			if st := b.Stats(); st.Failures != 0 || st.Successes != 0 {
				t.Fatalf("counters not reset on close: %+v", st)
			}
		}
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, 5, time.Second)
	b.Execute(fail)
	b.Execute(fail)
	clock.advance(time.Second)
	b.Execute(succeed)
	if b.State() != HalfOpen {
		t.Fatalf("wanted half-open, got %s", b.State())
	}
	b.Execute(fail)
	if b.State() != Open {
		t.Fatalf("single half-open failure did not reopen")
	}
	// The reset timeout restarts from the half-open failure.
	clock.advance(500 * time.Millisecond)
	if err := b.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestIsFailure(t *testing.T) {
	clock := &tClock{t: time.Unix(1700000000, 0)}
	b := New(&Config{
		FailureThreshold: 1,
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
		now: clock.now,
	})
	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return context.Canceled }); !errors.Is(err, context.Canceled) {
			t.Fatalf("error not passed through")
		}
	}
	if b.State() != Closed {
		t.Fatalf("excluded errors opened the breaker")
	}
	b.Execute(fail)
	if b.State() != Open {
		t.Fatalf("counted error did not open the breaker")
	}
}

func TestTripReset(t *testing.T) {
	var transitions []State
	clock := &tClock{t: time.Unix(1700000000, 0)}
	b := New(&Config{
		Name:     "rpc",
		Observer: func(_ string, _, to State) { transitions = append(transitions, to) },
		now:      clock.now,
	})
	b.Trip()
	if _, err := Do(b, func() (int, error) { return 1, nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("tripped breaker did not reject")
	}
	b.Reset()
	v, err := Do(b, func() (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("Do after reset: %d, %v", v, err)
	}
	if len(transitions) != 2 || transitions[0] != Open || transitions[1] != Closed {
		t.Fatalf("wrong transitions %v", transitions)
	}
}

func TestSet(t *testing.T) {
	s := NewSet(&Config{FailureThreshold: 1})
	a := s.Get("b-endpoint")
	if s.Get("b-endpoint") != a {
		t.Fatalf("Get created a second breaker")
	}
	s.Get("a-submit").Execute(fail)
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Name != "a-submit" || snap[0].State != Open {
		t.Fatalf("wrong snapshot %+v", snap)
	}
	s.ResetAll()
	if s.Get("a-submit").State() != Closed {
		t.Fatalf("ResetAll did not close")
	}
}
