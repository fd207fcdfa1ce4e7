// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package breaker isolates repeated calls to a failing dependency. A Breaker
// counts consecutive failures and, past a threshold, rejects calls without
// running them until a reset timeout has passed. The open to half-open
// transition is evaluated lazily on the next call, so there are no timers.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/darkbook/crank/dex"
)

// ErrCircuitOpen is the kind of error returned for calls rejected by an open
// breaker. Use errors.Is to test for it.
const ErrCircuitOpen = dex.ErrorKind("circuit open")

// State is the state of a Breaker.
type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// MarshalText satisfies encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Closed, Open, HalfOpen} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown breaker state %q", b)
}

// Default configuration values.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultResetTimeout     = 30 * time.Second
)

// Observer is notified of every state transition. It is called with the
// breaker's mutex held and must not call back into the breaker.
type Observer func(name string, from, to State)

// Config is the configuration for a Breaker.
type Config struct {
	Name string
	// FailureThreshold is the number of consecutive failures in the closed
	// state that open the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in the
	// half-open state that close the breaker.
	SuccessThreshold int
	// ResetTimeout is the time since the last failure after which an open
	// breaker will let a trial call through.
	ResetTimeout time.Duration
	Logger       dex.Logger
	Observer     Observer
	// IsFailure reports whether an error returned by the protected function
	// counts as a failure. Errors for which it returns false are passed
	// through without touching the counters. The default counts every
	// non-nil error.
	IsFailure func(error) bool

	now func() time.Time
}

// Stats is a snapshot of a Breaker.
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastFailure     time.Time `json:"lastFailure"`
	LastSuccess     time.Time `json:"lastSuccess"`
	LastStateChange time.Time `json:"lastStateChange"`
	Calls           uint64    `json:"calls"`
	Rejected        uint64    `json:"rejected"`
}

// OpenError is returned for calls rejected while the breaker is open. It
// carries the stats at the time of rejection.
type OpenError struct {
	Stats Stats
}

// Error satisfies the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %s breaker open after %d failures, last failure %s ago",
		ErrCircuitOpen, e.Stats.Name, e.Stats.Failures,
		time.Since(e.Stats.LastFailure).Round(time.Millisecond))
}

// Is allows errors.Is(err, ErrCircuitOpen).
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsOpenError is true if the error is or wraps an *OpenError.
func IsOpenError(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Breaker is a circuit breaker for one external call site.
type Breaker struct {
	cfg Config
	log dex.Logger

	mtx             sync.Mutex
	state           State
	failures        int
	successes       int
	lastFailure     time.Time
	lastSuccess     time.Time
	lastStateChange time.Time
	calls           uint64
	rejected        uint64
}

// New is the constructor for a Breaker. Zero-valued fields of the Config are
// replaced with defaults.
func New(cfg *Config) *Breaker {
	c := *cfg
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	if c.now == nil {
		c.now = time.Now
	}
	logger := c.Logger
	if logger == nil {
		logger = dex.Disabled
	}
	return &Breaker{
		cfg:             c,
		log:             logger,
		lastStateChange: c.now(),
	}
}

// Name is the breaker's configured name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Execute runs f unless the breaker is open, in which case an *OpenError is
// returned without running f. The outcome of f is recorded and f's error is
// returned unchanged.
func (b *Breaker) Execute(f func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := f()
	b.record(err)
	return err
}

// Do is Execute for functions returning a value.
func Do[T any](b *Breaker, f func() (T, error)) (T, error) {
	var v T
	err := b.Execute(func() (err error) {
		v, err = f()
		return
	})
	return v, err
}

func (b *Breaker) allow() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.state == Open {
		if b.cfg.now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			b.rejected++
			return &OpenError{Stats: b.statsLocked()}
		}
		b.setState(HalfOpen)
	}
	b.calls++
	return nil
}

func (b *Breaker) record(err error) {
	if err != nil && !b.cfg.IsFailure(err) {
		return
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	now := b.cfg.now()
	if err == nil {
		b.lastSuccess = now
		switch b.state {
		case Closed:
			b.failures = 0
		case HalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.setState(Closed)
			}
		}
		return
	}

	b.lastFailure = now
	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.log.Warnf("%s breaker opening after %d consecutive failures. last error: %v",
				b.cfg.Name, b.failures, err)
			b.setState(Open)
		}
	case HalfOpen:
		b.log.Warnf("%s breaker trial call failed, reopening: %v", b.cfg.Name, err)
		b.setState(Open)
	}
}

// setState must be called with the mtx held. Entering Closed resets both
// counters. Entering HalfOpen resets only the success counter.
func (b *Breaker) setState(s State) {
	from := b.state
	if from == s {
		return
	}
	b.state = s
	b.lastStateChange = b.cfg.now()
	switch s {
	case Closed:
		b.failures, b.successes = 0, 0
	case HalfOpen:
		b.successes = 0
	}
	if s == Closed || s == HalfOpen {
		b.log.Infof("%s breaker %s -> %s", b.cfg.Name, from, s)
	}
	if b.cfg.Observer != nil {
		b.cfg.Observer(b.cfg.Name, from, s)
	}
}

// State returns the stored state. An open breaker whose reset timeout has
// passed still reports Open until the next Execute call.
func (b *Breaker) State() State {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.statsLocked()
}

func (b *Breaker) statsLocked() Stats {
	return Stats{
		Name:            b.cfg.Name,
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		LastFailure:     b.lastFailure,
		LastSuccess:     b.lastSuccess,
		LastStateChange: b.lastStateChange,
		Calls:           b.calls,
		Rejected:        b.rejected,
	}
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.setState(Closed)
	b.failures, b.successes = 0, 0
}

// Trip forces the breaker open. The reset timeout is measured from now.
func (b *Breaker) Trip() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.lastFailure = b.cfg.now()
	b.log.Warnf("%s breaker tripped manually", b.cfg.Name)
	b.setState(Open)
}
