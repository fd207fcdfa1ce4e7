// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package wait provides a queue of retrying checks, used for things like
// transaction confirmation polling where the answer arrives on an unknown
// schedule.
package wait

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"time"
)

// TryDirective is a response that a Waiter's TryFunc can return to instruct
// the queue to continue trying or to quit.
type TryDirective bool

const (
	// TryAgain instructs the queue to try again after the next delay.
	TryAgain TryDirective = false
	// DontTryAgain instructs the queue to stop tracking the Waiter.
	DontTryAgain TryDirective = true
)

// Waiter is a check to run until completion or expiration. Completion is
// indicated when the TryFunc returns DontTryAgain. Expiration occurs when
// TryAgain is returned after the Expiration time, or when the queue shuts
// down with the Waiter still queued.
type Waiter struct {
	Expiration time.Time
	TryFunc    func() TryDirective
	ExpireFunc func()
}

// The delay is constant at the fastest interval for the first fullSpeedTicks
// attempts, ramps linearly to the slowest interval by fullyTapered, and stays
// there.
const (
	fullSpeedTicks = 3
	fullyTapered   = 15
)

type queuedWaiter struct {
	*Waiter
	tick     int
	nextTick time.Time
}

type waiterHeap []*queuedWaiter

func (h waiterHeap) Len() int           { return len(h) }
func (h waiterHeap) Less(i, j int) bool { return h[i].nextTick.Before(h[j].nextTick) }
func (h waiterHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *waiterHeap) Push(x any)        { *h = append(*h, x.(*queuedWaiter)) }
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// TaperingTickerQueue runs Waiters on a tapering schedule. Early attempts are
// frequent. If they keep failing, the delay grows up to slowestInterval.
type TaperingTickerQueue struct {
	fastestInterval time.Duration
	slowestInterval time.Duration
	queue           chan *queuedWaiter
}

// NewTaperingTickerQueue is the constructor for a TaperingTickerQueue.
func NewTaperingTickerQueue(fastestInterval, slowestInterval time.Duration) *TaperingTickerQueue {
	if slowestInterval < fastestInterval {
		slowestInterval = fastestInterval
	}
	return &TaperingTickerQueue{
		fastestInterval: fastestInterval,
		slowestInterval: slowestInterval,
		queue:           make(chan *queuedWaiter, 16),
	}
}

// Wait queues the Waiter. The first attempt is made from the Run goroutine
// as soon as possible, so Wait never blocks on the TryFunc itself.
func (q *TaperingTickerQueue) Wait(w *Waiter) {
	if time.Now().After(w.Expiration) {
		log.Errorf("wait: waiter given expiration %s in the past", w.Expiration)
		w.ExpireFunc()
		return
	}
	q.queue <- &queuedWaiter{Waiter: w, nextTick: time.Now()}
}

// Run runs the queue until the context is canceled. Waiters still queued at
// shutdown have their ExpireFunc called.
func (q *TaperingTickerQueue) Run(ctx context.Context) {
	var wg sync.WaitGroup

	try := func(w *queuedWaiter) {
		defer wg.Done()
		if w.TryFunc() == DontTryAgain {
			return
		}
		now := time.Now()
		if w.Expiration.Before(now) {
			w.ExpireFunc()
			return
		}
		w.tick++
		w.nextTick = nextTick(w.tick, q.fastestInterval, q.slowestInterval, now, w.Expiration)
		select {
		case q.queue <- w:
		case <-ctx.Done():
			w.ExpireFunc()
		}
	}

	var pending waiterHeap
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var tick <-chan time.Time
		if len(pending) > 0 {
			timer.Reset(time.Until(pending[0].nextTick))
			tick = timer.C
		}

		select {
		case <-tick:
			w := heap.Pop(&pending).(*queuedWaiter)
			wg.Add(1)
			go try(w)
		case w := <-q.queue:
			timer.Stop()
			if time.Until(w.nextTick) <= 0 {
				wg.Add(1)
				go try(w)
				continue
			}
			heap.Push(&pending, w)
		case <-ctx.Done():
			for _, w := range pending {
				w.ExpireFunc()
			}
			wg.Wait()
			for {
				select {
				case w := <-q.queue:
					w.ExpireFunc()
				default:
					return
				}
			}
		}
	}
}

func nextTick(ticksPassed int, fastestInterval, slowestInterval time.Duration, now, expiration time.Time) time.Time {
	var interval time.Duration
	switch {
	case ticksPassed < fullSpeedTicks:
		interval = fastestInterval
	case ticksPassed < fullyTapered:
		prog := float64(ticksPassed+1-fullSpeedTicks) / (fullyTapered - fullSpeedTicks)
		interval = fastestInterval + time.Duration(math.Round(prog*float64(slowestInterval-fastestInterval)))
	default:
		interval = slowestInterval
	}
	if t := now.Add(interval); t.Before(expiration) {
		return t
	}
	return expiration
}
