// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/darkbook/crank/dex"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// Caller makes JSON-RPC calls. *rpc.Client satisfies Caller.
type Caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
	Close()
}

var _ Caller = (*rpc.Client)(nil)

// DialFunc creates a Caller for an endpoint URL.
type DialFunc func(ctx context.Context, url string) (Caller, error)

func dialRPC(ctx context.Context, url string) (Caller, error) {
	return rpc.DialContext(ctx, url)
}

// Defaults for the FailoverConfig.
const (
	DefaultMaxConsecutiveFailures = 3
	DefaultHealthCheckInterval    = 30 * time.Second
	DefaultHealthCheckTimeout     = 5 * time.Second
	DefaultRetryBaseDelay         = 500 * time.Millisecond
	DefaultCallTimeout            = 15 * time.Second
	DefaultMaxRetries             = 3
)

// EndpointConfig is one configured RPC endpoint.
type EndpointConfig struct {
	URL    string
	Weight int
}

// FailoverConfig is the configuration for a FailoverClient.
type FailoverConfig struct {
	Endpoints []EndpointConfig
	// MaxConsecutiveFailures is the number of consecutive failover-eligible
	// failures after which an endpoint is marked unhealthy.
	MaxConsecutiveFailures int
	HealthCheckInterval    time.Duration
	HealthCheckTimeout     time.Duration
	// RetryBaseDelay is the linear backoff unit for retries that stay on the
	// same endpoint.
	RetryBaseDelay time.Duration
	// RateLimit is the per-endpoint request rate in requests per second. Zero
	// is unlimited.
	RateLimit float64
	RateBurst int
	// OnFailover is called after every endpoint switch.
	OnFailover func(from, to, reason string)
	// Dial defaults to go-ethereum's rpc.DialContext.
	Dial     DialFunc
	Logger   dex.Logger
	Observer func(*EndpointStatus)
}

// ExecOpts are options for a single Execute call.
type ExecOpts struct {
	MaxRetries int
	Timeout    time.Duration
}

// EndpointStatus is a snapshot of an endpoint's health.
type EndpointStatus struct {
	URL                 string    `json:"url"`
	Weight              int       `json:"weight"`
	Healthy             bool      `json:"isHealthy"`
	Current             bool      `json:"isCurrent"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LatencyMs           int64     `json:"latencyMs"`
	LastSuccess         time.Time `json:"lastSuccessAt"`
	LastFailure         time.Time `json:"lastFailureAt"`
}

// Health is the endpoint-health snapshot.
type Health struct {
	Endpoints   []*EndpointStatus `json:"endpoints"`
	CurrentSlot uint64            `json:"currentSlot"`
}

type endpoint struct {
	url     string
	weight  int
	limiter *rate.Limiter

	callerMtx sync.Mutex
	caller    Caller

	// Guarded by FailoverClient.mtx.
	consecutiveFailures int
	healthy             bool
	lastSuccess         time.Time
	lastFailure         time.Time
	latency             time.Duration
}

// client returns the endpoint's Caller, dialing if necessary.
func (ep *endpoint) client(ctx context.Context, dial DialFunc) (Caller, error) {
	ep.callerMtx.Lock()
	defer ep.callerMtx.Unlock()
	if ep.caller != nil {
		return ep.caller, nil
	}
	c, err := dial(ctx, ep.url)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", ep.url, err)
	}
	ep.caller = c
	return c, nil
}

func (ep *endpoint) close() {
	ep.callerMtx.Lock()
	defer ep.callerMtx.Unlock()
	if ep.caller != nil {
		ep.caller.Close()
		ep.caller = nil
	}
}

// FailoverClient is a weighted set of RPC endpoints. Calls go to the current
// endpoint. Failover-eligible failures are counted per endpoint, and past the
// threshold the client switches to the next usable endpoint.
type FailoverClient struct {
	cfg  FailoverConfig
	log  dex.Logger
	dial DialFunc

	mtx         sync.RWMutex
	endpoints   []*endpoint
	current     int
	currentSlot uint64
}

// NewFailoverClient creates a FailoverClient. Endpoints are ranked by
// descending weight, ties keeping their configured order, and the client
// starts on the highest-weight endpoint.
func NewFailoverClient(cfg *FailoverConfig) (*FailoverClient, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	c := &FailoverClient{
		cfg:  *cfg,
		log:  cfg.Logger,
		dial: cfg.Dial,
	}
	if c.log == nil {
		c.log = dex.Disabled
	}
	if c.dial == nil {
		c.dial = dialRPC
	}
	if c.cfg.MaxConsecutiveFailures <= 0 {
		c.cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.cfg.HealthCheckInterval <= 0 {
		c.cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.cfg.HealthCheckTimeout <= 0 {
		c.cfg.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if c.cfg.RetryBaseDelay <= 0 {
		c.cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	seen := make(map[string]bool, len(cfg.Endpoints))
	for _, ec := range cfg.Endpoints {
		if seen[ec.URL] {
			return nil, fmt.Errorf("duplicate endpoint %s", ec.URL)
		}
		seen[ec.URL] = true
		c.endpoints = append(c.endpoints, c.newEndpoint(ec))
	}
	c.sortEndpoints()
	c.current = 0
	return c, nil
}

func (c *FailoverClient) newEndpoint(ec EndpointConfig) *endpoint {
	limit, burst := rate.Inf, c.cfg.RateBurst
	if c.cfg.RateLimit > 0 {
		limit = rate.Limit(c.cfg.RateLimit)
		if burst <= 0 {
			burst = 1
		}
	}
	return &endpoint{
		url:     ec.URL,
		weight:  ec.Weight,
		limiter: rate.NewLimiter(limit, burst),
		healthy: true,
	}
}

// sortEndpoints must be called with the mtx held or before the client is
// shared.
func (c *FailoverClient) sortEndpoints() {
	sort.SliceStable(c.endpoints, func(i, j int) bool {
		return c.endpoints[i].weight > c.endpoints[j].weight
	})
}

// CurrentEndpoint is the URL of the endpoint requests are sent to.
func (c *FailoverClient) CurrentEndpoint() string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.endpoints[c.current].url
}

func (c *FailoverClient) currentEndpoint() *endpoint {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.endpoints[c.current]
}

// Execute runs f against the current endpoint, retrying according to the
// error class. Transient failures are recorded against the endpoint, which
// may cause a failover before the next attempt. Stale and unrecognized errors
// are retried on the same endpoint after a linear backoff. Everything else is
// returned immediately. When attempts are exhausted the last error is
// returned.
func (c *FailoverClient) Execute(ctx context.Context, opts *ExecOpts, f func(context.Context, Caller) error) error {
	maxRetries, timeout := DefaultMaxRetries, DefaultCallTimeout
	if opts != nil {
		if opts.MaxRetries >= 0 {
			maxRetries = opts.MaxRetries
		}
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		ep := c.currentEndpoint()
		err := c.attempt(ctx, ep, timeout, f)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		class := Classify(err)
		switch class {
		case ClassTransient:
			c.log.Debugf("Attempt %d on %s failed: %v", attempt, ep.url, err)
			c.recordFailure(ep, err)
		case ClassStale, ClassUnknown:
			if attempt > maxRetries {
				break
			}
			delay := c.cfg.RetryBaseDelay * time.Duration(attempt)
			c.log.Debugf("Attempt %d on %s failed (%s), retrying in %s: %v", attempt, ep.url, class, delay, err)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return err
			}
		default:
			return err
		}
	}
	return lastErr
}

func (c *FailoverClient) attempt(ctx context.Context, ep *endpoint, timeout time.Duration, f func(context.Context, Caller) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ep.limiter.Wait(ctx); err != nil {
		// A limiter wait that would outlast the deadline is local
		// backpressure, not an endpoint failure.
		return WithClass(fmt.Errorf("rate limit %s: %w", ep.url, err), ClassStale)
	}
	caller, err := ep.client(ctx, c.dial)
	if err != nil {
		return WithClass(err, ClassTransient)
	}
	start := time.Now()
	if err = f(ctx, caller); err != nil {
		return err
	}
	c.recordSuccess(ep, time.Since(start))
	return nil
}

// RecordSuccess resets the current endpoint's failure count.
func (c *FailoverClient) RecordSuccess() {
	c.recordSuccess(c.currentEndpoint(), 0)
}

func (c *FailoverClient) recordSuccess(ep *endpoint, latency time.Duration) {
	c.mtx.Lock()
	ep.consecutiveFailures = 0
	ep.healthy = true
	ep.lastSuccess = time.Now()
	if latency > 0 {
		ep.latency = latency
	}
	c.mtx.Unlock()
}

// RecordFailure counts a failure against the current endpoint and fails over
// if the endpoint has reached the failure threshold. It returns true if the
// current endpoint changed.
func (c *FailoverClient) RecordFailure(err error) bool {
	return c.recordFailure(c.currentEndpoint(), err)
}

func (c *FailoverClient) recordFailure(ep *endpoint, err error) bool {
	c.mtx.Lock()
	ep.consecutiveFailures++
	ep.lastFailure = time.Now()
	failures := ep.consecutiveFailures
	if failures < c.cfg.MaxConsecutiveFailures {
		c.mtx.Unlock()
		return false
	}
	if ep.healthy {
		c.log.Warnf("Endpoint %s marked unhealthy after %d consecutive failures. last error: %v",
			ep.url, failures, err)
	}
	ep.healthy = false
	// Only fail over if the failing endpoint is still current. A concurrent
	// caller may have switched already.
	if c.endpoints[c.current] != ep {
		c.mtx.Unlock()
		return false
	}
	from, to, switched := c.failover()
	c.mtx.Unlock()
	if switched {
		c.notifyFailover(from, to, fmt.Sprintf("%d consecutive failures: %v", failures, err))
	}
	return switched
}

// failover selects the next endpoint, searching forward from the current
// index with wraparound for the first endpoint that is healthy or under the
// failure threshold. If there is none, every counter is reset and the
// primary is selected. The mtx must be held.
func (c *FailoverClient) failover() (from, to string, switched bool) {
	from = c.endpoints[c.current].url
	n := len(c.endpoints)
	next := -1
	for i := 1; i < n; i++ {
		idx := (c.current + i) % n
		ep := c.endpoints[idx]
		if ep.healthy || ep.consecutiveFailures < c.cfg.MaxConsecutiveFailures {
			next = idx
			break
		}
	}
	if next < 0 {
		c.log.Errorf("All %d endpoints are unhealthy. Resetting and returning to the primary.", n)
		for _, ep := range c.endpoints {
			ep.consecutiveFailures = 0
			ep.healthy = true
		}
		next = 0
	}
	c.current = next
	to = c.endpoints[next].url
	return from, to, from != to
}

func (c *FailoverClient) notifyFailover(from, to, reason string) {
	c.log.Warnf("Failing over from %s to %s: %s", from, to, reason)
	if c.cfg.OnFailover != nil {
		c.cfg.OnFailover(from, to, reason)
	}
}

// SwitchTo makes the endpoint with the given URL current. It returns false if
// the URL is not configured.
func (c *FailoverClient) SwitchTo(url string) bool {
	c.mtx.Lock()
	idx := c.indexOf(url)
	if idx < 0 {
		c.mtx.Unlock()
		return false
	}
	from := c.endpoints[c.current].url
	c.current = idx
	c.mtx.Unlock()
	if from != url {
		c.notifyFailover(from, url, "manual switch")
	}
	return true
}

// indexOf must be called with the mtx held.
func (c *FailoverClient) indexOf(url string) int {
	for i, ep := range c.endpoints {
		if ep.url == url {
			return i
		}
	}
	return -1
}

// AddEndpoint adds an endpoint and re-ranks the set. The current endpoint is
// unchanged.
func (c *FailoverClient) AddEndpoint(ec EndpointConfig) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.indexOf(ec.URL) >= 0 {
		return fmt.Errorf("endpoint %s already exists", ec.URL)
	}
	cur := c.endpoints[c.current]
	c.endpoints = append(c.endpoints, c.newEndpoint(ec))
	c.sortEndpoints()
	c.current = c.indexOf(cur.url)
	c.log.Infof("Added endpoint %s with weight %d", ec.URL, ec.Weight)
	return nil
}

// RemoveEndpoint removes an endpoint. The last endpoint cannot be removed. If
// the current endpoint is removed, the client fails over as if it had reached
// the failure threshold.
func (c *FailoverClient) RemoveEndpoint(url string) error {
	c.mtx.Lock()
	idx := c.indexOf(url)
	if idx < 0 {
		c.mtx.Unlock()
		return ErrUnknownEndpoint
	}
	if len(c.endpoints) == 1 {
		c.mtx.Unlock()
		return fmt.Errorf("cannot remove the only endpoint %s", url)
	}
	var from, to string
	var switched bool
	if idx == c.current {
		from, to, switched = c.failover()
	}
	ep := c.endpoints[idx]
	cur := c.endpoints[c.current]
	c.endpoints = append(c.endpoints[:idx], c.endpoints[idx+1:]...)
	if c.current = c.indexOf(cur.url); c.current < 0 {
		// The reset fallback landed on the removed primary.
		c.current = 0
		to = c.endpoints[0].url
		switched = true
	}
	c.mtx.Unlock()

	ep.close()
	c.log.Infof("Removed endpoint %s", url)
	if switched {
		c.notifyFailover(from, to, "endpoint removed")
	}
	return nil
}

// EndpointStatus returns the health of every endpoint in rank order.
func (c *FailoverClient) EndpointStatus() []*EndpointStatus {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	statuses := make([]*EndpointStatus, 0, len(c.endpoints))
	for i, ep := range c.endpoints {
		statuses = append(statuses, c.statusLocked(i, ep))
	}
	return statuses
}

func (c *FailoverClient) statusLocked(i int, ep *endpoint) *EndpointStatus {
	return &EndpointStatus{
		URL:                 ep.url,
		Weight:              ep.weight,
		Healthy:             ep.healthy,
		Current:             i == c.current,
		ConsecutiveFailures: ep.consecutiveFailures,
		LatencyMs:           ep.latency.Milliseconds(),
		LastSuccess:         ep.lastSuccess,
		LastFailure:         ep.lastFailure,
	}
}

// Health is the endpoint health snapshot with the last slot reported by the
// current endpoint's health probe.
func (c *FailoverClient) Health() *Health {
	statuses := c.EndpointStatus()
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return &Health{
		Endpoints:   statuses,
		CurrentSlot: c.currentSlot,
	}
}

// Run runs the health check loop until the context is canceled, then closes
// every endpoint connection.
func (c *FailoverClient) Run(ctx context.Context) {
	defer func() {
		c.mtx.RLock()
		eps := append([]*endpoint(nil), c.endpoints...)
		c.mtx.RUnlock()
		for _, ep := range eps {
			ep.close()
		}
	}()

	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.CheckHealth(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckHealth probes every endpoint with getSlot. If the current endpoint
// fails its probe, the client fails over.
func (c *FailoverClient) CheckHealth(ctx context.Context) {
	c.mtx.RLock()
	eps := append([]*endpoint(nil), c.endpoints...)
	c.mtx.RUnlock()

	type probe struct {
		ep      *endpoint
		slot    uint64
		latency time.Duration
		err     error
	}
	results := make([]*probe, len(eps))
	var wg sync.WaitGroup
	for i, ep := range eps {
		wg.Add(1)
		go func(i int, ep *endpoint) {
			defer wg.Done()
			p := &probe{ep: ep}
			results[i] = p
			ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckTimeout)
			defer cancel()
			caller, err := ep.client(ctx, c.dial)
			if err != nil {
				p.err = err
				return
			}
			start := time.Now()
			p.err = caller.CallContext(ctx, &p.slot, "getSlot", commitmentConfig(Confirmed))
			p.latency = time.Since(start)
		}(i, ep)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return
	}

	var failedCurrent *probe
	c.mtx.Lock()
	now := time.Now()
	for _, p := range results {
		ep := p.ep
		if c.indexOf(ep.url) < 0 {
			continue // removed during the probe
		}
		isCurrent := c.endpoints[c.current] == ep
		if p.err != nil {
			ep.consecutiveFailures++
			ep.lastFailure = now
			if ep.healthy {
				c.log.Warnf("Health check failed for %s: %v", ep.url, p.err)
			}
			ep.healthy = false
			if isCurrent {
				failedCurrent = p
			}
			continue
		}
		if !ep.healthy {
			c.log.Infof("Endpoint %s is healthy again", ep.url)
		}
		ep.healthy = true
		ep.consecutiveFailures = 0
		ep.lastSuccess = now
		ep.latency = p.latency
		if isCurrent && p.slot > c.currentSlot {
			c.currentSlot = p.slot
		}
	}
	var from, to string
	var switched bool
	if failedCurrent != nil {
		from, to, switched = c.failover()
	}
	var statuses []*EndpointStatus
	if c.cfg.Observer != nil {
		for i, ep := range c.endpoints {
			statuses = append(statuses, c.statusLocked(i, ep))
		}
	}
	c.mtx.Unlock()

	if switched {
		c.notifyFailover(from, to, fmt.Sprintf("health check failed: %v", failedCurrent.err))
	}
	for _, s := range statuses {
		c.cfg.Observer(s)
	}
}
