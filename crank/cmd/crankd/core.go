// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"

	"github.com/darkbook/crank/crank/admin"
	"github.com/darkbook/crank/crank/breaker"
	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/crank/ordcache"
	"github.com/darkbook/crank/crank/ordlock"
	"github.com/darkbook/crank/crank/pipeline"
	"github.com/darkbook/crank/crank/settle"
	"github.com/darkbook/crank/dex"
)

// crankCore is the admin server's view of the running components.
type crankCore struct {
	pipe     *pipeline.Pipeline
	fc       *ledger.FailoverClient
	breakers *breaker.Set
	locks    *ordlock.Manager
	cache    *ordcache.Cache
	settler  settle.Provider
}

var _ admin.Crank = (*crankCore)(nil)

func (c *crankCore) Status() *pipeline.Status {
	return c.pipe.Status()
}

func (c *crankCore) EndpointHealth() *ledger.Health {
	return c.fc.Health()
}

func (c *crankCore) SwitchEndpoint(url string) bool {
	return c.fc.SwitchTo(url)
}

func (c *crankCore) Breakers() []breaker.Stats {
	return c.breakers.Snapshot()
}

// ResetBreaker closes the named breaker. Unknown names are not created.
func (c *crankCore) ResetBreaker(name string) bool {
	for _, st := range c.breakers.Snapshot() {
		if st.Name == name {
			c.breakers.Get(name).Reset()
			log.Infof("Breaker %s reset by admin", name)
			return true
		}
	}
	return false
}

func (c *crankCore) Locks() ([]*ordlock.Lock, *ordlock.Stats) {
	return c.locks.Snapshot(), c.locks.Stats()
}

func (c *crankCore) CacheStats() *ordcache.Stats {
	return c.cache.Stats()
}

func (c *crankCore) Balance(ctx context.Context, wallet, token dex.Address) (uint64, bool, error) {
	return c.settler.Balance(ctx, wallet, token)
}
