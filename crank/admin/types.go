// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"github.com/darkbook/crank/crank/ordlock"
	"github.com/darkbook/crank/dex"
)

// SwitchResult is the result of an endpoint switch request.
type SwitchResult struct {
	URL      string `json:"url"`
	Switched bool   `json:"switched"`
}

// ResetResult is the result of a breaker reset request.
type ResetResult struct {
	Breaker string `json:"breaker"`
}

// LocksResult lists the order locks.
type LocksResult struct {
	Stats *ordlock.Stats  `json:"stats"`
	Locks []*ordlock.Lock `json:"locks"`
}

// BalanceResult is a settlement provider balance. Balance is nil if the
// provider has no balance for the wallet.
type BalanceResult struct {
	Wallet  dex.Address `json:"wallet"`
	Token   dex.Address `json:"token"`
	Balance *uint64     `json:"balance"`
}
