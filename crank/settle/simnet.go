// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package settle

import (
	"context"
	"fmt"
	"sync"

	"github.com/darkbook/crank/dex"
	"github.com/google/uuid"
)

type balanceKey struct {
	wallet dex.Address
	token  dex.Address
}

// Simnet is an in-memory provider for development and tests.
type Simnet struct {
	log dex.Logger

	mtx       sync.Mutex
	balances  map[balanceKey]uint64
	transfers []*Transfer
}

var _ Provider = (*Simnet)(nil)

// NewSimnet is the constructor for a Simnet provider.
func NewSimnet(log dex.Logger) *Simnet {
	if log == nil {
		log = dex.Disabled
	}
	return &Simnet{
		log:      log,
		balances: make(map[balanceKey]uint64),
	}
}

// Name is the provider name.
func (s *Simnet) Name() string {
	return SimnetProvider
}

// Fund credits a wallet.
func (s *Simnet) Fund(wallet, token dex.Address, amt uint64) {
	s.mtx.Lock()
	s.balances[balanceKey{wallet, token}] += amt
	s.mtx.Unlock()
}

// Transfers returns the transfers performed so far.
func (s *Simnet) Transfers() []*Transfer {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]*Transfer(nil), s.transfers...)
}

// Transfer moves the amount between in-memory balances.
func (s *Simnet) Transfer(ctx context.Context, t *Transfer) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	from := balanceKey{t.Sender, t.Token}
	if bal := s.balances[from]; bal < t.Amount {
		return nil, domainError(ErrInsufficientFunds, fmt.Sprintf("%s has %d, needs %d", t.Sender, bal, t.Amount))
	}
	s.balances[from] -= t.Amount
	s.balances[balanceKey{t.Recipient, t.Token}] += t.Amount
	cp := *t
	s.transfers = append(s.transfers, &cp)
	ref := uuid.NewString()
	s.log.Debugf("Simnet transfer %s: %s", ref, t)
	return &Receipt{
		Success:      true,
		Reference:    ref,
		AmountHidden: t.Visibility == Private,
	}, nil
}

// Balance returns the in-memory balance.
func (s *Simnet) Balance(_ context.Context, wallet, token dex.Address) (uint64, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	bal, found := s.balances[balanceKey{wallet, token}]
	return bal, found, nil
}
