// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package settle

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/dex"
)

// Token program addresses.
var (
	TokenProgram           = dex.MustParseAddress("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgram = dex.MustParseAddress("ATokenGPvbdGVxr1b2hvZbsiqW5xWRoTFuhY5ZxA7t1p")
)

// Token account layout: mint, owner, amount u64, ...
const (
	tokenAccountAmount  = 64
	tokenAccountMinSize = tokenAccountAmount + 8
	transferInstruction = "transfer"
)

// LedgerClient is the part of *ledger.Client used by the ledger provider.
type LedgerClient interface {
	SendBuilt(ctx context.Context, b ledger.TxBuilder, req *ledger.BuildRequest) (string, error)
	GetAccountInfo(ctx context.Context, addr dex.Address) (*ledger.Account, error)
}

// TokenAccount derives the wallet's associated token account for a mint.
func TokenAccount(wallet, mint dex.Address) (dex.Address, error) {
	addr, _, err := dex.FindProgramAddress([][]byte{wallet[:], TokenProgram[:], mint[:]}, AssociatedTokenProgram)
	return addr, err
}

// Ledger settles with public token transfers.
type Ledger struct {
	ledger  LedgerClient
	builder ledger.TxBuilder
	program dex.Address
	fee     uint64
	log     dex.Logger
}

var _ Provider = (*Ledger)(nil)

// NewLedger is the constructor for a Ledger provider.
func NewLedger(cfg *Config) (*Ledger, error) {
	if cfg.Ledger == nil || cfg.Builder == nil {
		return nil, errors.New("ledger settlement requires a ledger client and a transaction builder")
	}
	l := &Ledger{
		ledger:  cfg.Ledger,
		builder: cfg.Builder,
		program: cfg.TransferProgram,
		fee:     cfg.FlatFee,
		log:     cfg.Logger,
	}
	if l.program.IsZero() {
		l.program = TokenProgram
	}
	if l.log == nil {
		l.log = dex.Disabled
	}
	return l, nil
}

// Name is the provider name.
func (l *Ledger) Name() string {
	return LedgerProvider
}

// Transfer sends a public transfer and waits for it to confirm.
func (l *Ledger) Transfer(ctx context.Context, t *Transfer) (*Receipt, error) {
	if t.Visibility != Public {
		return nil, domainError(ErrUnsupported, "ledger transfers are public")
	}
	if t.Amount == 0 {
		return nil, domainError(ErrUnsupported, "zero amount")
	}
	from, err := TokenAccount(t.Sender, t.Token)
	if err != nil {
		return nil, err
	}
	to, err := TokenAccount(t.Recipient, t.Token)
	if err != nil {
		return nil, err
	}
	sig, err := l.ledger.SendBuilt(ctx, l.builder, &ledger.BuildRequest{
		Instruction: transferInstruction,
		Program:     l.program,
		Accounts:    []dex.Address{from, to, t.Sender, t.Token},
		Args:        map[string]any{"amount": t.Amount},
	})
	if err != nil {
		return nil, fmt.Errorf("transfer %s: %w", t, err)
	}
	l.log.Debugf("Transferred %s in %s", t, sig)
	return &Receipt{Success: true, Reference: sig, Fee: l.fee}, nil
}

// Balance reads the wallet's token account.
func (l *Ledger) Balance(ctx context.Context, wallet, token dex.Address) (uint64, bool, error) {
	addr, err := TokenAccount(wallet, token)
	if err != nil {
		return 0, false, err
	}
	acct, err := l.ledger.GetAccountInfo(ctx, addr)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(acct.Data) < tokenAccountMinSize {
		return 0, false, fmt.Errorf("token account %s too short: %d bytes", addr, len(acct.Data))
	}
	return binary.LittleEndian.Uint64(acct.Data[tokenAccountAmount:]), true, nil
}
