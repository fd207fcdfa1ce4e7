// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package settle moves value between the parties of a match. Providers are
// interchangeable and chosen by configuration.
package settle

import (
	"context"
	"fmt"

	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/dex"
	"github.com/shopspring/decimal"
)

const (
	ErrInsufficientFunds = dex.ErrorKind("insufficient funds")
	ErrUnsupported       = dex.ErrorKind("unsupported by provider")
	ErrUnknownProvider   = dex.ErrorKind("unknown settlement provider")
)

// Visibility is whether the transferred amount is visible on the ledger.
type Visibility uint8

const (
	Public Visibility = iota
	Private
)

// String returns the string representation of a Visibility.
func (v Visibility) String() string {
	if v == Private {
		return "private"
	}
	return "public"
}

// MarshalText satisfies encoding.TextMarshaler.
func (v Visibility) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Transfer is one movement of tokens.
type Transfer struct {
	Sender     dex.Address `json:"sender"`
	Recipient  dex.Address `json:"recipient"`
	Token      dex.Address `json:"token"`
	Amount     uint64      `json:"amount"`
	Visibility Visibility  `json:"visibility"`
}

// String is a short description for logs.
func (t *Transfer) String() string {
	return fmt.Sprintf("%d of %s from %s to %s (%s)", t.Amount, t.Token, t.Sender, t.Recipient, t.Visibility)
}

// Receipt is the outcome of a transfer.
type Receipt struct {
	Success      bool   `json:"success"`
	Reference    string `json:"reference"`
	AmountHidden bool   `json:"amountHidden"`
	Fee          uint64 `json:"fee"`
}

// Provider is a settlement backend.
type Provider interface {
	Name() string
	Transfer(ctx context.Context, t *Transfer) (*Receipt, error)
	// Balance returns the wallet's balance of the token. found is false if
	// the wallet holds no account for the token.
	Balance(ctx context.Context, wallet, token dex.Address) (amt uint64, found bool, err error)
}

// Provider names.
const (
	LedgerProvider   = "ledger"
	ShieldedProvider = "shielded"
	SimnetProvider   = "simnet"
)

// Config is the configuration for every provider. Each provider reads the
// fields it needs.
type Config struct {
	// Ledger and Builder are used by the ledger provider.
	Ledger  LedgerClient
	Builder ledger.TxBuilder
	// TransferProgram is the program that executes ledger transfers.
	TransferProgram dex.Address
	// FlatFee is the ledger provider's per-transfer fee in lamports.
	FlatFee uint64

	// RelayerURL and RelayerKey address the shielded relayer.
	RelayerURL string
	RelayerKey string
	// FeeRate is the shielded provider's maximum fee as a fraction of the
	// amount.
	FeeRate decimal.Decimal

	Logger dex.Logger
}

// New creates the provider with the given name.
func New(name string, cfg *Config) (Provider, error) {
	switch name {
	case LedgerProvider:
		return NewLedger(cfg)
	case ShieldedProvider:
		return NewShielded(cfg)
	case SimnetProvider:
		return NewSimnet(cfg.Logger), nil
	}
	return nil, dex.NewError(ErrUnknownProvider, name)
}

func domainError(kind dex.ErrorKind, detail string) error {
	return ledger.WithClass(dex.NewError(kind, detail), ledger.ClassDomain)
}
