// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/dex"
	"github.com/darkbook/crank/dex/dexnet"
	"github.com/shopspring/decimal"
)

// DefaultShieldedFeeRate is the default maximum relayer fee, 0.3%.
var DefaultShieldedFeeRate = decimal.New(3, -3)

// Shielded settles through a privacy relayer. Transfers are private by
// default and the amount is hidden on the ledger.
type Shielded struct {
	url     string
	key     string
	feeRate decimal.Decimal
	log     dex.Logger
}

var _ Provider = (*Shielded)(nil)

// NewShielded is the constructor for a Shielded provider.
func NewShielded(cfg *Config) (*Shielded, error) {
	if cfg.RelayerURL == "" {
		return nil, errors.New("shielded settlement requires a relayer url")
	}
	if _, err := url.Parse(cfg.RelayerURL); err != nil {
		return nil, fmt.Errorf("bad relayer url: %w", err)
	}
	s := &Shielded{
		url:     strings.TrimSuffix(cfg.RelayerURL, "/"),
		key:     cfg.RelayerKey,
		feeRate: cfg.FeeRate,
		log:     cfg.Logger,
	}
	if s.feeRate.IsZero() {
		s.feeRate = DefaultShieldedFeeRate
	}
	if s.feeRate.IsNegative() || s.feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("invalid fee rate %s", s.feeRate)
	}
	if s.log == nil {
		s.log = dex.Disabled
	}
	return s, nil
}

// Name is the provider name.
func (s *Shielded) Name() string {
	return ShieldedProvider
}

// MaxFee is the largest fee the relayer may charge for an amount, rounded
// up.
func (s *Shielded) MaxFee(amt uint64) uint64 {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amt), 0).Mul(s.feeRate).Ceil().BigInt().Uint64()
}

type relayerError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *Shielded) opts(errResp *relayerError) []dexnet.RequestOption {
	opts := []dexnet.RequestOption{dexnet.WithErrorParsing(errResp)}
	if s.key != "" {
		opts = append(opts, dexnet.WithRequestHeader("X-Relayer-Key", s.key))
	}
	return opts
}

func (s *Shielded) wrapErr(err error, errResp *relayerError) error {
	if errResp.Code == "insufficient_funds" {
		return domainError(ErrInsufficientFunds, errResp.Error)
	}
	if errResp.Error != "" {
		return fmt.Errorf("%w: %s", err, errResp.Error)
	}
	return err
}

// Transfer asks the relayer to perform the transfer. The fee is capped at
// MaxFee.
func (s *Shielded) Transfer(ctx context.Context, t *Transfer) (*Receipt, error) {
	req := struct {
		*Transfer
		MaxFee uint64 `json:"maxFee"`
	}{t, s.MaxFee(t.Amount)}
	var resp struct {
		Reference    string          `json:"reference"`
		AmountHidden bool            `json:"amountHidden"`
		Fee          decimal.Decimal `json:"fee"`
	}
	var errResp relayerError
	if err := dexnet.PostJSON(ctx, s.url+"/transfer", &resp, req, s.opts(&errResp)...); err != nil {
		return nil, fmt.Errorf("relayer transfer %s: %w", t, s.wrapErr(err, &errResp))
	}
	if resp.Reference == "" {
		return nil, errors.New("relayer returned no reference")
	}
	if resp.Fee.IsNegative() || !resp.Fee.IsInteger() {
		return nil, fmt.Errorf("relayer reported invalid fee %s", resp.Fee)
	}
	fee := resp.Fee.BigInt().Uint64()
	if fee > req.MaxFee {
		s.log.Warnf("Relayer fee %d exceeds max fee %d for transfer %s", fee, req.MaxFee, resp.Reference)
	}
	return &Receipt{
		Success:      true,
		Reference:    resp.Reference,
		AmountHidden: resp.AmountHidden,
		Fee:          fee,
	}, nil
}

// Balance queries the relayer for the wallet's shielded balance.
func (s *Shielded) Balance(ctx context.Context, wallet, token dex.Address) (uint64, bool, error) {
	q := url.Values{}
	q.Set("wallet", wallet.String())
	q.Set("token", token.String())
	var resp struct {
		Balance *decimal.Decimal `json:"balance"`
	}
	var errResp relayerError
	var status int
	opts := append(s.opts(&errResp), dexnet.WithStatusFunc(func(c int) { status = c }))
	if err := dexnet.Get(ctx, s.url+"/balance?"+q.Encode(), &resp, opts...); err != nil {
		if status == http.StatusNotFound {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("relayer balance: %w", s.wrapErr(err, &errResp))
	}
	if resp.Balance == nil {
		return 0, false, nil
	}
	if resp.Balance.IsNegative() {
		return 0, false, ledger.WithClass(fmt.Errorf("negative balance %s", resp.Balance), ledger.ClassDomain)
	}
	return resp.Balance.BigInt().Uint64(), true, nil
}
