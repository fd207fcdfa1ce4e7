// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/darkbook/crank/crank/breaker"
	"github.com/darkbook/crank/dex"
	"github.com/darkbook/crank/dex/wait"
)

// Commitment is the ledger confirmation level a request is evaluated at.
type Commitment string

const (
	Processed Commitment = "processed"
	Confirmed Commitment = "confirmed"
	Finalized Commitment = "finalized"
)

func commitmentConfig(c Commitment) map[string]any {
	return map[string]any{"commitment": c}
}

// Filter is one account-scan filter. Exactly one field should be set.
type Filter struct {
	DataSize uint64
	Memcmp   *Memcmp
}

// Memcmp matches account data bytes at an offset.
type Memcmp struct {
	Offset uint64
	Bytes  []byte
}

// MarshalJSON encodes the filter in the node's format.
func (f Filter) MarshalJSON() ([]byte, error) {
	if f.Memcmp != nil {
		return json.Marshal(map[string]any{
			"memcmp": map[string]any{
				"offset":   f.Memcmp.Offset,
				"bytes":    base64.StdEncoding.EncodeToString(f.Memcmp.Bytes),
				"encoding": "base64",
			},
		})
	}
	return json.Marshal(map[string]any{"dataSize": f.DataSize})
}

// accountData decodes the ["<base64>", "base64"] data form.
type accountData []byte

func (d *accountData) UnmarshalJSON(b []byte) error {
	var parts []string
	if err := json.Unmarshal(b, &parts); err != nil {
		return fmt.Errorf("account data: %w", err)
	}
	if len(parts) != 2 || parts[1] != "base64" {
		return fmt.Errorf("unexpected account data encoding %v", parts)
	}
	raw, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return err
	}
	*d = raw
	return nil
}

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

type rpcAccount struct {
	Data     accountData `json:"data"`
	Owner    dex.Address `json:"owner"`
	Lamports uint64      `json:"lamports"`
}

// Account is an account's data as of a slot.
type Account struct {
	Address  dex.Address
	Data     []byte
	Owner    dex.Address
	Lamports uint64
	Slot     uint64
}

// SignatureStatus is the status of a submitted transaction.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus Commitment      `json:"confirmationStatus"`
}

// Failed is true if the transaction landed with an error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Reached is true if the status is at least the given commitment.
func (s *SignatureStatus) Reached(c Commitment) bool {
	rank := map[Commitment]int{Processed: 1, Confirmed: 2, Finalized: 3}
	return rank[s.ConfirmationStatus] >= rank[c]
}

// ClientConfig is the configuration for a Client.
type ClientConfig struct {
	Failover   *FailoverClient
	Breaker    *breaker.Breaker
	Commitment Commitment
	ExecOpts   ExecOpts
	// ConfirmTimeout bounds WaitConfirmed.
	ConfirmTimeout time.Duration
	Logger         dex.Logger
}

// Client makes typed ledger calls. Every call goes through the breaker and
// then through the failover client.
type Client struct {
	fc         *FailoverClient
	brk        *breaker.Breaker
	commitment Commitment
	opts       ExecOpts
	confirmTTL time.Duration
	log        dex.Logger
	confirmQ   *wait.TaperingTickerQueue
}

// NewClient is the constructor for a Client.
func NewClient(cfg *ClientConfig) *Client {
	c := &Client{
		fc:         cfg.Failover,
		brk:        cfg.Breaker,
		commitment: cfg.Commitment,
		opts:       cfg.ExecOpts,
		confirmTTL: cfg.ConfirmTimeout,
		log:        cfg.Logger,
		confirmQ:   wait.NewTaperingTickerQueue(400*time.Millisecond, 4*time.Second),
	}
	if c.commitment == "" {
		c.commitment = Confirmed
	}
	if c.confirmTTL <= 0 {
		c.confirmTTL = 90 * time.Second
	}
	if c.log == nil {
		c.log = dex.Disabled
	}
	if c.brk == nil {
		c.brk = breaker.New(&breaker.Config{Name: "ledger", IsFailure: BreakerFailure, Logger: c.log})
	}
	return c
}

// Run runs the confirmation queue until the context is canceled.
func (c *Client) Run(ctx context.Context) {
	c.confirmQ.Run(ctx)
}

// Failover is the underlying FailoverClient.
func (c *Client) Failover() *FailoverClient {
	return c.fc
}

// Breaker is the breaker protecting the client's calls.
func (c *Client) Breaker() *breaker.Breaker {
	return c.brk
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	return c.brk.Execute(func() error {
		return c.fc.Execute(ctx, &c.opts, func(ctx context.Context, caller Caller) error {
			return caller.CallContext(ctx, result, method, args...)
		})
	})
}

func (c *Client) accountConfig() map[string]any {
	return map[string]any{
		"encoding":   "base64",
		"commitment": c.commitment,
	}
}

// GetAccountInfo fetches one account. ErrAccountNotFound is returned if the
// account does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, addr dex.Address) (*Account, error) {
	var res struct {
		Context rpcContext  `json:"context"`
		Value   *rpcAccount `json:"value"`
	}
	if err := c.call(ctx, &res, "getAccountInfo", addr.String(), c.accountConfig()); err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: %w", addr, err)
	}
	if res.Value == nil {
		return nil, dex.NewError(ErrAccountNotFound, addr.String())
	}
	return &Account{
		Address:  addr,
		Data:     res.Value.Data,
		Owner:    res.Value.Owner,
		Lamports: res.Value.Lamports,
		Slot:     res.Context.Slot,
	}, nil
}

// GetMultipleAccounts fetches accounts in one call. Missing accounts are nil
// in the returned slice.
func (c *Client) GetMultipleAccounts(ctx context.Context, addrs []dex.Address) ([]*Account, error) {
	strs := make([]string, len(addrs))
	for i, a := range addrs {
		strs[i] = a.String()
	}
	var res struct {
		Context rpcContext    `json:"context"`
		Value   []*rpcAccount `json:"value"`
	}
	if err := c.call(ctx, &res, "getMultipleAccounts", strs, c.accountConfig()); err != nil {
		return nil, fmt.Errorf("getMultipleAccounts: %w", err)
	}
	if len(res.Value) != len(addrs) {
		return nil, fmt.Errorf("getMultipleAccounts: requested %d accounts, got %d", len(addrs), len(res.Value))
	}
	accts := make([]*Account, len(addrs))
	for i, v := range res.Value {
		if v == nil {
			continue
		}
		accts[i] = &Account{
			Address:  addrs[i],
			Data:     v.Data,
			Owner:    v.Owner,
			Lamports: v.Lamports,
			Slot:     res.Context.Slot,
		}
	}
	return accts, nil
}

// GetProgramAccounts scans the accounts owned by a program that match every
// filter.
func (c *Client) GetProgramAccounts(ctx context.Context, program dex.Address, filters []Filter) ([]*Account, error) {
	cfg := c.accountConfig()
	cfg["filters"] = filters
	cfg["withContext"] = true
	var res struct {
		Context rpcContext `json:"context"`
		Value   []struct {
			Pubkey  dex.Address `json:"pubkey"`
			Account rpcAccount  `json:"account"`
		} `json:"value"`
	}
	if err := c.call(ctx, &res, "getProgramAccounts", program.String(), cfg); err != nil {
		return nil, fmt.Errorf("getProgramAccounts %s: %w", program, err)
	}
	accts := make([]*Account, 0, len(res.Value))
	for _, v := range res.Value {
		accts = append(accts, &Account{
			Address:  v.Pubkey,
			Data:     v.Account.Data,
			Owner:    v.Account.Owner,
			Lamports: v.Account.Lamports,
			Slot:     res.Context.Slot,
		})
	}
	return accts, nil
}

// GetSlot returns the current slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, &slot, "getSlot", commitmentConfig(c.commitment)); err != nil {
		return 0, fmt.Errorf("getSlot: %w", err)
	}
	return slot, nil
}

// GetLatestBlockhash returns a recent blockhash for transaction building.
func (c *Client) GetLatestBlockhash(ctx context.Context) (string, uint64, error) {
	var res struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, &res, "getLatestBlockhash", commitmentConfig(c.commitment)); err != nil {
		return "", 0, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	return res.Value.Blockhash, res.Value.LastValidBlockHeight, nil
}

// SendTransaction submits a signed, serialized transaction and returns its
// signature.
func (c *Client) SendTransaction(ctx context.Context, tx []byte) (string, error) {
	var sig string
	cfg := map[string]any{
		"encoding":            "base64",
		"preflightCommitment": c.commitment,
		// Retries are ours.
		"maxRetries": 0,
	}
	if err := c.call(ctx, &sig, "sendTransaction", base64.StdEncoding.EncodeToString(tx), cfg); err != nil {
		return "", fmt.Errorf("sendTransaction: %w", err)
	}
	return sig, nil
}

// GetSignatureStatuses returns the statuses of transactions. Unknown
// signatures are nil in the returned slice.
func (c *Client) GetSignatureStatuses(ctx context.Context, sigs []string) ([]*SignatureStatus, error) {
	var res struct {
		Value []*SignatureStatus `json:"value"`
	}
	cfg := map[string]any{"searchTransactionHistory": false}
	if err := c.call(ctx, &res, "getSignatureStatuses", sigs, cfg); err != nil {
		return nil, fmt.Errorf("getSignatureStatuses: %w", err)
	}
	if len(res.Value) != len(sigs) {
		return nil, fmt.Errorf("getSignatureStatuses: requested %d, got %d", len(sigs), len(res.Value))
	}
	return res.Value, nil
}

// WaitConfirmed blocks until the transaction reaches the client's commitment,
// lands with an error, or the confirmation timeout passes. Polling happens on
// the Run goroutine's tapering queue.
func (c *Client) WaitConfirmed(ctx context.Context, sig string) (*SignatureStatus, error) {
	type result struct {
		status *SignatureStatus
		err    error
	}
	resC := make(chan *result, 1)
	c.confirmQ.Wait(&wait.Waiter{
		Expiration: time.Now().Add(c.confirmTTL),
		TryFunc: func() wait.TryDirective {
			if ctx.Err() != nil {
				resC <- &result{err: ctx.Err()}
				return wait.DontTryAgain
			}
			pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			statuses, err := c.GetSignatureStatuses(pollCtx, []string{sig})
			if err != nil {
				if errors.Is(err, breaker.ErrCircuitOpen) || Classify(err).Retryable() {
					c.log.Debugf("Error polling transaction %s status: %v", sig, err)
					return wait.TryAgain
				}
				resC <- &result{err: err}
				return wait.DontTryAgain
			}
			st := statuses[0]
			switch {
			case st == nil:
				return wait.TryAgain
			case st.Failed():
				resC <- &result{status: st, err: &TxError{Signature: sig, Err: string(st.Err)}}
				return wait.DontTryAgain
			case st.Reached(c.commitment):
				resC <- &result{status: st}
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
		ExpireFunc: func() {
			resC <- &result{err: dex.NewError(ErrNotConfirmed, sig)}
		},
	})
	select {
	case r := <-resC:
		return r.status, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
