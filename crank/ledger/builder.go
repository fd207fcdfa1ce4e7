// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/darkbook/crank/dex"
	"github.com/darkbook/crank/dex/dexnet"
)

// maxStaleRebuilds is how many times SendBuilt refreshes the blockhash when
// the node reports it stale.
const maxStaleRebuilds = 3

// BuildRequest describes one instruction for the transaction builder. The
// builder holds the fee payer key and signs.
type BuildRequest struct {
	Instruction string         `json:"instruction"`
	Program     dex.Address    `json:"program"`
	Accounts    []dex.Address  `json:"accounts"`
	Args        map[string]any `json:"args,omitempty"`
	Blockhash   string         `json:"blockhash"`
}

// TxBuilder builds signed, serialized transactions.
type TxBuilder interface {
	BuildTx(ctx context.Context, req *BuildRequest) ([]byte, error)
}

// RemoteBuilder is a TxBuilder backed by the builder sidecar's HTTP API.
type RemoteBuilder struct {
	url    string
	apiKey string
}

// NewRemoteBuilder is the constructor for a RemoteBuilder. apiKey may be
// empty.
func NewRemoteBuilder(url, apiKey string) *RemoteBuilder {
	return &RemoteBuilder{
		url:    strings.TrimSuffix(url, "/"),
		apiKey: apiKey,
	}
}

// BuildTx posts the request to the sidecar's /build endpoint.
func (b *RemoteBuilder) BuildTx(ctx context.Context, req *BuildRequest) ([]byte, error) {
	var resp struct {
		Tx []byte `json:"tx"`
	}
	var errResp struct {
		Error string `json:"error"`
	}
	opts := []dexnet.RequestOption{dexnet.WithErrorParsing(&errResp)}
	if b.apiKey != "" {
		opts = append(opts, dexnet.WithRequestHeader("Authorization", "Bearer "+b.apiKey))
	}
	if err := dexnet.PostJSON(ctx, b.url+"/build", &resp, req, opts...); err != nil {
		if errResp.Error != "" {
			return nil, fmt.Errorf("%w: %s", err, errResp.Error)
		}
		return nil, err
	}
	if len(resp.Tx) == 0 {
		return nil, errors.New("builder returned an empty transaction")
	}
	return resp.Tx, nil
}

// SendBuilt builds the transaction against a fresh blockhash, submits it and
// waits for confirmation. If the blockhash is reported stale, the
// transaction is rebuilt and resubmitted.
func (c *Client) SendBuilt(ctx context.Context, b TxBuilder, req *BuildRequest) (string, error) {
	for attempt := 1; ; attempt++ {
		hash, _, err := c.GetLatestBlockhash(ctx)
		if err != nil {
			return "", err
		}
		r := *req
		r.Blockhash = hash
		tx, err := b.BuildTx(ctx, &r)
		if err != nil {
			return "", fmt.Errorf("build %s: %w", req.Instruction, err)
		}
		sig, err := c.SendTransaction(ctx, tx)
		if err == nil {
			if _, err = c.WaitConfirmed(ctx, sig); err == nil {
				return sig, nil
			}
		}
		if Classify(err) == ClassStale && attempt < maxStaleRebuilds {
			c.log.Debugf("Rebuilding %s after stale submission: %v", req.Instruction, err)
			continue
		}
		return sig, err
	}
}
