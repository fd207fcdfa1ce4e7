// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package settle

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/dex"
	"github.com/shopspring/decimal"
)

var tLogger = dex.StdOutLogger("TEST", dex.LevelTrace)

func tAddr(b byte) dex.Address {
	var a dex.Address
	a[0] = b
	return a
}

func TestNew(t *testing.T) {
	if _, err := New("bogus", &Config{}); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if _, err := New(LedgerProvider, &Config{}); err == nil {
		t.Fatalf("no error for ledger provider without a client")
	}
	if _, err := New(ShieldedProvider, &Config{}); err == nil {
		t.Fatalf("no error for shielded provider without a url")
	}
	if _, err := New(ShieldedProvider, &Config{RelayerURL: "http://x", FeeRate: decimal.NewFromInt(2)}); err == nil {
		t.Fatalf("no error for fee rate above 1")
	}
	p, err := New(SimnetProvider, &Config{})
	if err != nil || p.Name() != SimnetProvider {
		t.Fatalf("New simnet: %v", err)
	}
}

func TestSimnet(t *testing.T) {
	ctx := context.Background()
	s := NewSimnet(tLogger)
	alice, bob, token := tAddr(1), tAddr(2), tAddr(3)
	s.Fund(alice, token, 100)

	r, err := s.Transfer(ctx, &Transfer{Sender: alice, Recipient: bob, Token: token, Amount: 60, Visibility: Private})
	if err != nil || !r.Success || !r.AmountHidden || r.Reference == "" {
		t.Fatalf("Transfer: %+v, %v", r, err)
	}
	_, err = s.Transfer(ctx, &Transfer{Sender: alice, Recipient: bob, Token: token, Amount: 41})
	if !errors.Is(err, ErrInsufficientFunds) || ledger.Classify(err) != ledger.ClassDomain {
		t.Fatalf("expected a domain insufficient funds error, got %v", err)
	}
	if bal, found, _ := s.Balance(ctx, bob, token); !found || bal != 60 {
		t.Fatalf("wrong recipient balance %d", bal)
	}
	if _, found, _ := s.Balance(ctx, bob, tAddr(9)); found {
		t.Fatalf("balance found for unknown token")
	}
	if len(s.Transfers()) != 1 {
		t.Fatalf("wrong transfer count")
	}
}

type tLedger struct {
	reqs     []*ledger.BuildRequest
	accounts map[dex.Address]*ledger.Account
}

func (l *tLedger) SendBuilt(_ context.Context, _ ledger.TxBuilder, req *ledger.BuildRequest) (string, error) {
	l.reqs = append(l.reqs, req)
	return "sig", nil
}

func (l *tLedger) GetAccountInfo(_ context.Context, addr dex.Address) (*ledger.Account, error) {
	a, found := l.accounts[addr]
	if !found {
		return nil, dex.NewError(ledger.ErrAccountNotFound, addr.String())
	}
	return a, nil
}

type tBuilder struct{}

func (tBuilder) BuildTx(context.Context, *ledger.BuildRequest) ([]byte, error) { return []byte{1}, nil }

func TestLedgerProvider(t *testing.T) {
	ctx := context.Background()
	l := &tLedger{accounts: make(map[dex.Address]*ledger.Account)}
	p, err := NewLedger(&Config{Ledger: l, Builder: tBuilder{}, FlatFee: 5000, Logger: tLogger})
	if err != nil {
		t.Fatal(err)
	}
	alice, bob, mint := tAddr(1), tAddr(2), tAddr(3)

	if _, err := p.Transfer(ctx, &Transfer{Sender: alice, Recipient: bob, Token: mint, Amount: 1, Visibility: Private}); ledger.Classify(err) != ledger.ClassDomain {
		t.Fatalf("private transfer not rejected as domain error: %v", err)
	}
	r, err := p.Transfer(ctx, &Transfer{Sender: alice, Recipient: bob, Token: mint, Amount: 10})
	if err != nil || r.Reference != "sig" || r.Fee != 5000 || r.AmountHidden {
		t.Fatalf("Transfer: %+v, %v", r, err)
	}
	from, _ := TokenAccount(alice, mint)
	to, _ := TokenAccount(bob, mint)
	req := l.reqs[0]
	if req.Program != TokenProgram || req.Accounts[0] != from || req.Accounts[1] != to || req.Args["amount"] != uint64(10) {
		t.Fatalf("wrong build request %+v", req)
	}

	if _, found, err := p.Balance(ctx, bob, mint); err != nil || found {
		t.Fatalf("balance found for missing token account: %v", err)
	}
	data := make([]byte, 165)
	binary.LittleEndian.PutUint64(data[tokenAccountAmount:], 777)
	l.accounts[to] = &ledger.Account{Address: to, Data: data}
	if bal, found, err := p.Balance(ctx, bob, mint); err != nil || !found || bal != 777 {
		t.Fatalf("Balance: %d, %t, %v", bal, found, err)
	}
}

func TestShielded(t *testing.T) {
	ctx := context.Background()
	var gotMaxFee uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Relayer-Key") != "key" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/transfer":
			var req struct {
				Amount     uint64 `json:"amount"`
				MaxFee     uint64 `json:"maxFee"`
				Visibility string `json:"visibility"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			gotMaxFee = req.MaxFee
			if req.Amount > 1000 {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"code": "insufficient_funds", "error": "not enough"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"reference": "r1", "amountHidden": req.Visibility == "private", "fee": "2"})
		case "/balance":
			if r.URL.Query().Get("wallet") != tAddr(1).String() {
				http.NotFound(w, r)
				return
			}
			w.Write([]byte(`{"balance":"12345"}`))
		}
	}))
	defer srv.Close()

	s, err := NewShielded(&Config{RelayerURL: srv.URL + "/", RelayerKey: "key", Logger: tLogger})
	if err != nil {
		t.Fatal(err)
	}
	if s.MaxFee(1000) != 3 || s.MaxFee(1001) != 4 {
		t.Fatalf("wrong max fees %d, %d", s.MaxFee(1000), s.MaxFee(1001))
	}

	r, err := s.Transfer(ctx, &Transfer{Sender: tAddr(1), Recipient: tAddr(2), Token: tAddr(3), Amount: 1000, Visibility: Private})
	if err != nil || r.Reference != "r1" || !r.AmountHidden || r.Fee != 2 || gotMaxFee != 3 {
		t.Fatalf("Transfer: %+v, %v (max fee %d)", r, err, gotMaxFee)
	}
	_, err = s.Transfer(ctx, &Transfer{Sender: tAddr(1), Recipient: tAddr(2), Token: tAddr(3), Amount: 1001})
	if !errors.Is(err, ErrInsufficientFunds) || ledger.Classify(err) != ledger.ClassDomain {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	if bal, found, err := s.Balance(ctx, tAddr(1), tAddr(3)); err != nil || !found || bal != 12345 {
		t.Fatalf("Balance: %d, %t, %v", bal, found, err)
	}
	if _, found, err := s.Balance(ctx, tAddr(2), tAddr(3)); err != nil || found {
		t.Fatalf("expected not found, got %t, %v", found, err)
	}
}
