// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/darkbook/crank/dex"
)

type tSidecar struct {
	mtx    sync.Mutex
	builds []*BuildRequest
	auth   string
}

func (s *tSidecar) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/build" {
		http.NotFound(w, r)
		return
	}
	var req BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mtx.Lock()
	s.builds = append(s.builds, &req)
	s.auth = r.Header.Get("Authorization")
	s.mtx.Unlock()
	if req.Instruction == "bogus" {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown instruction"})
		return
	}
	json.NewEncoder(w).Encode(map[string][]byte{"tx": {0xde, 0xad}})
}

func TestSendBuilt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sidecar := &tSidecar{}
	srv := httptest.NewServer(http.HandlerFunc(sidecar.handler))
	defer srv.Close()
	builder := NewRemoteBuilder(srv.URL+"/", "secret")

	c, caller := newTestClient(t)
	go c.Run(ctx)
	caller.responses["getLatestBlockhash"] = `{"context":{"slot":1},"value":{"blockhash":"H1","lastValidBlockHeight":10}}`
	caller.responses["sendTransaction"] = `"sig1"`
	caller.responses["getSignatureStatuses"] = `{"context":{"slot":2},"value":[{"slot":2,"confirmations":1,"err":null,"confirmationStatus":"confirmed"}]}`

	req := &BuildRequest{Instruction: "queue_computation", Program: tAddr(4), Accounts: []dex.Address{tAddr(5)}}
	sig, err := c.SendBuilt(ctx, builder, req)
	if err != nil || sig != "sig1" {
		t.Fatalf("SendBuilt: %q, %v", sig, err)
	}
	if len(sidecar.builds) != 1 || sidecar.builds[0].Blockhash != "H1" || sidecar.builds[0].Accounts[0] != tAddr(5) {
		t.Fatalf("wrong build request %+v", sidecar.builds)
	}
	if sidecar.auth != "Bearer secret" {
		t.Fatalf("wrong auth header %q", sidecar.auth)
	}
	if req.Blockhash != "" {
		t.Fatalf("caller's request modified")
	}

	// Builder rejections are not retried.
	sends := caller.callCount()
	_, err = c.SendBuilt(ctx, builder, &BuildRequest{Instruction: "bogus"})
	if err == nil || Classify(err) != ClassDomain {
		t.Fatalf("expected a domain error, got %v", err)
	}
	if caller.callCount() != sends+1 { // getLatestBlockhash only
		t.Fatalf("transaction sent after a failed build")
	}

	// A stale blockhash is rebuilt.
	caller.setErr("sendTransaction", &tRPCError{codeSendTxPreflightFailure, "Transaction simulation failed: Blockhash not found"})
	sidecar.builds = nil
	_, err = c.SendBuilt(ctx, builder, req)
	if Classify(err) != ClassStale {
		t.Fatalf("expected a stale error, got %v", err)
	}
	if len(sidecar.builds) != maxStaleRebuilds {
		t.Fatalf("wanted %d builds, got %d", maxStaleRebuilds, len(sidecar.builds))
	}
}
