// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dexnet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestErrorParsing(t *testing.T) {
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code": -150, "msg": "bad instruction"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	var errPayload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	err := Get(ctx, ts.URL, nil, WithErrorParsing(&errPayload))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest || statusErr.Temporary() {
		t.Fatalf("expected a permanent StatusError, got %v", err)
	}
	if errPayload.Code != -150 || errPayload.Msg != "bad instruction" {
		t.Fatal("unexpected error body")
	}
}

func TestPostJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" || r.Header.Get("X-Key") != "k" {
			http.Error(w, "bad headers", http.StatusBadRequest)
			return
		}
		var req struct {
			A int `json:"a"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]int{"b": req.A * 2})
	}))
	defer ts.Close()

	var resp struct {
		B int `json:"b"`
	}
	err := PostJSON(context.Background(), ts.URL, &resp, map[string]int{"a": 21}, WithRequestHeader("X-Key", "k"))
	if err != nil {
		t.Fatalf("PostJSON error: %v", err)
	}
	if resp.B != 42 {
		t.Fatalf("wrong response %d", resp.B)
	}
}

func TestTemporaryStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	var status int
	err := Get(context.Background(), ts.URL, nil, WithStatusFunc(func(c int) { status = c }))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || !statusErr.Temporary() || status != http.StatusServiceUnavailable {
		t.Fatalf("expected a temporary StatusError, got %v", err)
	}
}
