// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/darkbook/crank/dex"
	"github.com/go-chi/chi/v5"
)

const (
	pongStr        = "pong"
	breakerNameKey = "name"
	balanceTimeout = 10 * time.Second
)

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter. The response code is assumed to be StatusOK.
func writeJSON(w http.ResponseWriter, thing any) {
	writeJSONWithStatus(w, thing, http.StatusOK)
}

// writeJSONWithStatus marshals the provided interface and writes the bytes to
// the ResponseWriter with the specified response code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(thing); err != nil {
		log.Errorf("JSON encode error: %v", err)
	}
}

// apiPing is the handler for the '/ping' API request.
func apiPing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, pongStr)
}

// apiStatus is the handler for the '/status' API request.
func (s *Server) apiStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.crank.Status())
}

// apiEndpoints is the handler for the '/endpoints' API request.
func (s *Server) apiEndpoints(w http.ResponseWriter, _ *http.Request) {
	health := s.crank.EndpointHealth()
	if health == nil {
		http.Error(w, "endpoint health unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, health)
}

// handler for route '/endpoints/switch?url=URL'
func (s *Server) apiSwitchEndpoint(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}
	if !s.crank.SwitchEndpoint(url) {
		http.Error(w, fmt.Sprintf("unknown endpoint %q", url), http.StatusBadRequest)
		return
	}
	log.Infof("Switched RPC endpoint to %s by admin request", url)
	writeJSON(w, &SwitchResult{URL: url, Switched: true})
}

// apiBreakers is the handler for the '/breakers' API request.
func (s *Server) apiBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.crank.Breakers())
}

// handler for route '/breakers/{name}/reset'
func (s *Server) apiResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, breakerNameKey)
	if !s.crank.ResetBreaker(name) {
		http.Error(w, fmt.Sprintf("unknown breaker %q", name), http.StatusBadRequest)
		return
	}
	log.Infof("Reset breaker %s by admin request", name)
	writeJSON(w, &ResetResult{Breaker: name})
}

// apiLocks is the handler for the '/locks' API request.
func (s *Server) apiLocks(w http.ResponseWriter, _ *http.Request) {
	locks, stats := s.crank.Locks()
	writeJSON(w, &LocksResult{Stats: stats, Locks: locks})
}

// apiCache is the handler for the '/cache' API request.
func (s *Server) apiCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.crank.CacheStats())
}

// handler for route '/balance?wallet=ADDR&token=ADDR'
func (s *Server) apiBalance(w http.ResponseWriter, r *http.Request) {
	wallet, err := dex.ParseAddress(r.URL.Query().Get("wallet"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid wallet: %v", err), http.StatusBadRequest)
		return
	}
	token, err := dex.ParseAddress(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid token: %v", err), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), balanceTimeout)
	defer cancel()
	bal, found, err := s.crank.Balance(ctx, wallet, token)
	if err != nil {
		log.Errorf("Balance error for %s/%s: %v", wallet, token, err)
		http.Error(w, "balance request failed", http.StatusBadGateway)
		return
	}
	res := &BalanceResult{Wallet: wallet, Token: token}
	if found {
		res.Balance = &bal
	}
	writeJSON(w, res)
}
