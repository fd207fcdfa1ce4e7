// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package admin provides a password protected https server for inspecting and
// steering a running crank.
package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/darkbook/crank/crank/breaker"
	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/crank/ordcache"
	"github.com/darkbook/crank/crank/ordlock"
	"github.com/darkbook/crank/crank/pipeline"
	"github.com/darkbook/crank/dex"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// requestTimeout bounds reads and writes, so an unauthenticated client
	// cannot hold a connection open.
	requestTimeout = 10 * time.Second
	authRealm      = `Basic realm="crank admin"`
)

var (
	log = dex.Disabled
)

// Crank is the view of the running crank that the server exposes.
type Crank interface {
	Status() *pipeline.Status
	EndpointHealth() *ledger.Health
	SwitchEndpoint(url string) bool
	Breakers() []breaker.Stats
	ResetBreaker(name string) bool
	Locks() ([]*ordlock.Lock, *ordlock.Stats)
	CacheStats() *ordcache.Stats
	Balance(ctx context.Context, wallet, token dex.Address) (uint64, bool, error)
}

// Server is the TLS admin API.
type Server struct {
	crank   Crank
	addr    string
	srv     *http.Server
	authSHA [32]byte
}

// SrvConfig configures a Server. A missing Cert and Key pair is generated
// for the Addr host.
type SrvConfig struct {
	Crank           Crank
	Addr, Cert, Key string
	AuthSHA         [32]byte
	// Metrics serves /metrics without authentication if set.
	Metrics http.Handler
}

// UseLogger sets the logger for the admin package.
func UseLogger(logger dex.Logger) {
	log = logger
}

// NewServer loads or generates the TLS pair and builds the router.
func NewServer(cfg *SrvConfig) (*Server, error) {
	if err := ensureCertPair(cfg.Cert, cfg.Key, cfg.Addr); err != nil {
		return nil, err
	}
	keypair, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("cannot load admin TLS pair: %w", err)
	}

	s := &Server{
		crank:   cfg.Crank,
		addr:    cfg.Addr,
		authSHA: cfg.AuthSHA,
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Use(logRequests)
	mux.Use(oneTimeConnection)

	if cfg.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	mux.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/ping", apiPing)
		r.Get("/status", s.apiStatus)
		r.Get("/endpoints", s.apiEndpoints)
		r.Post("/endpoints/switch", s.apiSwitchEndpoint)
		r.Get("/breakers", s.apiBreakers)
		r.Post("/breakers/{"+breakerNameKey+"}/reset", s.apiResetBreaker)
		r.Get("/locks", s.apiLocks)
		r.Get("/cache", s.apiCache)
		r.Get("/balance", s.apiBalance)
	})

	s.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{keypair},
			MinVersion:   tls.VersionTLS12,
		},
	}
	return s, nil
}

// Run serves until ctx is canceled. It returns an error only if the listener
// cannot be opened.
func (s *Server) Run(ctx context.Context) error {
	listener, err := tls.Listen("tcp", s.addr, s.srv.TLSConfig)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", s.addr, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Admin server shutdown: %v", err)
		}
	}()

	log.Infof("Admin server listening on %s", listener.Addr())
	if err := s.srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Warnf("Unexpected admin server error: %v", err)
	}
	wg.Wait()
	log.Infof("Admin server stopped")
	return nil
}

// logRequests logs each request with its status and duration.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debugf("%s %s from %s: %d in %s", r.Method, r.URL.Path, r.RemoteAddr,
			ww.Status(), time.Since(start))
	})
}

// oneTimeConnection marks the connection as not reusable.
func oneTimeConnection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		r.Close = true
		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires the admin password as the basic-auth password. The
// user name is ignored.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		passSHA := sha256.Sum256([]byte(pass))
		if !ok || subtle.ConstantTimeCompare(s.authSHA[:], passSHA[:]) != 1 {
			log.Warnf("Admin authentication failure from %s", r.RemoteAddr)
			w.Header().Add("WWW-Authenticate", authRealm)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
