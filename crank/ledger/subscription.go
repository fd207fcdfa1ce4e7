// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/darkbook/crank/dex"
	"github.com/darkbook/crank/dex/utils"
	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	maxReconnectDelay = time.Minute

	DefaultPingInterval      = 20 * time.Second
	DefaultReconnectBase     = 500 * time.Millisecond
	DefaultReconnectMaxTries = 8
)

// Notification is an account change. Empty Data means the account was
// closed.
type Notification struct {
	Address dex.Address
	Data    []byte
	Slot    uint64
}

// Deleted is true if the notification reports a closed account.
func (n *Notification) Deleted() bool {
	return len(n.Data) == 0
}

// WsConn is the part of *websocket.Conn used by a Subscription.
type WsConn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ WsConn = (*websocket.Conn)(nil)

// WsDialFunc opens a websocket connection.
type WsDialFunc func(ctx context.Context, url string) (WsConn, error)

func dialWebsocket(ctx context.Context, u string) (WsConn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// WebsocketURL converts an http(s) RPC URL to its ws(s) equivalent. ws(s)
// URLs are returned unchanged.
func WebsocketURL(rpcURL string) (string, error) {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse url %q: %w", rpcURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unknown scheme for endpoint %q: %q", rpcURL, u.Scheme)
	}
	return u.String(), nil
}

// SubscriptionConfig is the configuration for a Subscription.
type SubscriptionConfig struct {
	// Endpoint returns the URL to dial. It is called for every connection
	// attempt so that the subscription follows endpoint failover.
	Endpoint func() string
	// Program, if set, subscribes to every account owned by the program that
	// matches Filters. Otherwise Account is subscribed to.
	Program    *dex.Address
	Filters    []Filter
	Account    dex.Address
	Commitment Commitment
	// ReconnectBase is the first reconnect delay. The delay doubles with
	// every consecutive failed attempt.
	ReconnectBase time.Duration
	// MaxAttempts is the number of consecutive failed connection attempts
	// after which Run gives up with ErrSubscriptionLost.
	MaxAttempts  int
	PingInterval time.Duration
	// OnReconnect is called after every successful re-subscription, but not
	// after the first. Updates may have been missed while disconnected.
	OnReconnect func()
	Dial        WsDialFunc
	Logger      dex.Logger
}

// Subscription is a websocket subscription to account changes that
// reconnects with exponential backoff.
type Subscription struct {
	cfg  SubscriptionConfig
	log  dex.Logger
	dial WsDialFunc
	ch   chan *Notification

	connMtx sync.Mutex
	conn    WsConn
}

// NewSubscription is the constructor for a Subscription.
func NewSubscription(cfg *SubscriptionConfig) *Subscription {
	s := &Subscription{
		cfg:  *cfg,
		log:  cfg.Logger,
		dial: cfg.Dial,
		ch:   make(chan *Notification, 256),
	}
	if s.log == nil {
		s.log = dex.Disabled
	}
	if s.dial == nil {
		s.dial = dialWebsocket
	}
	if s.cfg.ReconnectBase <= 0 {
		s.cfg.ReconnectBase = DefaultReconnectBase
	}
	if s.cfg.MaxAttempts <= 0 {
		s.cfg.MaxAttempts = DefaultReconnectMaxTries
	}
	if s.cfg.PingInterval <= 0 {
		s.cfg.PingInterval = DefaultPingInterval
	}
	if s.cfg.Commitment == "" {
		s.cfg.Commitment = Confirmed
	}
	return s
}

// Notifications is the channel of account changes. It is never closed.
func (s *Subscription) Notifications() <-chan *Notification {
	return s.ch
}

// Run connects and reconnects until the context is canceled, returning nil,
// or until MaxAttempts consecutive connection attempts fail, returning
// ErrSubscriptionLost.
func (s *Subscription) Run(ctx context.Context) error {
	var failures int
	var connected bool // ever
	for {
		subscribed, err := s.session(ctx, connected)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			connected = true
			failures = 0
		}
		failures++
		if failures > s.cfg.MaxAttempts {
			return dex.NewErrorf(ErrSubscriptionLost, "%d failed attempts, last error: %v", s.cfg.MaxAttempts, err)
		}
		delay := utils.Clamp(s.cfg.ReconnectBase<<(failures-1), s.cfg.ReconnectBase, maxReconnectDelay)
		s.log.Warnf("Subscription disconnected: %v. Reconnect attempt %d of %d in %s",
			err, failures, s.cfg.MaxAttempts, delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type wsMessage struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Params *struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

func (s *Subscription) request() *wsRequest {
	cfg := map[string]any{
		"encoding":   "base64",
		"commitment": s.cfg.Commitment,
	}
	if s.cfg.Program != nil {
		if len(s.cfg.Filters) > 0 {
			cfg["filters"] = s.cfg.Filters
		}
		return &wsRequest{JSONRPC: "2.0", ID: 1, Method: "programSubscribe", Params: []any{s.cfg.Program.String(), cfg}}
	}
	return &wsRequest{JSONRPC: "2.0", ID: 1, Method: "accountSubscribe", Params: []any{s.cfg.Account.String(), cfg}}
}

// session runs one connection. subscribed is true if the subscription was
// confirmed before the connection ended.
func (s *Subscription) session(ctx context.Context, reconnect bool) (subscribed bool, err error) {
	wsURL, err := WebsocketURL(s.cfg.Endpoint())
	if err != nil {
		return false, err
	}
	conn, err := s.dial(ctx, wsURL)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	s.connMtx.Lock()
	s.conn = conn
	s.connMtx.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.connMtx.Lock()
		s.conn = nil
		s.connMtx.Unlock()
	}()

	pongWait := s.cfg.PingInterval * 2
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Closing the connection unblocks the reader when the context ends.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					s.log.Debugf("ping error: %v", err)
				}
			case <-sessCtx.Done():
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				conn.Close()
				return
			}
		}
	}()

	req := s.request()
	if err := conn.WriteJSON(req); err != nil {
		return false, fmt.Errorf("%s request: %w", req.Method, err)
	}

	var subID uint64
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return subscribed, ctx.Err()
			}
			return subscribed, err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg wsMessage
		if err := json.Unmarshal(b, &msg); err != nil {
			s.log.Errorf("json decode error: %v", err)
			continue
		}

		if !subscribed {
			if msg.ID == nil || *msg.ID != req.ID {
				continue
			}
			if msg.Error != nil {
				return false, fmt.Errorf("%s error %d: %s", req.Method, msg.Error.Code, msg.Error.Message)
			}
			if err := json.Unmarshal(msg.Result, &subID); err != nil {
				return false, fmt.Errorf("%s: bad subscription id %s", req.Method, msg.Result)
			}
			subscribed = true
			s.log.Infof("Subscribed (%s id %d) at %s", req.Method, subID, wsURL)
			if reconnect && s.cfg.OnReconnect != nil {
				s.cfg.OnReconnect()
			}
			continue
		}

		if msg.Params == nil || msg.Params.Subscription != subID {
			continue
		}
		n, err := s.decodeNotification(msg.Method, msg.Params.Result)
		if err != nil {
			s.log.Errorf("Error decoding %s: %v", msg.Method, err)
			continue
		}
		select {
		case s.ch <- n:
		case <-ctx.Done():
			return subscribed, ctx.Err()
		}
	}
}

func (s *Subscription) decodeNotification(method string, b json.RawMessage) (*Notification, error) {
	switch method {
	case "programNotification":
		var res struct {
			Context rpcContext `json:"context"`
			Value   struct {
				Pubkey  dex.Address `json:"pubkey"`
				Account rpcAccount  `json:"account"`
			} `json:"value"`
		}
		if err := json.Unmarshal(b, &res); err != nil {
			return nil, err
		}
		return &Notification{
			Address: res.Value.Pubkey,
			Data:    res.Value.Account.Data,
			Slot:    res.Context.Slot,
		}, nil
	case "accountNotification":
		var res struct {
			Context rpcContext  `json:"context"`
			Value   *rpcAccount `json:"value"`
		}
		if err := json.Unmarshal(b, &res); err != nil {
			return nil, err
		}
		n := &Notification{Address: s.cfg.Account, Slot: res.Context.Slot}
		if res.Value != nil {
			n.Data = res.Value.Data
		}
		return n, nil
	}
	return nil, errors.New("unknown notification method " + method)
}

// Close closes the current connection, forcing a reconnect. It is for
// operators and tests.
func (s *Subscription) Close() {
	s.connMtx.Lock()
	defer s.connMtx.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}
