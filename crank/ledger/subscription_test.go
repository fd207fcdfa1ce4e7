// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type tConn struct {
	in       chan []byte
	closed   chan struct{}
	once     sync.Once
	ack      bool
	requests chan *wsRequest
}

func newTConn(ack bool) *tConn {
	return &tConn{
		in:       make(chan []byte, 16),
		closed:   make(chan struct{}),
		ack:      ack,
		requests: make(chan *wsRequest, 4),
	}
}

func (c *tConn) WriteJSON(v any) error {
	req := v.(*wsRequest)
	c.requests <- req
	if c.ack {
		c.in <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":42}`, req.ID))
	}
	return nil
}

func (c *tConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return 1, b, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *tConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *tConn) SetReadDeadline(time.Time) error           { return nil }
func (c *tConn) SetPongHandler(func(string) error)         {}

func (c *tConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type tWsDialer struct {
	mtx   sync.Mutex
	conns []*tConn
	urls  []string
}

func (d *tWsDialer) dial(_ context.Context, url string) (WsConn, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.urls = append(d.urls, url)
	if len(d.conns) == 0 {
		return nil, errors.New("dial refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func recvNote(t *testing.T, sub *Subscription) *Notification {
	t.Helper()
	select {
	case n := <-sub.Notifications():
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification")
	}
	return nil
}

func TestProgramSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, c2 := newTConn(true), newTConn(true)
	d := &tWsDialer{conns: []*tConn{c1, c2}}
	reconnected := make(chan struct{}, 1)
	program := tAddr(7)
	sub := NewSubscription(&SubscriptionConfig{
		Endpoint:      func() string { return "https://rpc.example" },
		Program:       &program,
		Filters:       []Filter{{DataSize: 2}},
		ReconnectBase: time.Millisecond,
		Dial:          d.dial,
		OnReconnect:   func() { reconnected <- struct{}{} },
		Logger:        tLogger,
	})
	errC := make(chan error, 1)
	go func() { errC <- sub.Run(ctx) }()

	req := <-c1.requests
	if req.Method != "programSubscribe" || req.Params[0] != program.String() {
		t.Fatalf("wrong subscribe request %+v", req)
	}

	addr := tAddr(3)
	// A notification for another subscription id is ignored.
	c1.in <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"programNotification","params":{"subscription":41,"result":{"context":{"slot":1},"value":{"pubkey":"%s","account":{"data":["AQI=","base64"],"owner":"%s","lamports":1}}}}}`, addr, program))
	c1.in <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"programNotification","params":{"subscription":42,"result":{"context":{"slot":12},"value":{"pubkey":"%s","account":{"data":["AQI=","base64"],"owner":"%s","lamports":1}}}}}`, addr, program))
	n := recvNote(t, sub)
	if n.Address != addr || n.Slot != 12 || n.Deleted() || len(n.Data) != 2 {
		t.Fatalf("wrong notification %+v", n)
	}

	select {
	case <-reconnected:
		t.Fatalf("OnReconnect called for the first subscription")
	default:
	}

	sub.Close()
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnReconnect not called")
	}
	c2.in <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"programNotification","params":{"subscription":42,"result":{"context":{"slot":13},"value":{"pubkey":"%s","account":{"data":["","base64"],"owner":"%s","lamports":0}}}}}`, addr, program))
	if n = recvNote(t, sub); n.Slot != 13 {
		t.Fatalf("wrong slot after reconnect %d", n.Slot)
	}

	cancel()
	if err := <-errC; err != nil {
		t.Fatalf("Run error after cancel: %v", err)
	}
	if d.urls[0] != "wss://rpc.example" {
		t.Fatalf("wrong websocket url %s", d.urls[0])
	}
}

func TestAccountSubscriptionDeleted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTConn(true)
	acct := tAddr(5)
	sub := NewSubscription(&SubscriptionConfig{
		Endpoint: func() string { return "ws://127.0.0.1:8900" },
		Account:  acct,
		Dial:     (&tWsDialer{conns: []*tConn{c}}).dial,
		Logger:   tLogger,
	})
	go sub.Run(ctx)
	if req := <-c.requests; req.Method != "accountSubscribe" {
		t.Fatalf("wrong method %s", req.Method)
	}
	c.in <- []byte(`{"jsonrpc":"2.0","method":"accountNotification","params":{"subscription":42,"result":{"context":{"slot":20},"value":null}}}`)
	n := recvNote(t, sub)
	if n.Address != acct || !n.Deleted() || n.Slot != 20 {
		t.Fatalf("wrong notification %+v", n)
	}
}

func TestSubscriptionLost(t *testing.T) {
	sub := NewSubscription(&SubscriptionConfig{
		Endpoint:      func() string { return "http://rpc.example" },
		Account:       tAddr(1),
		ReconnectBase: time.Millisecond,
		MaxAttempts:   3,
		Dial:          (&tWsDialer{}).dial,
		Logger:        tLogger,
	})
	err := sub.Run(context.Background())
	if !errors.Is(err, ErrSubscriptionLost) {
		t.Fatalf("expected ErrSubscriptionLost, got %v", err)
	}
	if Classify(err) != ClassTransient {
		t.Fatalf("lost subscription classified %s", Classify(err))
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := map[string]string{
		"http://127.0.0.1:8899": "ws://127.0.0.1:8899",
		"https://rpc.example/x": "wss://rpc.example/x",
		"wss://rpc.example":     "wss://rpc.example",
	}
	for in, want := range tests {
		got, err := WebsocketURL(in)
		if err != nil || got != want {
			t.Errorf("%s: wanted %s, got %s (%v)", in, want, got, err)
		}
	}
	if _, err := WebsocketURL("ftp://rpc.example"); err == nil {
		t.Errorf("no error for unknown scheme")
	}
}
