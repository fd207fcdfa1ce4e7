// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package dexnet has small HTTP helpers for the JSON APIs of the crank's
// sidecar services.
package dexnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultResponseSizeLimit = 1 << 20 // 1 MiB = 1,048,576 bytes

var defaultClient = &http.Client{Timeout: 30 * time.Second}

// StatusError is a non-200 HTTP response.
type StatusError struct {
	Code   int
	Status string
}

// Error satisfies the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error: %q (code %d)", e.Status, e.Code)
}

// Temporary is true for status codes worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

// request collects the options for one call.
type request struct {
	sizeLimit  int64
	statusFunc func(int)
	errThing   any
	client     *http.Client
}

// RequestOption modifies a request made by Get, PostJSON or Do.
type RequestOption func(*http.Request, *request)

// WithStatusFunc calls f with the response status code.
func WithStatusFunc(f func(int)) RequestOption {
	return func(_ *http.Request, r *request) { r.statusFunc = f }
}

// WithRequestHeader adds a header entry to the request.
func WithRequestHeader(k, v string) RequestOption {
	return func(req *http.Request, _ *request) { req.Header.Add(k, v) }
}

// WithErrorParsing decodes the body of a non-200 response into thing.
func WithErrorParsing(thing any) RequestOption {
	return func(_ *http.Request, r *request) { r.errThing = thing }
}

// WithClient performs the request with the given client.
func WithClient(c *http.Client) RequestOption {
	return func(_ *http.Request, r *request) { r.client = c }
}

// PostJSON JSON-encodes the payload and POSTs it. If thing is non-nil, the
// response is decoded into it.
func PostJSON(ctx context.Context, uri string, thing, payload any, opts ...RequestOption) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error constructing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return Do(req, thing, opts...)
}

// Get performs an HTTP GET request. If thing is non-nil, the response is
// decoded into it.
func Get(ctx context.Context, uri string, thing any, opts ...RequestOption) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("error constructing request: %w", err)
	}
	return Do(req, thing, opts...)
}

// Do performs the request and decodes a 200 response into thing, if
// non-nil. Any other status is a *StatusError.
func Do(req *http.Request, thing any, opts ...RequestOption) error {
	r := &request{
		sizeLimit: defaultResponseSizeLimit,
		client:    defaultClient,
	}
	for _, opt := range opts {
		opt(req, r)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("error performing request: %w", err)
	}
	defer resp.Body.Close()
	if r.statusFunc != nil {
		r.statusFunc(resp.StatusCode)
	}
	body := io.LimitReader(resp.Body, r.sizeLimit)
	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{Code: resp.StatusCode, Status: resp.Status}
		if r.errThing != nil {
			if err := json.NewDecoder(body).Decode(r.errThing); err != nil {
				return fmt.Errorf("%w. error encountered parsing error body: %v", statusErr, err)
			}
		}
		return statusErr
	}
	if thing == nil {
		return nil
	}
	if err := json.NewDecoder(body).Decode(thing); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}
