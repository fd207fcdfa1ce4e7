// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/darkbook/crank/dex"
	"github.com/darkbook/crank/dex/dexnet"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
)

const (
	ErrNoEndpoints      = dex.ErrorKind("no endpoints configured")
	ErrUnknownEndpoint  = dex.ErrorKind("unknown endpoint")
	ErrAccountNotFound  = dex.ErrorKind("account not found")
	ErrSubscriptionLost = dex.ErrorKind("subscription lost")
	ErrNotConfirmed     = dex.ErrorKind("transaction not confirmed")
)

// Class is the retry class of an error. Retry and failover decisions are made
// on the Class alone.
type Class uint8

const (
	ClassUnknown Class = iota
	// ClassTransient is a network or availability failure. It counts toward
	// endpoint failover and is retried.
	ClassTransient
	// ClassStale is a retryable ledger-state error such as an expired
	// blockhash or a lagging node. It is retried on the same endpoint.
	ClassStale
	// ClassLedgerState is a non-retryable ledger-state error such as a
	// missing account or an instruction error.
	ClassLedgerState
	// ClassDomain is a request the ledger will never accept, e.g.
	// insufficient funds or a validation failure.
	ClassDomain
	// ClassComputation is a failure reported by the computation cluster.
	ClassComputation
	// ClassCanceled is a caller cancellation.
	ClassCanceled
)

// String returns the string representation of a Class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassStale:
		return "stale"
	case ClassLedgerState:
		return "ledger-state"
	case ClassDomain:
		return "domain"
	case ClassComputation:
		return "computation"
	case ClassCanceled:
		return "canceled"
	}
	return "unknown"
}

// Retryable is true for classes that are retried by the failover client.
func (c Class) Retryable() bool {
	switch c {
	case ClassTransient, ClassStale, ClassUnknown:
		return true
	}
	return false
}

// ClassError attaches an explicit Class to an error.
type ClassError struct {
	Class Class
	Err   error
}

// Error satisfies the error interface.
func (e *ClassError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *ClassError) Unwrap() error {
	return e.Err
}

// WithClass wraps err with an explicit Class that Classify will report.
func WithClass(err error, c Class) error {
	if err == nil {
		return nil
	}
	return &ClassError{Class: c, Err: err}
}

// TxError is a transaction that landed with an error.
type TxError struct {
	Signature string
	Err       string
}

// Error satisfies the error interface.
func (e *TxError) Error() string {
	return fmt.Sprintf("transaction %s failed: %s", e.Signature, e.Err)
}

// JSON-RPC error codes reported by ledger nodes.
const (
	codeBlockCleanedUp         = -32001
	codeSendTxPreflightFailure = -32002
	codeSigVerifyFailure       = -32003
	codeBlockNotAvailable      = -32004
	codeNodeUnhealthy          = -32005
	codeTxPrecompileVerify     = -32006
	codeSlotSkipped            = -32007
	codeNoSnapshot             = -32008
	codeLongTermSlotSkipped    = -32009
	codeKeyExcludedFromIndex   = -32010
	codeMinContextSlot         = -32016
	codeInvalidRequest         = -32600
	codeMethodNotFound         = -32601
	codeInvalidParams          = -32602
	codeInternal               = -32603
)

// Classify determines the retry class of an error. Typed errors are inspected
// first. Message text is consulted only when nothing typed is recognized.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var ce *ClassError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, ErrAccountNotFound) {
		return ClassLedgerState
	}
	var txErr *TxError
	if errors.As(err, &txErr) {
		return classifyMessage(txErr.Err, ClassLedgerState)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrSubscriptionLost) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return ClassTransient
	}

	var statusErr *dexnet.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Temporary() {
			return ClassTransient
		}
		return ClassDomain
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests,
			httpErr.StatusCode == http.StatusRequestTimeout,
			httpErr.StatusCode >= 500:
			return ClassTransient
		case httpErr.StatusCode == http.StatusUnauthorized, httpErr.StatusCode == http.StatusForbidden:
			// A rejected key is an endpoint problem. Another endpoint may
			// serve us.
			return ClassTransient
		}
		return ClassDomain
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeNodeUnhealthy, codeBlockNotAvailable, codeMinContextSlot,
			codeSlotSkipped, codeLongTermSlotSkipped:
			return ClassStale
		case codeBlockCleanedUp, codeNoSnapshot, codeInternal:
			return ClassTransient
		case codeSendTxPreflightFailure:
			// Preflight failures carry the simulation error in the message.
			return classifyMessage(err.Error(), ClassLedgerState)
		case codeSigVerifyFailure, codeTxPrecompileVerify, codeInvalidRequest,
			codeMethodNotFound, codeInvalidParams, codeKeyExcludedFromIndex:
			return ClassDomain
		}
	}

	return classifyMessage(err.Error(), ClassUnknown)
}

var messageClasses = []struct {
	class    Class
	contains []string
}{
	{ClassStale, []string{"blockhash not found", "block height exceeded", "node is behind", "node is unhealthy", "minimum context slot"}},
	{ClassDomain, []string{"insufficient funds", "insufficient lamports", "insufficientfunds", "invalid param", "validation failed", "signature verification"}},
	{ClassLedgerState, []string{"account not found", "could not find account", "accountnotfound", "instruction error", "instructionerror", "custom program error"}},
	{ClassTransient, []string{"connection reset", "connection refused", "broken pipe", "timeout", "timed out", "no such host", "service unavailable", "too many requests", "eof"}},
}

func classifyMessage(msg string, fallback Class) Class {
	msg = strings.ToLower(msg)
	for _, mc := range messageClasses {
		for _, s := range mc.contains {
			if strings.Contains(msg, s) {
				return mc.class
			}
		}
	}
	return fallback
}

// BreakerFailure reports whether an error should count against a circuit
// breaker. Errors that are the request's fault, or the caller's, do not.
func BreakerFailure(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassStale, ClassUnknown:
		return true
	}
	return false
}
