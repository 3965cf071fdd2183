package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected = errors.New("gateway not connected")
	ErrUnknownEvent = errors.New("unknown event")
	ErrNoFreeSlot   = errors.New("no free feed slot")
	ErrWrongPhase   = errors.New("operation not allowed in current phase")
	ErrClosed       = errors.New("closed")
)

// ConnectError means the gateway connection could not be opened.
type ConnectError struct {
	Server string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Server, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AttachError means a plugin handle could not be attached.
type AttachError struct {
	Plugin string
	Err    error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach %s: %v", e.Plugin, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// RegistrationFailedError carries the gateway's code and reason.
type RegistrationFailedError struct {
	Code   int
	Reason string
}

func (e *RegistrationFailedError) Error() string {
	return fmt.Sprintf("registration failed: %d %s", e.Code, e.Reason)
}

// NegotiationError wraps an offer/answer or remote description failure.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// MessageError is an error field reported by the gateway on a parsed message.
type MessageError struct {
	Code int
	Text string
}

func (e *MessageError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("message error %d: %s", e.Code, e.Text)
	}
	return "message error: " + e.Text
}

// TimeoutError means a pending operation did not resolve in time.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}
