package domain

import (
	"encoding/json"
	"fmt"
)

// SIPRequest is a request body for the SIP plugin.
type SIPRequest struct {
	Request     string            `json:"request"`
	Username    string            `json:"username,omitempty"`
	AuthUser    string            `json:"authuser,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Secret      string            `json:"secret,omitempty"`
	Proxy       string            `json:"proxy,omitempty"`
	URI         string            `json:"uri,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// SIPEventKind is the "event" tag of a SIP plugin result.
type SIPEventKind string

const (
	SIPRegistering        SIPEventKind = "registering"
	SIPRegistered         SIPEventKind = "registered"
	SIPRegistrationFailed SIPEventKind = "registration_failed"
	SIPUnregistering      SIPEventKind = "unregistering"
	SIPUnregistered       SIPEventKind = "unregistered"
	SIPCalling            SIPEventKind = "calling"
	SIPRinging            SIPEventKind = "ringing"
	SIPProceeding         SIPEventKind = "proceeding"
	SIPIncomingCall       SIPEventKind = "incomingcall"
	SIPMissedCall         SIPEventKind = "missed_call"
	SIPAccepting          SIPEventKind = "accepting"
	SIPProgress           SIPEventKind = "progress"
	SIPAccepted           SIPEventKind = "accepted"
	SIPHolding            SIPEventKind = "holding"
	SIPResuming           SIPEventKind = "resuming"
	SIPUpdatingCall       SIPEventKind = "updatingcall"
	SIPMessage            SIPEventKind = "message"
	SIPMessageDelivery    SIPEventKind = "messagedelivery"
	SIPInfo               SIPEventKind = "info"
	SIPNotify             SIPEventKind = "notify"
	SIPTransfer           SIPEventKind = "transfer"
	SIPDeclining          SIPEventKind = "declining"
	SIPHangingUp          SIPEventKind = "hangingup"
	SIPHangup             SIPEventKind = "hangup"
)

func (k SIPEventKind) known() bool {
	switch k {
	case SIPRegistering, SIPRegistered, SIPRegistrationFailed, SIPUnregistering,
		SIPUnregistered, SIPCalling, SIPRinging, SIPProceeding, SIPIncomingCall,
		SIPMissedCall, SIPAccepting, SIPProgress, SIPAccepted, SIPHolding,
		SIPResuming, SIPUpdatingCall, SIPMessage, SIPMessageDelivery, SIPInfo,
		SIPNotify, SIPTransfer, SIPDeclining, SIPHangingUp, SIPHangup:
		return true
	}
	return false
}

// SIPResult is the event-specific part of a SIP plugin message.
type SIPResult struct {
	Event       SIPEventKind `json:"event"`
	Username    string       `json:"username,omitempty"`
	DisplayName string       `json:"displayname,omitempty"`
	Code        int          `json:"code,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Content     string       `json:"content,omitempty"`
	Sender      string       `json:"sender,omitempty"`
	ReferTo     string       `json:"refer_to,omitempty"`
}

// SIPEvent is a decoded SIP plugin message.
type SIPEvent struct {
	Error     string     `json:"error,omitempty"`
	ErrorCode int        `json:"error_code,omitempty"`
	CallID    string     `json:"call_id,omitempty"`
	Result    *SIPResult `json:"result,omitempty"`
}

// MessageError returns the gateway-reported error, or nil.
func (e SIPEvent) MessageError() error {
	if e.Error == "" {
		return nil
	}
	return &MessageError{Code: e.ErrorCode, Text: e.Error}
}

// DecodeSIPEvent parses a SIP plugin message. An unknown event tag returns
// the parsed message together with ErrUnknownEvent so that an error field is
// still reported.
func DecodeSIPEvent(data json.RawMessage) (SIPEvent, error) {
	var ev SIPEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode sip event: %w", err)
	}
	if ev.Result != nil && !ev.Result.Event.known() {
		return ev, fmt.Errorf("sip %q: %w", ev.Result.Event, ErrUnknownEvent)
	}
	return ev, nil
}
