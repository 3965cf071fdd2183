// Package janus speaks the Janus gateway JSON protocol over WebSocket or
// HTTP long-polling.
package janus

import (
	"bytes"
	"encoding/json"
	"fmt"

	"sipvideoroom/native/internal/domain"
)

// message is the Janus envelope, used for both requests and replies.
type message struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction,omitempty"`
	SessionID   uint64 `json:"session_id,omitempty"`
	HandleID    uint64 `json:"handle_id,omitempty"`

	// requests
	Plugin   string       `json:"plugin,omitempty"`
	OpaqueID string       `json:"opaque_id,omitempty"`
	Body     any          `json:"body,omitempty"`
	JSEP     *domain.JSEP `json:"jsep,omitempty"`

	// replies and events
	Sender     uint64      `json:"sender,omitempty"`
	Data       *idData     `json:"data,omitempty"`
	PluginData *pluginData `json:"plugindata,omitempty"`
	Error      *wireError  `json:"error,omitempty"`

	// webrtcup, hangup, media, slowlink
	Reason    string `json:"reason,omitempty"`
	Type      string `json:"type,omitempty"`
	Receiving bool   `json:"receiving,omitempty"`
	Uplink    bool   `json:"uplink,omitempty"`
	Lost      int    `json:"lost,omitempty"`
}

type idData struct {
	ID uint64 `json:"id"`
}

type pluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

type wireError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *wireError) toDomain() error {
	return &domain.MessageError{Code: e.Code, Text: e.Reason}
}

// isReply reports whether the message answers a transaction directly.
func (m *message) isReply() bool {
	switch m.Janus {
	case "success", "error", "ack":
		return true
	}
	return false
}

// decodeMessages accepts a single envelope or an array of them, as returned
// by the long-poll endpoint.
func decodeMessages(data []byte) ([]*message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var msgs []*message
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		return msgs, nil
	}
	var msg message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return []*message{&msg}, nil
}

// toEvent maps an asynchronous envelope to the handle event it carries.
func (m *message) toEvent() (domain.HandleEvent, bool) {
	switch m.Janus {
	case "event", "success":
		if m.PluginData == nil {
			return domain.HandleEvent{}, false
		}
		return domain.HandleEvent{Kind: domain.EventMessage, Data: m.PluginData.Data, JSEP: m.JSEP}, true
	case "webrtcup":
		return domain.HandleEvent{Kind: domain.EventWebRTCState, Up: true}, true
	case "hangup":
		return domain.HandleEvent{Kind: domain.EventWebRTCState, Up: false, Reason: m.Reason}, true
	case "media":
		return domain.HandleEvent{Kind: domain.EventMediaState, Medium: m.Type, Receiving: m.Receiving}, true
	case "slowlink":
		return domain.HandleEvent{Kind: domain.EventSlowLink, Uplink: m.Uplink, Lost: m.Lost}, true
	case "detached":
		return domain.HandleEvent{Kind: domain.EventDetached}, true
	}
	return domain.HandleEvent{}, false
}
