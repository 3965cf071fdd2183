package domain

import (
	"encoding/json"
	"fmt"
)

// Participant types in a room join request.
const (
	PTypePublisher  = "publisher"
	PTypeSubscriber = "subscriber"
	PTypeListener   = "listener"
)

// RoomRequest is a request body for the video room plugin.
type RoomRequest struct {
	Request    string  `json:"request"`
	Room       uint64  `json:"room,omitempty"`
	PType      string  `json:"ptype,omitempty"`
	Display    string  `json:"display,omitempty"`
	Feed       *FeedID `json:"feed,omitempty"`
	PrivateID  uint64  `json:"private_id,omitempty"`
	OfferAudio *bool   `json:"offer_audio,omitempty"`
	OfferVideo *bool   `json:"offer_video,omitempty"`
	Audio      *bool   `json:"audio,omitempty"`
	Video      *bool   `json:"video,omitempty"`
}

// Bool returns a pointer for optional request flags.
func Bool(v bool) *bool { return &v }

// RoomEventKind is the "videoroom" tag of a room plugin message.
type RoomEventKind string

const (
	RoomJoined         RoomEventKind = "joined"
	RoomAttached       RoomEventKind = "attached"
	RoomDestroyed      RoomEventKind = "destroyed"
	RoomEventNotice    RoomEventKind = "event"
	RoomTalking        RoomEventKind = "talking"
	RoomStoppedTalking RoomEventKind = "stopped-talking"
	RoomSlowLink       RoomEventKind = "slow_link"
	RoomUpdated        RoomEventKind = "updated"
)

// Publisher is one entry of a room's publisher list.
type Publisher struct {
	ID         FeedID `json:"id"`
	Display    string `json:"display,omitempty"`
	AudioCodec string `json:"audio_codec,omitempty"`
	VideoCodec string `json:"video_codec,omitempty"`
}

// RoomEvent is a decoded video room plugin message.
type RoomEvent struct {
	Kind RoomEventKind `json:"videoroom"`
	// Room ids share the publisher id encoding.
	Room        FeedID      `json:"room,omitempty"`
	ID          FeedID      `json:"id,omitempty"`
	PrivateID   uint64      `json:"private_id,omitempty"`
	Display     string      `json:"display,omitempty"`
	Publishers  []Publisher `json:"publishers,omitempty"`
	Leaving     FeedID      `json:"leaving,omitempty"`
	Unpublished FeedID      `json:"unpublished,omitempty"`
	Left        string      `json:"left,omitempty"`
	Configured  string      `json:"configured,omitempty"`
	Started     string      `json:"started,omitempty"`
	AudioCodec  string      `json:"audio_codec,omitempty"`
	VideoCodec  string      `json:"video_codec,omitempty"`
	ErrorCode   int         `json:"error_code,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Ack is the literal the gateway uses for leaving/unpublished acknowledgements.
const Ack FeedID = "ok"

// MessageError returns the gateway-reported error, or nil.
func (e RoomEvent) MessageError() error {
	if e.Error == "" {
		return nil
	}
	return &MessageError{Code: e.ErrorCode, Text: e.Error}
}

// DecodeRoomEvent parses a video room plugin message. A message with an
// error and no tag is valid; an unrecognised tag returns ErrUnknownEvent.
func DecodeRoomEvent(data json.RawMessage) (RoomEvent, error) {
	var ev RoomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode videoroom event: %w", err)
	}
	switch ev.Kind {
	case RoomJoined, RoomAttached, RoomDestroyed, RoomEventNotice,
		RoomTalking, RoomStoppedTalking, RoomSlowLink, RoomUpdated:
		return ev, nil
	case "":
		if ev.Error != "" {
			return ev, nil
		}
	}
	return ev, fmt.Errorf("videoroom %q: %w", ev.Kind, ErrUnknownEvent)
}

// EchoRequest is the body sent to the echo test plugin.
type EchoRequest struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// EchoEvent is a decoded echo test plugin message.
type EchoEvent struct {
	Kind      string `json:"echotest"`
	Result    string `json:"result,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DecodeEchoEvent parses an echo test plugin message.
func DecodeEchoEvent(data json.RawMessage) (EchoEvent, error) {
	var ev EchoEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode echotest event: %w", err)
	}
	if ev.Kind != "event" && ev.Error == "" {
		return ev, fmt.Errorf("echotest %q: %w", ev.Kind, ErrUnknownEvent)
	}
	return ev, nil
}
