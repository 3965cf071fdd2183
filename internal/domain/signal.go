package domain

import (
	"strconv"
	"strings"
)

// JSEP is the session description carried next to a plugin message.
type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// MediaConstraints selects what a negotiation sends and receives.
type MediaConstraints struct {
	AudioSend bool
	AudioRecv bool
	VideoSend bool
	VideoRecv bool
	// Screen marks the sent video as a screen capture.
	Screen bool
}

// AudioVideo returns constraints that send and receive the given kinds.
func AudioVideo(audio, video bool) MediaConstraints {
	return MediaConstraints{
		AudioSend: audio,
		AudioRecv: audio,
		VideoSend: video,
		VideoRecv: video,
	}
}

// RecvOnly returns constraints for a subscriber answer.
func RecvOnly() MediaConstraints {
	return MediaConstraints{AudioRecv: true, VideoRecv: true}
}

// FeedID is a publisher id. The gateway sends either numbers or strings.
type FeedID string

// UnmarshalJSON accepts a JSON number or string.
func (f *FeedID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		*f = FeedID(unq)
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return &MessageError{Text: "invalid feed id " + s}
	}
	*f = FeedID(s)
	return nil
}

// MarshalJSON writes numeric ids as numbers so requests match the room's id type.
func (f FeedID) MarshalJSON() ([]byte, error) {
	if f == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseUint(string(f), 10, 64); err == nil {
		return []byte(f), nil
	}
	return []byte(strconv.Quote(string(f))), nil
}

func (f FeedID) String() string { return string(f) }
