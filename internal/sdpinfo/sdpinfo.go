// Package sdpinfo inspects session descriptions received from the gateway.
package sdpinfo

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// Kinds reports whether the description negotiates audio and/or video.
// A media section with port 0 is rejected and does not count.
func Kinds(raw string) (audio, video bool, err error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return false, false, fmt.Errorf("parse sdp: %w", err)
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Port.Value == 0 {
			continue
		}
		switch m.MediaName.Media {
		case "audio":
			audio = true
		case "video":
			video = true
		}
	}
	return audio, video, nil
}

// Codecs returns the lower-cased codec names offered for the given media kind,
// in preference order.
func Codecs(raw, kind string) ([]string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	var names []string
	seen := map[string]bool{}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != kind {
			continue
		}
		for _, a := range m.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			// "<pt> <name>/<clock>[/<channels>]"
			fields := strings.Fields(a.Value)
			if len(fields) < 2 {
				continue
			}
			name := strings.ToLower(strings.SplitN(fields[1], "/", 2)[0])
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names, nil
}
