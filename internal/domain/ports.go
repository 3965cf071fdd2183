package domain

import (
	"context"
	"encoding/json"
)

// Plugin names on the gateway.
const (
	PluginSIP       = "janus.plugin.sip"
	PluginVideoRoom = "janus.plugin.videoroom"
	PluginEchoTest  = "janus.plugin.echotest"
)

// Gateway opens sessions on the remote media gateway.
type Gateway interface {
	Connect(ctx context.Context, server string) (GatewaySession, error)
}

// GatewaySession is one connected gateway session.
type GatewaySession interface {
	ID() uint64
	Attach(ctx context.Context, plugin, opaqueID string, listen HandleListener) (Handle, error)
	Destroy(ctx context.Context) error
	// Done is closed when the gateway destroys the session or the transport is lost.
	Done() <-chan struct{}
}

// Handle is a plugin handle inside a gateway session. It owns the media
// negotiation for that handle.
type Handle interface {
	ID() uint64
	Plugin() string
	Send(ctx context.Context, body any, jsep *JSEP) error
	CreateOffer(ctx context.Context, media MediaConstraints) (*JSEP, error)
	CreateAnswer(ctx context.Context, offer *JSEP, media MediaConstraints) (*JSEP, error)
	HandleRemoteJSEP(ctx context.Context, jsep *JSEP) error
	// Hangup closes the media negotiation; the listener then receives EventCleanup.
	Hangup(ctx context.Context) error
	// Detach releases the handle on the gateway.
	Detach(ctx context.Context) error
}

// Negotiator is the local end of one PeerConnection.
type Negotiator interface {
	CreateOffer(ctx context.Context, media MediaConstraints) (*JSEP, error)
	CreateAnswer(ctx context.Context, offer *JSEP, media MediaConstraints) (*JSEP, error)
	SetRemoteDescription(jsep *JSEP) error
	Close() error
}

// NegotiatorFactory creates a Negotiator whose ICE and track callbacks feed listen.
type NegotiatorFactory func(listen HandleListener) (Negotiator, error)

// HandleEventKind discriminates HandleEvent.
type HandleEventKind int

const (
	EventMessage HandleEventKind = iota
	EventWebRTCState
	EventMediaState
	EventSlowLink
	EventICEState
	EventRemoteTrack
	EventCleanup
	EventDetached
)

var handleEventNames = [...]string{
	"message", "webrtc", "media", "slowlink", "ice", "track", "cleanup", "detached",
}

func (k HandleEventKind) String() string {
	if int(k) < len(handleEventNames) {
		return handleEventNames[k]
	}
	return "unknown"
}

// HandleEvent is everything a handle reports to its owner.
type HandleEvent struct {
	Kind HandleEventKind

	// EventMessage
	Data json.RawMessage
	JSEP *JSEP

	// EventWebRTCState
	Up     bool
	Reason string

	// EventMediaState, EventRemoteTrack
	Medium    string
	Receiving bool
	Codec     string

	// EventSlowLink
	Uplink bool
	Lost   int

	// EventICEState
	State string
}

// HandleListener receives the events of one handle in arrival order.
type HandleListener func(ev HandleEvent)

// Observer receives coordinator notifications for a presentation layer.
type Observer interface {
	PhaseChanged(session string, from, to Phase)
	FeedChanged(change FeedChange)
	Notice(session, text string)
	Failed(session string, err error)
}

// Completion is invoked with progress or an error for a user-triggered workflow.
type Completion func(status string, err error)
