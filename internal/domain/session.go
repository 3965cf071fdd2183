package domain

import "fmt"

// Session names owned by the coordinator.
const (
	SessionMain        = "main"
	SessionVideoRoom   = "videoroom"
	SessionScreenShare = "screenshare"
	SessionEchoTest    = "echotest"
)

// Phase is the workflow phase of a session.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseConnecting  Phase = "connecting"
	PhaseAttaching   Phase = "attaching"
	PhaseRegistering Phase = "registering"
	PhaseRegistered  Phase = "registered"
	PhaseCalling     Phase = "calling"
	PhaseInCall      Phase = "incall"
	PhaseCleaningUp  Phase = "cleaningup"
	PhaseFailed      Phase = "failed"

	// Phases used by the room, screen-share and echo-test sessions.
	PhaseJoining    Phase = "joining"
	PhaseJoined     Phase = "joined"
	PhasePublishing Phase = "publishing"
	PhasePublished  Phase = "published"
)

// Session is a snapshot of one logical connection to the gateway.
type Session struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phase    Phase  `json:"phase"`
	HandleID uint64 `json:"handleId,omitempty"`
	CallID   string `json:"callId,omitempty"`
}

// RegistrationState tracks SIP registration of the main session.
type RegistrationState struct {
	Status RegistrationStatus `json:"status"`
	Reason string             `json:"reason,omitempty"`
}

type RegistrationStatus string

const (
	Unregistered RegistrationStatus = "unregistered"
	Registering  RegistrationStatus = "registering"
	Registered   RegistrationStatus = "registered"
	RegFailed    RegistrationStatus = "failed"
)

func (r RegistrationState) String() string {
	if r.Status == RegFailed && r.Reason != "" {
		return fmt.Sprintf("failed(%s)", r.Reason)
	}
	return string(r.Status)
}

// Role of the local participant in the screen-share room.
type Role string

const (
	RoleListener  Role = "listener"
	RolePublisher Role = "publisher"
)

// RemoteFeed is a subscribed peer's media inside a room.
type RemoteFeed struct {
	ID            FeedID `json:"id"`
	Display       string `json:"display"`
	Slot          int    `json:"slot"`
	AudioCodec    string `json:"audioCodec,omitempty"`
	VideoCodec    string `json:"videoCodec,omitempty"`
	VideoDisabled bool   `json:"videoDisabled,omitempty"`
}

// FeedChangeKind says what happened to a feed.
type FeedChangeKind string

const (
	FeedAdded    FeedChangeKind = "added"
	FeedAttached FeedChangeKind = "attached"
	FeedRemoved  FeedChangeKind = "removed"
	FeedRejected FeedChangeKind = "rejected"
)

// FeedChange is emitted whenever the set of remote feeds changes.
type FeedChange struct {
	Session string         `json:"session"`
	Kind    FeedChangeKind `json:"kind"`
	Feed    RemoteFeed     `json:"feed"`
}

// Snapshot is the full coordinator state at one point on the loop.
type Snapshot struct {
	Account      string            `json:"account,omitempty"`
	Registration RegistrationState `json:"registration"`
	Sessions     []Session         `json:"sessions"`
	Feeds        []RemoteFeed      `json:"feeds"`
	ScreenRole   Role              `json:"screenRole,omitempty"`
}
