package janus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// transport carries envelopes to and from one gateway. Replies and events
// alike are delivered on inbound, in arrival order.
type transport interface {
	send(ctx context.Context, msg *message) error
	inbound() <-chan *message
	// bind is called once the gateway session exists.
	bind(sessionID uint64)
	close() error
	done() <-chan struct{}
}

// dial picks the transport from the server URL scheme.
func dial(ctx context.Context, server string, opts Options) (transport, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("parse server %q: %w", server, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return dialWebSocket(ctx, u.String(), opts.PingInterval)
	case "http", "https":
		return newHTTPTransport(u.String(), opts.RequestTimeout, opts.PollTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
}

const inboundBuffer = 64

var errTransportClosed = errors.New("transport closed")

// Options tune the gateway client. Zero values pick the defaults below.
type Options struct {
	// Keepalive is the session keepalive period.
	Keepalive time.Duration
	// RequestTimeout bounds every request without a caller deadline.
	RequestTimeout time.Duration
	// PollTimeout bounds one HTTP long-poll. The gateway answers an idle
	// poll after 30s, so it must be longer than that.
	PollTimeout time.Duration
	// PingInterval is the WebSocket ping period.
	PingInterval time.Duration
	// Trace, when set, observes every envelope sent ("out") or received ("in").
	Trace func(direction, janus string)
}

func (o Options) withDefaults() Options {
	if o.Keepalive <= 0 {
		o.Keepalive = 25 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 45 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.Trace == nil {
		o.Trace = func(string, string) {}
	}
	return o
}
