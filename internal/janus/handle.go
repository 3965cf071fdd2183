package janus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"sipvideoroom/native/internal/domain"
)

var errNoNegotiator = errors.New("no media negotiation configured")

// Handle is one plugin handle. It implements domain.Handle and owns the
// handle's Negotiator, created on first use.
type Handle struct {
	session *Session
	id      uint64
	plugin  string
	listen  domain.HandleListener

	mu  sync.Mutex
	neg domain.Negotiator
}

func (h *Handle) ID() uint64 { return h.id }
func (h *Handle) Plugin() string { return h.plugin }

// Send posts a plugin message. A synchronous plugin reply is delivered to the
// listener like an asynchronous event.
func (h *Handle) Send(ctx context.Context, body any, jsep *domain.JSEP) error {
	_, err := h.session.request(ctx, &message{Janus: "message", HandleID: h.id, Body: body, JSEP: jsep})
	return err
}

func (h *Handle) CreateOffer(ctx context.Context, media domain.MediaConstraints) (*domain.JSEP, error) {
	n, err := h.negotiator()
	if err != nil {
		return nil, err
	}
	return n.CreateOffer(ctx, media)
}

func (h *Handle) CreateAnswer(ctx context.Context, offer *domain.JSEP, media domain.MediaConstraints) (*domain.JSEP, error) {
	n, err := h.negotiator()
	if err != nil {
		return nil, err
	}
	return n.CreateAnswer(ctx, offer, media)
}

func (h *Handle) HandleRemoteJSEP(_ context.Context, jsep *domain.JSEP) error {
	n, err := h.negotiator()
	if err != nil {
		return err
	}
	return n.SetRemoteDescription(jsep)
}

// Hangup closes the PeerConnection and asks the gateway to drop the media
// session. The listener receives EventCleanup either way.
func (h *Handle) Hangup(ctx context.Context) error {
	h.closeNegotiator()
	_, err := h.session.request(ctx, &message{Janus: "hangup", HandleID: h.id})
	h.listen(domain.HandleEvent{Kind: domain.EventCleanup})
	if err != nil {
		return fmt.Errorf("hangup handle %d: %w", h.id, err)
	}
	return nil
}

// Detach releases the handle on the gateway.
func (h *Handle) Detach(ctx context.Context) error {
	h.closeNegotiator()
	h.session.forget(h.id)
	if _, err := h.session.request(ctx, &message{Janus: "detach", HandleID: h.id}); err != nil {
		return fmt.Errorf("detach handle %d: %w", h.id, err)
	}
	return nil
}

func (h *Handle) deliver(msg *message) {
	ev, ok := msg.toEvent()
	if !ok {
		log.Debug().Str("module", "janus").Str("janus", msg.Janus).Uint64("handle", h.id).Msg("ignoring message")
		return
	}
	if ev.Kind == domain.EventDetached {
		h.closeNegotiator()
	}
	h.listen(ev)
}

func (h *Handle) negotiator() (domain.Negotiator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.neg != nil {
		return h.neg, nil
	}
	factory := h.session.client.negotiators
	if factory == nil {
		return nil, errNoNegotiator
	}
	n, err := factory(h.listen)
	if err != nil {
		return nil, fmt.Errorf("create negotiator: %w", err)
	}
	h.neg = n
	return n, nil
}

func (h *Handle) closeNegotiator() {
	h.mu.Lock()
	n := h.neg
	h.neg = nil
	h.mu.Unlock()

	if n != nil {
		if err := n.Close(); err != nil {
			log.Debug().Str("module", "janus").Err(err).Uint64("handle", h.id).Msg("close negotiator")
		}
	}
}
