package janus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"sipvideoroom/native/internal/domain"
)

// Client opens gateway sessions. It implements domain.Gateway.
type Client struct {
	opts        Options
	negotiators domain.NegotiatorFactory
}

// New creates a Client. negotiators creates the media end of each handle;
// it may be nil for signalling-only use.
func New(negotiators domain.NegotiatorFactory, opts Options) *Client {
	return &Client{opts: opts.withDefaults(), negotiators: negotiators}
}

// Connect dials the server and creates a gateway session on it.
func (c *Client) Connect(ctx context.Context, server string) (domain.GatewaySession, error) {
	t, err := dial(ctx, server, c.opts)
	if err != nil {
		return nil, err
	}

	s := &Session{
		client:  c,
		t:       t,
		pending: map[string]pendingReply{},
		handles: map[uint64]*Handle{},
		closed:  make(chan struct{}),
	}
	go s.readLoop()

	reply, err := s.request(ctx, &message{Janus: "create"})
	if err != nil {
		s.shutdown()
		return nil, fmt.Errorf("create session: %w", err)
	}
	if reply.Data == nil || reply.Data.ID == 0 {
		s.shutdown()
		return nil, fmt.Errorf("create session: reply carries no session id")
	}
	s.id = reply.Data.ID
	t.bind(s.id)
	go s.keepaliveLoop()

	log.Info().Str("module", "janus").Uint64("session", s.id).Msg("session created")
	return s, nil
}

// Session is one gateway session. It implements domain.GatewaySession.
type Session struct {
	client *Client
	t      transport
	id     uint64

	mu      sync.Mutex
	pending map[string]pendingReply
	handles map[uint64]*Handle

	once   sync.Once
	closed chan struct{}
}

func (s *Session) ID() uint64 { return s.id }
func (s *Session) Done() <-chan struct{} { return s.closed }

// Attach creates a plugin handle. listen receives the handle's events in
// arrival order and must not block.
func (s *Session) Attach(ctx context.Context, plugin, opaqueID string, listen domain.HandleListener) (domain.Handle, error) {
	if listen == nil {
		listen = func(domain.HandleEvent) {}
	}
	reply, err := s.request(ctx, &message{Janus: "attach", Plugin: plugin, OpaqueID: opaqueID})
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", plugin, err)
	}
	if reply.Data == nil || reply.Data.ID == 0 {
		return nil, fmt.Errorf("attach %s: reply carries no handle id", plugin)
	}

	h := &Handle{session: s, id: reply.Data.ID, plugin: plugin, listen: listen}
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()

	log.Info().Str("module", "janus").Str("plugin", plugin).Uint64("handle", h.id).Msg("plugin attached")
	return h, nil
}

// Destroy destroys the session on the gateway and releases the transport.
func (s *Session) Destroy(ctx context.Context) error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	_, err := s.request(ctx, &message{Janus: "destroy"})
	s.shutdown()
	if err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

func (s *Session) shutdown() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.t.close()

		s.mu.Lock()
		handles := make([]*Handle, 0, len(s.handles))
		for _, h := range s.handles {
			handles = append(handles, h)
		}
		s.handles = map[uint64]*Handle{}
		s.mu.Unlock()

		for _, h := range handles {
			h.closeNegotiator()
		}
		log.Info().Str("module", "janus").Uint64("session", s.id).Msg("session closed")
	})
}

// pendingReply waits for the direct reply of one transaction. handle is the
// handle the request was addressed to, if any.
type pendingReply struct {
	ch     chan *message
	handle uint64
}

// request sends msg as a new transaction and waits for its direct reply.
// A gateway error reply is returned as *domain.MessageError.
func (s *Session) request(ctx context.Context, msg *message) (*message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.client.opts.RequestTimeout)
		defer cancel()
	}

	msg.Transaction = uuid.NewString()
	if msg.SessionID == 0 {
		msg.SessionID = s.id
	}

	ch := make(chan *message, 1)
	s.mu.Lock()
	s.pending[msg.Transaction] = pendingReply{ch: ch, handle: msg.HandleID}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, msg.Transaction)
		s.mu.Unlock()
	}()

	s.client.opts.Trace("out", msg.Janus)
	if err := s.t.send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Janus == "error" {
			if reply.Error != nil {
				return nil, reply.Error.toDomain()
			}
			return nil, &domain.MessageError{Text: "gateway error"}
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, domain.ErrClosed
	}
}

func (s *Session) readLoop() {
	defer s.shutdown()

	for {
		select {
		case msg := <-s.t.inbound():
			s.route(msg)
		case <-s.t.done():
			return
		case <-s.closed:
			return
		}
	}
}

func (s *Session) route(msg *message) {
	s.client.opts.Trace("in", msg.Janus)

	if msg.isReply() && msg.Transaction != "" {
		s.mu.Lock()
		p, ok := s.pending[msg.Transaction]
		delete(s.pending, msg.Transaction)
		h := s.handles[p.handle]
		s.mu.Unlock()
		if ok {
			// A synchronous plugin reply reaches the listener here, in
			// arrival order with the events around it.
			if msg.Janus == "success" && msg.PluginData != nil && h != nil {
				h.deliver(msg)
			}
			p.ch <- msg
			return
		}
	}

	switch msg.Janus {
	case "timeout":
		log.Warn().Str("module", "janus").Uint64("session", s.id).Msg("session timed out on the gateway")
		s.shutdown()
	case "keepalive", "ack":
	case "error":
		log.Warn().Str("module", "janus").Interface("error", msg.Error).Msg("unsolicited gateway error")
	default:
		s.mu.Lock()
		h := s.handles[msg.Sender]
		if msg.Janus == "detached" {
			delete(s.handles, msg.Sender)
		}
		s.mu.Unlock()
		if h == nil {
			log.Debug().Str("module", "janus").Str("janus", msg.Janus).Uint64("sender", msg.Sender).Msg("event for unknown handle")
			return
		}
		h.deliver(msg)
	}
}

func (s *Session) forget(id uint64) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.client.opts.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if _, err := s.request(context.Background(), &message{Janus: "keepalive"}); err != nil {
				select {
				case <-s.closed:
					return
				default:
				}
				log.Warn().Str("module", "janus").Err(err).Uint64("session", s.id).Msg("keepalive failed")
			}
		}
	}
}
