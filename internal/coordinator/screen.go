package coordinator

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"sipvideoroom/native/internal/domain"
)

// screenSession runs over its own gateway connection. As listener it watches
// shared screens; as publisher it shares one.
type screenSession struct {
	base
	gw     domain.GatewaySession
	handle domain.Handle
	role   domain.Role

	publishing bool
	// watched maps a source publisher to its listener handle.
	watched map[domain.FeedID]*remoteFeed
}

// StartScreenShare connects to the screen-share gateway and joins the
// screen-share room as a listener.
func (c *Coordinator) StartScreenShare(ctx context.Context, done domain.Completion) error {
	return c.do(ctx, func() error {
		c.startScreen(done)
		return nil
	})
}

// PublishScreen switches the screen share to publisher: it leaves the room
// and rejoins once the gateway confirms the leave.
func (c *Coordinator) PublishScreen(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.screen
		if s == nil || s.handle == nil || s.phase != domain.PhaseJoined || s.role == domain.RolePublisher {
			return domain.ErrWrongPhase
		}
		s.role = domain.RolePublisher
		for id := range s.watched {
			c.unwatch(s, id)
		}
		log.Info().Str("module", "coordinator").Msg("leaving screen-share room to rejoin as publisher")
		c.send(&s.base, s.handle, domain.RoomRequest{Request: "leave"}, nil, func() bool { return c.screen == s })
		return nil
	})
}

func (c *Coordinator) startScreen(done domain.Completion) {
	c.teardownScreen("restart")

	s := &screenSession{
		base:    newBase(domain.SessionScreenShare, done),
		role:    domain.RoleListener,
		watched: map[domain.FeedID]*remoteFeed{},
	}
	c.screen = s
	c.setPhase(&s.base, domain.PhaseConnecting)

	server := c.cfg.ScreenShareServer
	log.Info().Str("module", "coordinator").Str("server", server).Msg("starting screen share")
	run(c, func() (domain.GatewaySession, error) {
		return c.gw.Connect(s.ctx, server)
	}, func(sess domain.GatewaySession, err error) {
		if c.screen != s {
			if sess != nil {
				c.destroyGateway(sess)
			}
			return
		}
		if err != nil {
			c.setPhase(&s.base, domain.PhaseFailed)
			c.fail(&s.base, &domain.ConnectError{Server: server, Err: err})
			return
		}
		s.gw = sess
		c.watch(sess)
		c.setPhase(&s.base, domain.PhaseAttaching)
		s.done("connected", nil)
		c.attachScreen(s)
	})
}

func (c *Coordinator) attachScreen(s *screenSession) {
	gw := s.gw
	opaque := "screensharingtest-" + uuid.NewString()
	listen := c.listener(func(ev domain.HandleEvent) { c.onScreenEvent(s, ev) })
	run(c, func() (domain.Handle, error) {
		return gw.Attach(s.ctx, domain.PluginVideoRoom, opaque, listen)
	}, func(h domain.Handle, err error) {
		if c.screen != s {
			c.release(h)
			return
		}
		if err != nil {
			c.setPhase(&s.base, domain.PhaseFailed)
			c.fail(&s.base, &domain.AttachError{Plugin: domain.PluginVideoRoom, Err: err})
			return
		}
		s.handle = h
		c.joinScreen(s)
	})
}

func (c *Coordinator) joinScreen(s *screenSession) {
	display := c.account
	if display == "" {
		display = "screen"
	}
	c.setPhase(&s.base, domain.PhaseJoining)
	join := domain.RoomRequest{
		Request: "join",
		Room:    c.cfg.ScreenShareRoom,
		PType:   domain.PTypePublisher,
		Display: display,
	}
	c.send(&s.base, s.handle, join, nil, func() bool { return c.screen == s })
}

func (c *Coordinator) onScreenEvent(s *screenSession, ev domain.HandleEvent) {
	if c.screen != s {
		return
	}
	switch ev.Kind {
	case domain.EventMessage:
		c.onScreenMessage(s, ev)
	case domain.EventWebRTCState:
		log.Info().Str("module", "coordinator").Bool("up", ev.Up).Str("role", string(s.role)).Msg("screen PeerConnection state")
		if !ev.Up && s.role == domain.RolePublisher && s.phase == domain.PhasePublished {
			c.notice(&s.base, "screen sharing PeerConnection down")
			c.teardownScreen("publisher down")
		}
	case domain.EventCleanup:
		s.publishing = false
	case domain.EventDetached:
		s.handle = nil
		c.teardownScreen("detached")
	}
}

func (c *Coordinator) onScreenMessage(s *screenSession, ev domain.HandleEvent) {
	msg, err := domain.DecodeRoomEvent(ev.Data)
	if msgErr := msg.MessageError(); msgErr != nil {
		c.surface(&s.base, msgErr)
	}
	if err != nil {
		if errors.Is(err, domain.ErrUnknownEvent) {
			c.notice(&s.base, err.Error())
		} else {
			log.Warn().Str("module", "coordinator").Err(err).Msg("dropping screen-share message")
			return
		}
	}

	switch msg.Kind {
	case domain.RoomJoined:
		c.setPhase(&s.base, domain.PhaseJoined)
		s.done("joined", nil)
		if s.role == domain.RolePublisher {
			c.publishScreen(s)
		} else {
			c.watchAll(s, msg.Publishers)
		}
	case domain.RoomDestroyed:
		c.notice(&s.base, "the screen-share room has been destroyed")
		c.teardownScreen("room destroyed")
		return
	case domain.RoomEventNotice:
		if s.role == domain.RoleListener {
			c.watchAll(s, msg.Publishers)
		}
		for _, id := range []domain.FeedID{msg.Leaving, msg.Unpublished} {
			if _, ok := s.watched[id]; ok {
				c.notice(&s.base, "screen sharing over")
				c.unwatch(s, id)
			}
		}
		if msg.Left != "" && s.role == domain.RolePublisher {
			log.Info().Str("module", "coordinator").Msg("left screen-share room, rejoining as publisher")
			c.joinScreen(s)
		}
	}

	if ev.JSEP != nil && s.role == domain.RolePublisher {
		c.onScreenAnswer(s, ev.JSEP)
	}
}

func (c *Coordinator) publishScreen(s *screenSession) {
	if s.publishing {
		return
	}
	s.publishing = true
	c.setPhase(&s.base, domain.PhasePublishing)

	h := s.handle
	media := domain.MediaConstraints{VideoSend: true, Screen: true}
	run(c, func() (*domain.JSEP, error) {
		return h.CreateOffer(s.ctx, media)
	}, func(offer *domain.JSEP, err error) {
		if c.screen != s || s.handle != h {
			return
		}
		if err != nil {
			s.publishing = false
			c.setPhase(&s.base, domain.PhaseJoined)
			c.surface(&s.base, &domain.NegotiationError{Step: "screen offer", Err: err})
			return
		}
		configure := domain.RoomRequest{Request: "configure", Audio: domain.Bool(false), Video: domain.Bool(true)}
		c.send(&s.base, h, configure, offer, func() bool { return c.screen == s })
	})
}

func (c *Coordinator) onScreenAnswer(s *screenSession, answer *domain.JSEP) {
	h := s.handle
	if h == nil {
		return
	}
	runErr(c, func() error { return h.HandleRemoteJSEP(s.ctx, answer) }, func(err error) {
		if c.screen != s || s.handle != h {
			return
		}
		if err != nil {
			c.surface(&s.base, &domain.NegotiationError{Step: "screen answer", Err: err})
			c.teardownScreen("negotiation failed")
			return
		}
		s.publishing = false
		c.setPhase(&s.base, domain.PhasePublished)
		s.done("sharing", nil)
	})
}

func (c *Coordinator) watchAll(s *screenSession, pubs []domain.Publisher) {
	for _, p := range pubs {
		c.watchScreen(s, p)
	}
}

// watchScreen attaches a listener handle for one shared screen.
func (c *Coordinator) watchScreen(s *screenSession, p domain.Publisher) {
	if p.ID == "" {
		return
	}
	if _, ok := s.watched[p.ID]; ok {
		return
	}
	f := &remoteFeed{info: domain.RemoteFeed{ID: p.ID, Display: p.Display, VideoCodec: p.VideoCodec}}
	s.watched[p.ID] = f
	c.obs.FeedChanged(domain.FeedChange{Session: s.name, Kind: domain.FeedAdded, Feed: f.info})

	alive := func() bool { return c.screen == s && s.watched[p.ID] == f }
	gw := s.gw
	opaque := "screensharingtest-" + uuid.NewString()
	listen := c.listener(func(ev domain.HandleEvent) { c.onWatchEvent(s, f, ev) })
	run(c, func() (domain.Handle, error) {
		return gw.Attach(s.ctx, domain.PluginVideoRoom, opaque, listen)
	}, func(h domain.Handle, err error) {
		if !alive() {
			c.release(h)
			return
		}
		if err != nil {
			c.unwatch(s, p.ID)
			c.surface(&s.base, &domain.AttachError{Plugin: domain.PluginVideoRoom, Err: err})
			return
		}
		f.handle = h
		id := p.ID
		join := domain.RoomRequest{
			Request: "join",
			Room:    c.cfg.ScreenShareRoom,
			PType:   domain.PTypeListener,
			Feed:    &id,
		}
		c.send(&s.base, h, join, nil, alive)
	})
}

func (c *Coordinator) onWatchEvent(s *screenSession, f *remoteFeed, ev domain.HandleEvent) {
	if c.screen != s || s.watched[f.info.ID] != f {
		return
	}
	switch ev.Kind {
	case domain.EventMessage:
		msg, err := domain.DecodeRoomEvent(ev.Data)
		if msgErr := msg.MessageError(); msgErr != nil {
			c.surface(&s.base, msgErr)
		}
		if err != nil && !errors.Is(err, domain.ErrUnknownEvent) {
			return
		}
		if msg.Kind == domain.RoomAttached {
			c.obs.FeedChanged(domain.FeedChange{Session: s.name, Kind: domain.FeedAttached, Feed: f.info})
		}
		if ev.JSEP == nil || f.handle == nil {
			return
		}
		h, offer := f.handle, ev.JSEP
		alive := func() bool { return c.screen == s && s.watched[f.info.ID] == f }
		run(c, func() (*domain.JSEP, error) {
			return h.CreateAnswer(s.ctx, offer, domain.RecvOnly())
		}, func(answer *domain.JSEP, err error) {
			if !alive() {
				return
			}
			if err != nil {
				c.surface(&s.base, &domain.NegotiationError{Step: "screen listener answer", Err: err})
				return
			}
			c.send(&s.base, h, domain.RoomRequest{Request: "start", Room: c.cfg.ScreenShareRoom}, answer, alive)
		})
	case domain.EventRemoteTrack:
		c.notice(&s.base, "watching screen of "+f.info.Display)
	case domain.EventDetached:
		f.handle = nil
		c.unwatch(s, f.info.ID)
	}
}

// unwatch stops watching one shared screen and releases its listener handle.
func (c *Coordinator) unwatch(s *screenSession, id domain.FeedID) {
	f, ok := s.watched[id]
	if !ok {
		return
	}
	delete(s.watched, id)
	c.obs.FeedChanged(domain.FeedChange{Session: s.name, Kind: domain.FeedRemoved, Feed: f.info})
	c.release(f.handle)
}

func (c *Coordinator) teardownScreen(reason string) {
	s := c.screen
	if s == nil {
		return
	}
	log.Info().Str("module", "coordinator").Str("reason", reason).Msg("tearing down screen share")
	gw := s.gw
	c.dropScreen()
	// Destroying the gateway session drops every handle on it.
	if gw != nil {
		c.destroyGateway(gw)
	}
}

func (c *Coordinator) dropScreen() {
	s := c.screen
	if s == nil {
		return
	}
	s.cancel()
	c.screen = nil
	for _, f := range s.watched {
		c.obs.FeedChanged(domain.FeedChange{Session: s.name, Kind: domain.FeedRemoved, Feed: f.info})
	}
	s.watched = map[domain.FeedID]*remoteFeed{}
	c.setPhase(&s.base, domain.PhaseIdle)
}
