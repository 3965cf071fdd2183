package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"sipvideoroom/native/internal/domain"
	"sipvideoroom/native/internal/sdpinfo"
)

type roomSession struct {
	base
	gw     domain.GatewaySession
	handle domain.Handle

	selfID    domain.FeedID
	privateID uint64

	publishing   bool
	published    bool
	unpublishing bool
	offeredVideo bool

	feeds map[domain.FeedID]*remoteFeed
	slots *slotTable
}

type remoteFeed struct {
	info   domain.RemoteFeed
	handle domain.Handle
}

func (r *roomSession) feedList() []domain.RemoteFeed {
	out := make([]domain.RemoteFeed, 0, len(r.feeds))
	for _, f := range r.feeds {
		out = append(out, f.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// StartVideoRoom joins the configured room as a publisher on the main
// gateway connection, publishes local video and subscribes to every other
// publisher.
func (c *Coordinator) StartVideoRoom(ctx context.Context, done domain.Completion) error {
	return c.do(ctx, func() error {
		if c.conn == nil {
			return domain.ErrNotConnected
		}
		c.startRoom(done)
		return nil
	})
}

// Publish republishes local video after an unpublish.
func (c *Coordinator) Publish(ctx context.Context) error {
	return c.do(ctx, func() error {
		r := c.room
		if r == nil || r.phase != domain.PhaseJoined {
			return domain.ErrWrongPhase
		}
		c.publishRoom(r)
		return nil
	})
}

// Unpublish stops publishing local video; the room membership stays.
func (c *Coordinator) Unpublish(ctx context.Context) error {
	return c.do(ctx, func() error {
		r := c.room
		if r == nil || r.phase != domain.PhasePublished {
			return domain.ErrWrongPhase
		}
		r.unpublishing = true
		c.send(&r.base, r.handle, domain.RoomRequest{Request: "unpublish"}, nil, func() bool { return c.room == r })
		return nil
	})
}

func (c *Coordinator) startRoom(done domain.Completion) {
	c.teardownRoom("restart")

	r := &roomSession{
		base:  newBase(domain.SessionVideoRoom, done),
		gw:    c.conn,
		feeds: map[domain.FeedID]*remoteFeed{},
		slots: newSlotTable(c.cfg.MaxFeeds),
	}
	c.room = r
	c.setPhase(&r.base, domain.PhaseAttaching)

	gw := r.gw
	opaque := "videoroomtest-" + uuid.NewString()
	listen := c.listener(func(ev domain.HandleEvent) { c.onRoomEvent(r, ev) })
	run(c, func() (domain.Handle, error) {
		return gw.Attach(r.ctx, domain.PluginVideoRoom, opaque, listen)
	}, func(h domain.Handle, err error) {
		if c.room != r {
			c.release(h)
			return
		}
		if err != nil {
			c.setPhase(&r.base, domain.PhaseFailed)
			c.fail(&r.base, &domain.AttachError{Plugin: domain.PluginVideoRoom, Err: err})
			return
		}
		r.handle = h
		c.setPhase(&r.base, domain.PhaseJoining)
		join := domain.RoomRequest{
			Request: "join",
			Room:    c.cfg.VideoRoom,
			PType:   domain.PTypePublisher,
			Display: c.account,
		}
		log.Info().Str("module", "coordinator").Uint64("room", c.cfg.VideoRoom).Msg("joining video room")
		c.send(&r.base, h, join, nil, func() bool { return c.room == r })
	})
}

func (c *Coordinator) onRoomEvent(r *roomSession, ev domain.HandleEvent) {
	if c.room != r {
		return
	}
	switch ev.Kind {
	case domain.EventMessage:
		c.onRoomMessage(r, ev)
	case domain.EventCleanup:
		// Our publisher PeerConnection is gone; we are still in the room.
		r.publishing, r.published, r.unpublishing = false, false, false
		if r.phase == domain.PhasePublishing || r.phase == domain.PhasePublished {
			c.setPhase(&r.base, domain.PhaseJoined)
			c.notice(&r.base, "unpublished")
		}
	case domain.EventWebRTCState:
		log.Info().Str("module", "coordinator").Bool("up", ev.Up).Msg("publisher PeerConnection state")
	case domain.EventMediaState:
		log.Info().Str("module", "coordinator").Str("medium", ev.Medium).Bool("receiving", ev.Receiving).Msg("publisher media state")
	case domain.EventICEState:
		log.Debug().Str("module", "coordinator").Str("state", ev.State).Msg("publisher ICE state")
	case domain.EventDetached:
		c.notice(&r.base, "room handle detached by the gateway")
		r.handle = nil
		c.teardownRoom("detached")
	}
}

func (c *Coordinator) onRoomMessage(r *roomSession, ev domain.HandleEvent) {
	msg, err := domain.DecodeRoomEvent(ev.Data)
	if msgErr := msg.MessageError(); msgErr != nil {
		c.surface(&r.base, msgErr)
	}
	if err != nil {
		if errors.Is(err, domain.ErrUnknownEvent) {
			c.notice(&r.base, err.Error())
		} else {
			log.Warn().Str("module", "coordinator").Err(err).Msg("dropping videoroom message")
			return
		}
	}

	switch msg.Kind {
	case domain.RoomJoined:
		r.selfID = msg.ID
		r.privateID = msg.PrivateID
		log.Info().Str("module", "coordinator").Str("id", msg.ID.String()).Msg("joined video room")
		c.setPhase(&r.base, domain.PhaseJoined)
		r.done("joined", nil)
		c.publishRoom(r)
		c.subscribeAll(r, msg.Publishers)
	case domain.RoomDestroyed:
		c.notice(&r.base, "the room has been destroyed")
		c.teardownRoom("room destroyed")
		return
	case domain.RoomEventNotice:
		c.subscribeAll(r, msg.Publishers)
		if msg.Leaving != "" {
			c.onLeaving(r, msg.Leaving)
		}
		if msg.Unpublished != "" {
			c.onUnpublished(r, msg.Unpublished)
		}
	}

	if ev.JSEP != nil {
		c.onPublisherAnswer(r, ev.JSEP, msg.VideoCodec)
	}
}

func (c *Coordinator) publishRoom(r *roomSession) {
	if r.handle == nil || r.publishing || r.published {
		return
	}
	r.publishing = true
	r.offeredVideo = true
	c.setPhase(&r.base, domain.PhasePublishing)

	h := r.handle
	media := domain.MediaConstraints{VideoSend: true}
	run(c, func() (*domain.JSEP, error) {
		return h.CreateOffer(r.ctx, media)
	}, func(offer *domain.JSEP, err error) {
		if c.room != r || r.handle != h {
			return
		}
		if err != nil {
			r.publishing = false
			c.setPhase(&r.base, domain.PhaseJoined)
			c.surface(&r.base, &domain.NegotiationError{Step: "publish offer", Err: err})
			return
		}
		configure := domain.RoomRequest{Request: "configure", Audio: domain.Bool(false), Video: domain.Bool(true)}
		c.send(&r.base, h, configure, offer, func() bool { return c.room == r })
	})
}

func (c *Coordinator) onPublisherAnswer(r *roomSession, answer *domain.JSEP, videoCodec string) {
	if r.handle == nil {
		return
	}
	if r.offeredVideo && videoCodec == "" {
		c.notice(&r.base, "our video stream has been rejected, viewers won't see us")
	}

	h := r.handle
	runErr(c, func() error { return h.HandleRemoteJSEP(r.ctx, answer) }, func(err error) {
		if c.room != r || r.handle != h {
			return
		}
		if err != nil {
			c.surface(&r.base, &domain.NegotiationError{Step: "publish answer", Err: err})
			c.hangupHandle(h)
			return
		}
		if r.publishing {
			r.publishing = false
			r.published = true
			c.setPhase(&r.base, domain.PhasePublished)
			r.done("published", nil)
		}
	})
}

// onUnpublished handles an unpublished notification. Our own id, or the
// literal acknowledgement while our unpublish is pending, means we stopped
// publishing.
func (c *Coordinator) onUnpublished(r *roomSession, id domain.FeedID) {
	if (r.selfID != "" && id == r.selfID) || (id == domain.Ack && r.unpublishing) {
		r.unpublishing = false
		log.Info().Str("module", "coordinator").Msg("own feed unpublished, hanging up publisher")
		c.hangupHandle(r.handle)
		return
	}
	if id == domain.Ack {
		log.Debug().Str("module", "coordinator").Msg("unsolicited unpublish acknowledgement")
		return
	}
	c.removeFeed(r, id, "unpublished")
}

func (c *Coordinator) onLeaving(r *roomSession, id domain.FeedID) {
	if id == domain.Ack {
		return
	}
	c.removeFeed(r, id, "left the room")
}

func (c *Coordinator) subscribeAll(r *roomSession, pubs []domain.Publisher) {
	for _, p := range pubs {
		c.subscribe(r, p)
	}
}

// subscribe opens a subscriber handle for one publisher not yet tracked.
func (c *Coordinator) subscribe(r *roomSession, p domain.Publisher) {
	if p.ID == "" || p.ID == r.selfID {
		return
	}
	if _, ok := r.feeds[p.ID]; ok {
		return
	}

	info := domain.RemoteFeed{ID: p.ID, Display: p.Display, AudioCodec: p.AudioCodec, VideoCodec: p.VideoCodec}
	slot, err := r.slots.acquire()
	if err != nil {
		c.notice(&r.base, fmt.Sprintf("no free slot for feed %s (%s)", p.ID, p.Display))
		c.obs.FeedChanged(domain.FeedChange{Session: r.name, Kind: domain.FeedRejected, Feed: info})
		return
	}
	info.Slot = slot
	info.VideoDisabled = p.VideoCodec != "" && !videoSupported(c.cfg.ClientVendor, c.cfg.SafariVP8, p.VideoCodec)

	f := &remoteFeed{info: info}
	r.feeds[p.ID] = f
	log.Info().Str("module", "coordinator").Str("feed", p.ID.String()).Str("display", p.Display).Int("slot", slot).Msg("new remote feed")
	c.obs.FeedChanged(domain.FeedChange{Session: r.name, Kind: domain.FeedAdded, Feed: info})

	alive := func() bool { return c.room == r && r.feeds[p.ID] == f }
	gw := r.gw
	opaque := "videoroomtest-" + uuid.NewString()
	listen := c.listener(func(ev domain.HandleEvent) { c.onFeedEvent(r, f, ev) })
	run(c, func() (domain.Handle, error) {
		return gw.Attach(r.ctx, domain.PluginVideoRoom, opaque, listen)
	}, func(h domain.Handle, err error) {
		if !alive() {
			c.release(h)
			return
		}
		if err != nil {
			c.surface(&r.base, &domain.AttachError{Plugin: domain.PluginVideoRoom, Err: err})
			c.removeFeed(r, p.ID, "attach failed")
			return
		}
		f.handle = h

		id := p.ID
		join := domain.RoomRequest{
			Request:    "join",
			Room:       c.cfg.VideoRoom,
			PType:      domain.PTypeSubscriber,
			Feed:       &id,
			PrivateID:  r.privateID,
			OfferAudio: domain.Bool(false),
		}
		if info.VideoDisabled {
			log.Info().Str("module", "coordinator").Str("codec", p.VideoCodec).Msg("video codec unsupported by client, subscribing without video")
			join.OfferVideo = domain.Bool(false)
		}
		c.send(&r.base, h, join, nil, alive)
	})
}

func (c *Coordinator) onFeedEvent(r *roomSession, f *remoteFeed, ev domain.HandleEvent) {
	if c.room != r || r.feeds[f.info.ID] != f {
		return
	}
	switch ev.Kind {
	case domain.EventMessage:
		msg, err := domain.DecodeRoomEvent(ev.Data)
		if msgErr := msg.MessageError(); msgErr != nil {
			c.surface(&r.base, msgErr)
		}
		if err != nil && !errors.Is(err, domain.ErrUnknownEvent) {
			log.Warn().Str("module", "coordinator").Err(err).Msg("dropping subscriber message")
			return
		}
		if msg.Kind == domain.RoomAttached {
			if msg.Display != "" {
				f.info.Display = msg.Display
			}
			c.obs.FeedChanged(domain.FeedChange{Session: r.name, Kind: domain.FeedAttached, Feed: f.info})
		}
		if ev.JSEP != nil {
			c.answerFeed(r, f, ev.JSEP)
		}
	case domain.EventRemoteTrack:
		log.Info().Str("module", "coordinator").Str("feed", f.info.ID.String()).Str("medium", ev.Medium).Str("codec", ev.Codec).Msg("remote feed track")
	case domain.EventWebRTCState:
		log.Info().Str("module", "coordinator").Str("feed", f.info.ID.String()).Bool("up", ev.Up).Msg("subscriber PeerConnection state")
	case domain.EventDetached:
		f.handle = nil
		c.removeFeed(r, f.info.ID, "detached")
	}
}

func (c *Coordinator) answerFeed(r *roomSession, f *remoteFeed, offer *domain.JSEP) {
	h := f.handle
	if h == nil {
		return
	}
	if f.info.VideoCodec == "" {
		c.offeredCodec(r, f, offer)
	}
	media := domain.RecvOnly()
	media.VideoRecv = !f.info.VideoDisabled

	alive := func() bool { return c.room == r && r.feeds[f.info.ID] == f }
	run(c, func() (*domain.JSEP, error) {
		return h.CreateAnswer(r.ctx, offer, media)
	}, func(answer *domain.JSEP, err error) {
		if !alive() {
			return
		}
		if err != nil {
			c.surface(&r.base, &domain.NegotiationError{Step: "subscriber answer", Err: err})
			c.removeFeed(r, f.info.ID, "negotiation failed")
			return
		}
		c.send(&r.base, h, domain.RoomRequest{Request: "start", Room: c.cfg.VideoRoom}, answer, alive)
	})
}

// offeredCodec fills in the video codec of a feed whose publisher entry did
// not name one, taking it from the subscriber offer, and applies the client
// codec policy to it.
func (c *Coordinator) offeredCodec(r *roomSession, f *remoteFeed, offer *domain.JSEP) {
	codecs, err := sdpinfo.Codecs(offer.SDP, "video")
	if err != nil {
		log.Debug().Str("module", "coordinator").Str("feed", f.info.ID.String()).Err(err).Msg("unreadable subscriber offer")
		return
	}
	if len(codecs) == 0 {
		return
	}
	f.info.VideoCodec = codecs[0]
	if !videoSupported(c.cfg.ClientVendor, c.cfg.SafariVP8, f.info.VideoCodec) {
		f.info.VideoDisabled = true
		c.notice(&r.base, fmt.Sprintf("feed %s offers %s, not supported here: video disabled", f.info.ID, f.info.VideoCodec))
	}
	c.obs.FeedChanged(domain.FeedChange{Session: r.name, Kind: domain.FeedAttached, Feed: f.info})
}

// removeFeed drops a tracked feed and frees its slot. Untracked ids are ignored.
func (c *Coordinator) removeFeed(r *roomSession, id domain.FeedID, why string) {
	f, ok := r.feeds[id]
	if !ok {
		log.Debug().Str("module", "coordinator").Str("feed", id.String()).Msg("ignoring untracked feed")
		return
	}
	delete(r.feeds, id)
	r.slots.release(f.info.Slot)
	log.Info().Str("module", "coordinator").Str("feed", id.String()).Int("slot", f.info.Slot).Msg("remote feed " + why)
	c.obs.FeedChanged(domain.FeedChange{Session: r.name, Kind: domain.FeedRemoved, Feed: f.info})
	c.release(f.handle)
}

// hangupHandle closes a handle's media session in the background.
func (c *Coordinator) hangupHandle(h domain.Handle) {
	if h == nil {
		return
	}
	go func() {
		ctx, cancel := c.background()
		defer cancel()
		if err := h.Hangup(ctx); err != nil {
			log.Debug().Str("module", "coordinator").Uint64("handle", h.ID()).Err(err).Msg("hangup")
		}
	}()
}

func (c *Coordinator) teardownRoom(reason string) {
	r := c.room
	if r == nil {
		return
	}
	log.Info().Str("module", "coordinator").Str("reason", reason).Msg("tearing down video room")

	handles := []domain.Handle{r.handle}
	for _, f := range r.feeds {
		handles = append(handles, f.handle)
	}
	c.dropRoom()
	for _, h := range handles {
		c.release(h)
	}
}

// dropRoom forgets the room session without talking to the gateway.
func (c *Coordinator) dropRoom() {
	r := c.room
	if r == nil {
		return
	}
	r.cancel()
	c.room = nil
	for _, info := range r.feedList() {
		r.slots.release(info.Slot)
		c.obs.FeedChanged(domain.FeedChange{Session: r.name, Kind: domain.FeedRemoved, Feed: info})
	}
	r.feeds = map[domain.FeedID]*remoteFeed{}
	c.setPhase(&r.base, domain.PhaseIdle)
}
