package coordinator

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"sipvideoroom/native/internal/domain"
)

type echoSession struct {
	base
	handle domain.Handle
}

// StartEchoTest attaches the echo test plugin on the main connection and
// loops local video back through the gateway.
func (c *Coordinator) StartEchoTest(ctx context.Context, done domain.Completion) error {
	return c.do(ctx, func() error {
		if c.conn == nil {
			return domain.ErrNotConnected
		}
		c.startEcho(done)
		return nil
	})
}

func (c *Coordinator) startEcho(done domain.Completion) {
	c.teardownEcho("restart")

	e := &echoSession{base: newBase(domain.SessionEchoTest, done)}
	c.echo = e
	c.setPhase(&e.base, domain.PhaseAttaching)

	gw := c.conn
	opaque := "echotest-" + uuid.NewString()
	listen := c.listener(func(ev domain.HandleEvent) { c.onEchoEvent(e, ev) })
	run(c, func() (domain.Handle, error) {
		return gw.Attach(e.ctx, domain.PluginEchoTest, opaque, listen)
	}, func(h domain.Handle, err error) {
		if c.echo != e {
			c.release(h)
			return
		}
		if err != nil {
			c.setPhase(&e.base, domain.PhaseFailed)
			c.fail(&e.base, &domain.AttachError{Plugin: domain.PluginEchoTest, Err: err})
			return
		}
		e.handle = h
		c.offerEcho(e)
	})
}

func (c *Coordinator) offerEcho(e *echoSession) {
	c.setPhase(&e.base, domain.PhasePublishing)
	h := e.handle
	media := domain.MediaConstraints{VideoSend: true, VideoRecv: true}
	run(c, func() (*domain.JSEP, error) {
		return h.CreateOffer(e.ctx, media)
	}, func(offer *domain.JSEP, err error) {
		if c.echo != e || e.handle != h {
			return
		}
		if err != nil {
			c.setPhase(&e.base, domain.PhaseFailed)
			c.fail(&e.base, &domain.NegotiationError{Step: "echo offer", Err: err})
			return
		}
		c.send(&e.base, h, domain.EchoRequest{Audio: false, Video: true}, offer, func() bool { return c.echo == e })
	})
}

func (c *Coordinator) onEchoEvent(e *echoSession, ev domain.HandleEvent) {
	if c.echo != e {
		return
	}
	switch ev.Kind {
	case domain.EventMessage:
		msg, err := domain.DecodeEchoEvent(ev.Data)
		if msg.Error != "" {
			c.surface(&e.base, &domain.MessageError{Code: msg.ErrorCode, Text: msg.Error})
		}
		if err != nil && !errors.Is(err, domain.ErrUnknownEvent) {
			log.Warn().Str("module", "coordinator").Err(err).Msg("dropping echotest message")
			return
		}
		if msg.Result == "done" {
			c.notice(&e.base, "echo test is over")
			c.teardownEcho("done")
			return
		}
		if ev.JSEP != nil {
			c.applyEcho(e, ev.JSEP)
		}
	case domain.EventWebRTCState:
		log.Info().Str("module", "coordinator").Bool("up", ev.Up).Msg("echotest PeerConnection state")
	case domain.EventMediaState:
		log.Info().Str("module", "coordinator").Str("medium", ev.Medium).Bool("receiving", ev.Receiving).Msg("echotest media state")
	case domain.EventRemoteTrack:
		c.notice(&e.base, "echoed "+ev.Medium+" stream")
	case domain.EventDetached:
		e.handle = nil
		c.teardownEcho("detached")
	}
}

func (c *Coordinator) applyEcho(e *echoSession, answer *domain.JSEP) {
	h := e.handle
	if h == nil {
		return
	}
	runErr(c, func() error { return h.HandleRemoteJSEP(e.ctx, answer) }, func(err error) {
		if c.echo != e || e.handle != h {
			return
		}
		if err != nil {
			c.setPhase(&e.base, domain.PhaseFailed)
			c.fail(&e.base, &domain.NegotiationError{Step: "echo answer", Err: err})
			return
		}
		c.setPhase(&e.base, domain.PhasePublished)
		e.done("echoing", nil)
	})
}

func (c *Coordinator) teardownEcho(reason string) {
	e := c.echo
	if e == nil {
		return
	}
	log.Info().Str("module", "coordinator").Str("reason", reason).Msg("tearing down echo test")
	h := e.handle
	c.dropEcho()
	c.release(h)
}

func (c *Coordinator) dropEcho() {
	e := c.echo
	if e == nil {
		return
	}
	e.cancel()
	c.echo = nil
	c.setPhase(&e.base, domain.PhaseIdle)
}
