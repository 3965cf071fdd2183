package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"sipvideoroom/native/internal/domain"
	"sipvideoroom/native/internal/sdpinfo"
)

// Main session state machine events.
const (
	evStart      = "start"
	evConnected  = "connected"
	evAttached   = "attached"
	evRegistered = "registered"
	evDial       = "dial"
	evCalling    = "calling"
	evProgress   = "progress"
	evAccepted   = "accepted"
	evUpdating   = "updatingcall"
	evHangup     = "hangup"
	evCleanup    = "cleanup"
	evFail       = "fail"
	evDestroy    = "destroy"
)

func phases(ps ...domain.Phase) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

// newMainFSM builds the main session table. onChange sees every transition
// that changes the phase; self-loops are silent.
func newMainFSM(onChange func(from, to domain.Phase)) *fsm.FSM {
	inCall := phases(domain.PhaseRegistered, domain.PhaseCalling, domain.PhaseInCall)
	return fsm.NewFSM(
		string(domain.PhaseIdle),
		fsm.Events{
			{Name: evStart, Src: phases(domain.PhaseIdle), Dst: string(domain.PhaseConnecting)},
			{Name: evConnected, Src: phases(domain.PhaseConnecting), Dst: string(domain.PhaseAttaching)},
			{Name: evAttached, Src: phases(domain.PhaseAttaching), Dst: string(domain.PhaseRegistering)},
			{Name: evRegistered, Src: phases(domain.PhaseRegistering), Dst: string(domain.PhaseRegistered)},
			{Name: evDial, Src: phases(domain.PhaseRegistered), Dst: string(domain.PhaseCalling)},
			{Name: evCalling, Src: inCall, Dst: string(domain.PhaseInCall)},
			{Name: evProgress, Src: inCall, Dst: string(domain.PhaseInCall)},
			{Name: evAccepted, Src: inCall, Dst: string(domain.PhaseInCall)},
			{Name: evUpdating, Src: phases(domain.PhaseInCall), Dst: string(domain.PhaseInCall)},
			{Name: evHangup, Src: inCall, Dst: string(domain.PhaseCleaningUp)},
			{Name: evCleanup, Src: phases(domain.PhaseCleaningUp), Dst: string(domain.PhaseIdle)},
			{Name: evFail, Src: phases(
				domain.PhaseConnecting, domain.PhaseAttaching, domain.PhaseRegistering,
				domain.PhaseRegistered, domain.PhaseCalling, domain.PhaseInCall, domain.PhaseCleaningUp,
			), Dst: string(domain.PhaseFailed)},
			{Name: evDestroy, Src: phases(
				domain.PhaseIdle, domain.PhaseConnecting, domain.PhaseAttaching, domain.PhaseRegistering,
				domain.PhaseRegistered, domain.PhaseCalling, domain.PhaseInCall, domain.PhaseCleaningUp,
				domain.PhaseFailed,
			), Dst: string(domain.PhaseIdle)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if e.Src != e.Dst {
					onChange(domain.Phase(e.Src), domain.Phase(e.Dst))
				}
			},
		},
	)
}

type mainSession struct {
	base
	fsm      *fsm.FSM
	handle   domain.Handle
	callID   string
	accepted bool
	timer    *time.Timer
}

func (s *mainSession) phase() domain.Phase { return domain.Phase(s.fsm.Current()) }

func (s *mainSession) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Start destroys any previous main session (and the sessions sharing its
// gateway connection), then connects, attaches the SIP plugin and registers
// account. done receives progress and every error of the session.
func (c *Coordinator) Start(ctx context.Context, account string, done domain.Completion) error {
	if account == "" {
		return errors.New("account must not be empty")
	}
	return c.do(ctx, func() error {
		c.startMain(account, done)
		return nil
	})
}

// Call dials destination from the Registered phase.
func (c *Coordinator) Call(ctx context.Context, destination string) error {
	if destination == "" {
		return errors.New("destination must not be empty")
	}
	return c.do(ctx, func() error {
		s := c.main
		if s == nil || s.phase() != domain.PhaseRegistered {
			return domain.ErrWrongPhase
		}
		c.dial(s, destination)
		return nil
	})
}

// Hangup ends the current call and releases the SIP handle.
func (c *Coordinator) Hangup(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.main
		if s == nil || s.fsm.Cannot(evHangup) {
			return domain.ErrWrongPhase
		}
		c.hangupMain(s, true)
		return nil
	})
}

func (c *Coordinator) startMain(account string, done domain.Completion) {
	c.teardownConnection("restart")

	c.account = account
	c.reg = domain.RegistrationState{Status: domain.Unregistered}

	s := &mainSession{base: newBase(domain.SessionMain, done)}
	s.fsm = newMainFSM(func(from, to domain.Phase) {
		log.Debug().Str("module", "coordinator").Str("session", domain.SessionMain).
			Str("from", string(from)).Str("to", string(to)).Msg("phase")
		c.obs.PhaseChanged(domain.SessionMain, from, to)
	})
	c.main = s
	c.fire(s, evStart)

	log.Info().Str("module", "coordinator").Str("account", account).Str("server", c.cfg.Server).Msg("starting main session")

	server := c.cfg.Server
	run(c, func() (domain.GatewaySession, error) {
		return c.gw.Connect(s.ctx, server)
	}, func(sess domain.GatewaySession, err error) {
		c.onMainConnected(s, sess, err)
	})
}

func (c *Coordinator) onMainConnected(s *mainSession, sess domain.GatewaySession, err error) {
	if c.main != s {
		if sess != nil {
			c.destroyGateway(sess)
		}
		return
	}
	if err != nil {
		c.failMain(s, &domain.ConnectError{Server: c.cfg.Server, Err: err})
		return
	}
	c.conn = sess
	c.watch(sess)
	c.fire(s, evConnected)
	s.done("connected", nil)

	opaque := "siptest-" + uuid.NewString()
	listen := c.listener(func(ev domain.HandleEvent) { c.onSIPEvent(s, ev) })
	run(c, func() (domain.Handle, error) {
		return sess.Attach(s.ctx, domain.PluginSIP, opaque, listen)
	}, func(h domain.Handle, err error) {
		c.onSIPAttached(s, h, err)
	})
}

func (c *Coordinator) onSIPAttached(s *mainSession, h domain.Handle, err error) {
	if c.main != s {
		c.release(h)
		return
	}
	if err != nil {
		c.failMain(s, &domain.AttachError{Plugin: domain.PluginSIP, Err: err})
		return
	}
	s.handle = h
	c.fire(s, evAttached)
	s.done("attached", nil)
	c.register(s)
}

// registerRequest builds the demo credentials: the account doubles as
// auth user and secret.
func (c *Coordinator) registerRequest(account string) domain.SIPRequest {
	user := sip.Uri{Scheme: "sip", User: account, Host: c.cfg.SIPProxy}
	proxy := sip.Uri{Scheme: "sip", Host: c.cfg.SIPProxy, Port: c.cfg.SIPProxyPort}
	return domain.SIPRequest{
		Request:     "register",
		Username:    user.String(),
		AuthUser:    account,
		DisplayName: "Test " + account,
		Secret:      account,
		Proxy:       proxy.String(),
	}
}

// callURI is sip:<destination>@<proxy>:<port>.
func (c *Coordinator) callURI(destination string) string {
	u := sip.Uri{Scheme: "sip", User: destination, Host: c.cfg.SIPProxy, Port: c.cfg.SIPProxyPort}
	return u.String()
}

func (c *Coordinator) register(s *mainSession) {
	c.reg = domain.RegistrationState{Status: domain.Registering}
	if d := c.cfg.RegisterTimeout; d > 0 {
		s.timer = time.AfterFunc(d, func() {
			c.loop.Post(func() { c.onRegisterTimeout(s, d) })
		})
	}

	req := c.registerRequest(c.account)
	log.Info().Str("module", "coordinator").Str("username", req.Username).Str("proxy", req.Proxy).Msg("registering")

	h := s.handle
	runErr(c, func() error { return h.Send(s.ctx, req, nil) }, func(err error) {
		if err == nil || c.main != s {
			return
		}
		c.reg = domain.RegistrationState{Status: domain.RegFailed, Reason: err.Error()}
		c.failMain(s, err)
	})
}

func (c *Coordinator) onRegisterTimeout(s *mainSession, after time.Duration) {
	if c.main != s || s.phase() != domain.PhaseRegistering {
		return
	}
	s.timer = nil
	c.reg = domain.RegistrationState{Status: domain.RegFailed, Reason: "timeout"}
	c.failMain(s, &domain.TimeoutError{Op: "register", After: after})
}

func (c *Coordinator) dial(s *mainSession, destination string) {
	c.fire(s, evDial)
	s.accepted = false
	if d := c.cfg.CallTimeout; d > 0 {
		s.timer = time.AfterFunc(d, func() {
			c.loop.Post(func() { c.onCallTimeout(s, d) })
		})
	}

	uri := c.callURI(destination)
	log.Info().Str("module", "coordinator").Str("uri", uri).Msg("calling")

	h := s.handle
	media := domain.AudioVideo(true, false)
	run(c, func() (*domain.JSEP, error) {
		return h.CreateOffer(s.ctx, media)
	}, func(offer *domain.JSEP, err error) {
		if c.main != s || s.handle != h || s.phase() != domain.PhaseCalling {
			return
		}
		if err != nil {
			c.surface(&s.base, &domain.NegotiationError{Step: "offer", Err: err})
			c.hangupMain(s, false)
			return
		}
		body := domain.SIPRequest{Request: "call", URI: uri}
		runErr(c, func() error { return h.Send(s.ctx, body, offer) }, func(err error) {
			if err == nil || c.main != s || errors.Is(err, context.Canceled) {
				return
			}
			c.surface(&s.base, err)
			c.hangupMain(s, false)
		})
	})
}

func (c *Coordinator) onCallTimeout(s *mainSession, after time.Duration) {
	if c.main != s || s.accepted || s.fsm.Cannot(evHangup) {
		return
	}
	s.timer = nil
	c.surface(&s.base, &domain.TimeoutError{Op: "call", After: after})
	c.hangupMain(s, true)
}

// onSIPEvent handles one event of the SIP handle.
func (c *Coordinator) onSIPEvent(s *mainSession, ev domain.HandleEvent) {
	if c.main != s {
		return
	}
	switch ev.Kind {
	case domain.EventMessage:
		c.onSIPMessage(s, ev)
	case domain.EventCleanup:
		c.onSIPCleanup(s)
	case domain.EventWebRTCState:
		log.Info().Str("module", "coordinator").Bool("up", ev.Up).Str("reason", ev.Reason).Msg("SIP PeerConnection state")
	case domain.EventMediaState:
		log.Info().Str("module", "coordinator").Str("medium", ev.Medium).Bool("receiving", ev.Receiving).Msg("SIP media state")
	case domain.EventICEState:
		log.Debug().Str("module", "coordinator").Str("state", ev.State).Msg("SIP ICE state")
	case domain.EventRemoteTrack:
		c.notice(&s.base, "remote "+ev.Medium+" stream")
	case domain.EventSlowLink:
		log.Warn().Str("module", "coordinator").Bool("uplink", ev.Uplink).Int("lost", ev.Lost).Msg("SIP slow link")
	case domain.EventDetached:
		if s.handle != nil {
			s.handle = nil
			c.notice(&s.base, "SIP handle detached by the gateway")
		}
	}
}

func (c *Coordinator) onSIPMessage(s *mainSession, ev domain.HandleEvent) {
	msg, err := domain.DecodeSIPEvent(ev.Data)
	if msgErr := msg.MessageError(); msgErr != nil {
		c.surface(&s.base, msgErr)
	}
	if err != nil {
		if errors.Is(err, domain.ErrUnknownEvent) {
			c.notice(&s.base, err.Error())
		} else {
			log.Warn().Str("module", "coordinator").Err(err).Msg("dropping SIP message")
		}
		return
	}
	if msg.Result == nil {
		return
	}

	r := msg.Result
	log.Debug().Str("module", "coordinator").Str("event", string(r.Event)).Msg("SIP event")

	switch r.Event {
	case domain.SIPRegistering:
	case domain.SIPRegistered:
		if s.phase() != domain.PhaseRegistering {
			return
		}
		s.stopTimer()
		c.reg = domain.RegistrationState{Status: domain.Registered}
		c.fire(s, evRegistered)
		log.Info().Str("module", "coordinator").Str("username", r.Username).Msg("registered")
		s.done("registered", nil)
		if c.cfg.AutoDial {
			c.dial(s, c.cfg.Destination)
		}
	case domain.SIPRegistrationFailed:
		s.stopTimer()
		c.reg = domain.RegistrationState{Status: domain.RegFailed, Reason: fmt.Sprintf("%d %s", r.Code, r.Reason)}
		c.failMain(s, &domain.RegistrationFailedError{Code: r.Code, Reason: r.Reason})
	case domain.SIPCalling:
		c.fire(s, evCalling)
		s.done("calling", nil)
	case domain.SIPProgress:
		c.notice(&s.base, "early media from "+r.Username)
		c.fire(s, evProgress)
		c.applyRemote(s, ev.JSEP)
	case domain.SIPAccepted:
		s.accepted = true
		s.stopTimer()
		if msg.CallID != "" {
			s.callID = msg.CallID
		}
		c.fire(s, evAccepted)
		s.done("accepted", nil)
		c.applyRemote(s, ev.JSEP)
	case domain.SIPUpdatingCall:
		c.fire(s, evUpdating)
		c.answerUpdate(s, ev.JSEP)
	case domain.SIPHangup:
		c.notice(&s.base, fmt.Sprintf("call hung up (%d %s)", r.Code, r.Reason))
		c.hangupMain(s, false)
	case domain.SIPIncomingCall:
		c.notice(&s.base, "incoming call from "+r.Username+" ignored")
	case domain.SIPAccepting:
		c.notice(&s.base, "accepting, waiting for accepted")
	case domain.SIPMessage, domain.SIPInfo, domain.SIPNotify:
		c.notice(&s.base, fmt.Sprintf("%s from %s: %s", r.Event, r.Sender, r.Content))
	case domain.SIPTransfer:
		c.notice(&s.base, "transfer request to "+r.ReferTo+" ignored")
	default:
		c.notice(&s.base, "SIP "+string(r.Event))
	}
}

// applyRemote hands a remote description to the handle once; a failure
// hangs up the call.
func (c *Coordinator) applyRemote(s *mainSession, jsep *domain.JSEP) {
	if jsep == nil || s.handle == nil {
		return
	}
	h := s.handle
	runErr(c, func() error { return h.HandleRemoteJSEP(s.ctx, jsep) }, func(err error) {
		if err == nil || c.main != s || s.handle != h {
			return
		}
		c.surface(&s.base, &domain.NegotiationError{Step: "remote description", Err: err})
		c.hangupMain(s, true)
	})
}

// answerUpdate accepts a re-INVITE without asking, mirroring the media kinds
// of the incoming description.
func (c *Coordinator) answerUpdate(s *mainSession, offer *domain.JSEP) {
	if s.handle == nil {
		return
	}
	if offer == nil {
		c.surface(&s.base, &domain.NegotiationError{Step: "update", Err: errors.New("re-INVITE without description")})
		c.hangupMain(s, true)
		return
	}
	audio, video, err := sdpinfo.Kinds(offer.SDP)
	if err != nil {
		c.surface(&s.base, &domain.NegotiationError{Step: "update", Err: err})
		c.hangupMain(s, true)
		return
	}

	h := s.handle
	media := domain.AudioVideo(audio, video)
	run(c, func() (*domain.JSEP, error) {
		return h.CreateAnswer(s.ctx, offer, media)
	}, func(answer *domain.JSEP, err error) {
		if c.main != s || s.handle != h {
			return
		}
		if err != nil {
			c.surface(&s.base, &domain.NegotiationError{Step: "answer", Err: err})
			c.hangupMain(s, true)
			return
		}
		log.Info().Str("module", "coordinator").Bool("audio", audio).Bool("video", video).Msg("answering re-INVITE")
		c.send(&s.base, h, domain.SIPRequest{Request: "update"}, answer, func() bool { return c.main == s })
	})
}

// hangupMain moves to CleaningUp and closes the media session. notify sends
// the SIP hangup request first. The handle's cleanup event completes the
// transition to Idle.
func (c *Coordinator) hangupMain(s *mainSession, notify bool) {
	if s.fsm.Cannot(evHangup) {
		return
	}
	s.stopTimer()
	c.fire(s, evHangup)
	s.done("hangup", nil)

	h := s.handle
	if h == nil {
		c.onSIPCleanup(s)
		return
	}
	go func() {
		ctx, cancel := c.background()
		defer cancel()
		if notify {
			if err := h.Send(ctx, domain.SIPRequest{Request: "hangup"}, nil); err != nil {
				log.Debug().Str("module", "coordinator").Err(err).Msg("SIP hangup request")
			}
		}
		if err := h.Hangup(ctx); err != nil {
			log.Debug().Str("module", "coordinator").Err(err).Msg("SIP handle hangup")
		}
	}()
}

// onSIPCleanup releases the handle and clears the dialog once the media
// session is gone.
func (c *Coordinator) onSIPCleanup(s *mainSession) {
	if s.phase() != domain.PhaseCleaningUp {
		return
	}
	c.release(s.handle)
	s.handle = nil
	s.callID = ""
	s.accepted = false
	c.reg = domain.RegistrationState{Status: domain.Unregistered}
	c.fire(s, evCleanup)
}

// failMain reports err once and moves to Failed. The SIP handle is released;
// the gateway connection stays up for the other sessions.
func (c *Coordinator) failMain(s *mainSession, err error) {
	s.stopTimer()
	if s.fsm.Can(evFail) {
		c.fire(s, evFail)
	}
	c.fail(&s.base, err)
	if s.handle != nil {
		c.release(s.handle)
		s.handle = nil
	}
}

// teardownMain destroys the main session; late continuations find it gone.
func (c *Coordinator) teardownMain(reason string) {
	s := c.main
	if s == nil {
		return
	}
	log.Info().Str("module", "coordinator").Str("reason", reason).Msg("tearing down main session")

	h := s.handle
	s.handle = nil
	c.dropMain()
	if h != nil {
		go func() {
			ctx, cancel := c.background()
			defer cancel()
			_ = h.Hangup(ctx)
			_ = h.Detach(ctx)
		}()
	}
}

// dropMain forgets the main session without talking to the gateway.
func (c *Coordinator) dropMain() {
	s := c.main
	if s == nil {
		return
	}
	s.stopTimer()
	s.cancel()
	c.main = nil
	c.reg = domain.RegistrationState{Status: domain.Unregistered}
	c.fire(s, evDestroy)
}

func (c *Coordinator) fire(s *mainSession, event string) {
	err := s.fsm.Event(context.Background(), event)
	if err == nil {
		return
	}
	var none fsm.NoTransitionError
	if errors.As(err, &none) {
		return
	}
	log.Warn().Str("module", "coordinator").Str("event", event).Str("phase", s.fsm.Current()).Err(err).Msg("transition rejected")
}
