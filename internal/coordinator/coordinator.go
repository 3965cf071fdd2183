// Package coordinator drives the gateway sessions of one client: the main SIP
// session, the video room, the screen share and the echo test.
//
// Every Coordinator method hands its work to the event loop. State is only
// read or written by loop tasks; gateway I/O runs on its own goroutines and
// posts its continuation back. A continuation for a session that has since
// been torn down finds a different (or no) session in place and does nothing.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"sipvideoroom/native/internal/config"
	"sipvideoroom/native/internal/domain"
	"sipvideoroom/native/internal/eventloop"
)

// Coordinator owns the named sessions and their gateway connections.
type Coordinator struct {
	cfg  *config.Config
	gw   domain.Gateway
	loop *eventloop.Loop
	obs  domain.Observer

	account string
	reg     domain.RegistrationState
	// conn is the main gateway connection, shared by the main, room and
	// echo-test sessions. The screen share has its own.
	conn domain.GatewaySession

	main   *mainSession
	room   *roomSession
	screen *screenSession
	echo   *echoSession
}

// New creates a Coordinator. loop must be running (or about to run) for any
// method to make progress. obs may be nil.
func New(cfg *config.Config, gw domain.Gateway, loop *eventloop.Loop, obs domain.Observer) *Coordinator {
	if obs == nil {
		obs = Observers{}
	}
	return &Coordinator{
		cfg:  cfg,
		gw:   gw,
		loop: loop,
		obs:  obs,
		reg:  domain.RegistrationState{Status: domain.Unregistered},
	}
}

// Destroy tears down every session and gateway connection. It is safe to
// call at any time, including while negotiations are in flight.
func (c *Coordinator) Destroy(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.teardownScreen("destroy")
		c.teardownConnection("destroy")
		return nil
	})
}

// Snapshot returns the current state of every session.
func (c *Coordinator) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := c.do(ctx, func() error {
		snap = c.snapshot()
		return nil
	})
	return snap, err
}

func (c *Coordinator) snapshot() domain.Snapshot {
	snap := domain.Snapshot{
		Account:      c.account,
		Registration: c.reg,
		Sessions:     []domain.Session{},
		Feeds:        []domain.RemoteFeed{},
	}
	if s := c.main; s != nil {
		snap.Sessions = append(snap.Sessions, domain.Session{
			ID:       s.id,
			Name:     s.name,
			Phase:    s.phase(),
			HandleID: handleID(s.handle),
			CallID:   s.callID,
		})
	}
	if r := c.room; r != nil {
		snap.Sessions = append(snap.Sessions, r.session(handleID(r.handle)))
		snap.Feeds = append(snap.Feeds, r.feedList()...)
	}
	if sc := c.screen; sc != nil {
		snap.Sessions = append(snap.Sessions, sc.session(handleID(sc.handle)))
		snap.ScreenRole = sc.role
	}
	if e := c.echo; e != nil {
		snap.Sessions = append(snap.Sessions, e.session(handleID(e.handle)))
	}
	return snap
}

func handleID(h domain.Handle) uint64 {
	if h == nil {
		return 0
	}
	return h.ID()
}

// teardownConnection destroys the main, room and echo-test sessions together
// with the main gateway connection.
func (c *Coordinator) teardownConnection(reason string) {
	c.teardownRoom(reason)
	c.teardownEcho(reason)
	c.teardownMain(reason)
	if c.conn != nil {
		c.destroyGateway(c.conn)
		c.conn = nil
	}
}

// onGatewayLost resets every session that ran over sess. The gateway has
// already dropped their handles, so nothing is sent.
func (c *Coordinator) onGatewayLost(sess domain.GatewaySession) {
	if c.conn == sess {
		log.Warn().Str("module", "coordinator").Uint64("gateway", sess.ID()).Msg("main gateway session lost")
		if c.main != nil {
			c.obs.Notice(domain.SessionMain, "gateway session lost")
		}
		c.conn = nil
		c.dropRoom()
		c.dropEcho()
		c.dropMain()
	}
	if c.screen != nil && c.screen.gw == sess {
		log.Warn().Str("module", "coordinator").Uint64("gateway", sess.ID()).Msg("screen share gateway session lost")
		c.obs.Notice(domain.SessionScreenShare, "gateway session lost")
		c.dropScreen()
	}
}

// session state shared by every workflow.
type base struct {
	id     string
	name   string
	phase  domain.Phase
	ctx    context.Context
	cancel context.CancelFunc
	done   domain.Completion
	failed bool
}

func newBase(name string, done domain.Completion) base {
	if done == nil {
		done = func(string, error) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return base{
		id:     uuid.NewString(),
		name:   name,
		phase:  domain.PhaseIdle,
		ctx:    ctx,
		cancel: cancel,
		done:   done,
	}
}

func (b *base) session(handle uint64) domain.Session {
	return domain.Session{ID: b.id, Name: b.name, Phase: b.phase, HandleID: handle}
}

// setPhase moves a session without a state machine table.
func (c *Coordinator) setPhase(b *base, to domain.Phase) {
	if b.phase == to {
		return
	}
	from := b.phase
	b.phase = to
	log.Debug().Str("module", "coordinator").Str("session", b.name).
		Str("from", string(from)).Str("to", string(to)).Msg("phase")
	c.obs.PhaseChanged(b.name, from, to)
}

// fail reports a terminal error once.
func (c *Coordinator) fail(b *base, err error) {
	if b.failed {
		return
	}
	b.failed = true
	log.Error().Str("module", "coordinator").Str("session", b.name).Err(err).Msg("session failed")
	b.done("", err)
	c.obs.Failed(b.name, err)
}

// surface reports a non-terminal error; processing continues.
func (c *Coordinator) surface(b *base, err error) {
	log.Warn().Str("module", "coordinator").Str("session", b.name).Err(err).Msg("gateway reported an error")
	b.done("", err)
	c.obs.Notice(b.name, err.Error())
}

func (c *Coordinator) notice(b *base, text string) {
	log.Info().Str("module", "coordinator").Str("session", b.name).Msg(text)
	c.obs.Notice(b.name, text)
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	var err error
	if cerr := c.loop.Call(ctx, func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

// run executes op off the loop and posts then back onto it.
func run[T any](c *Coordinator, op func() (T, error), then func(T, error)) {
	go func() {
		v, err := op()
		c.loop.Post(func() { then(v, err) })
	}()
}

// runErr is run for operations without a result.
func runErr(c *Coordinator, op func() error, then func(error)) {
	go func() {
		err := op()
		c.loop.Post(func() { then(err) })
	}()
}

// listener forwards handle events onto the loop in arrival order.
func (c *Coordinator) listener(fn func(domain.HandleEvent)) domain.HandleListener {
	return func(ev domain.HandleEvent) {
		c.loop.Post(func() { fn(ev) })
	}
}

func (c *Coordinator) background() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.requestTimeout())
}

func (c *Coordinator) requestTimeout() time.Duration {
	if c.cfg.RequestTimeout > 0 {
		return c.cfg.RequestTimeout
	}
	return 10 * time.Second
}

// send posts a plugin message off the loop. A failure is surfaced on b
// unless the session has been replaced meanwhile.
func (c *Coordinator) send(b *base, h domain.Handle, body any, jsep *domain.JSEP, alive func() bool) {
	ctx := b.ctx
	runErr(c, func() error { return h.Send(ctx, body, jsep) }, func(err error) {
		if err == nil || !alive() || errors.Is(err, context.Canceled) {
			return
		}
		c.surface(b, err)
	})
}

// release detaches a handle in the background.
func (c *Coordinator) release(h domain.Handle) {
	if h == nil {
		return
	}
	go func() {
		ctx, cancel := c.background()
		defer cancel()
		if err := h.Detach(ctx); err != nil {
			log.Debug().Str("module", "coordinator").Uint64("handle", h.ID()).Err(err).Msg("detach")
		}
	}()
}

func (c *Coordinator) destroyGateway(sess domain.GatewaySession) {
	go func() {
		ctx, cancel := c.background()
		defer cancel()
		if err := sess.Destroy(ctx); err != nil {
			log.Debug().Str("module", "coordinator").Uint64("gateway", sess.ID()).Err(err).Msg("destroy gateway session")
		}
	}()
}

// watch resets the sessions of sess once the gateway drops it.
func (c *Coordinator) watch(sess domain.GatewaySession) {
	go func() {
		<-sess.Done()
		c.loop.Post(func() { c.onGatewayLost(sess) })
	}()
}
