package coordinator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sipvideoroom/native/internal/config"
	"sipvideoroom/native/internal/domain"
	"sipvideoroom/native/internal/eventloop"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fakeGateway hands out in-memory sessions and records every call.
type fakeGateway struct {
	mu       sync.Mutex
	servers  []string
	sessions []*fakeSession
	err      error
	// gate, when set, holds every Attach until it is closed.
	gate chan struct{}
}

func (g *fakeGateway) Connect(_ context.Context, server string) (domain.GatewaySession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.servers = append(g.servers, server)
	if g.err != nil {
		return nil, g.err
	}
	s := &fakeSession{gw: g, id: uint64(len(g.sessions) + 1), done: make(chan struct{})}
	g.sessions = append(g.sessions, s)
	return s, nil
}

func (g *fakeGateway) session(i int) *fakeSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i >= len(g.sessions) {
		return nil
	}
	return g.sessions[i]
}

// handles returns every handle of plugin across sessions in attach order.
func (g *fakeGateway) handles(plugin string) []*fakeHandle {
	g.mu.Lock()
	sessions := append([]*fakeSession(nil), g.sessions...)
	g.mu.Unlock()

	var out []*fakeHandle
	for _, s := range sessions {
		s.mu.Lock()
		for _, h := range s.handles {
			if h.plugin == plugin {
				out = append(out, h)
			}
		}
		s.mu.Unlock()
	}
	return out
}

type fakeSession struct {
	gw        *fakeGateway
	id        uint64
	mu        sync.Mutex
	handles   []*fakeHandle
	destroyed bool
	done      chan struct{}
	once      sync.Once
}

func (s *fakeSession) ID() uint64 { return s.id }

func (s *fakeSession) Attach(ctx context.Context, plugin, _ string, listen domain.HandleListener) (domain.Handle, error) {
	s.gw.mu.Lock()
	gate := s.gw.gate
	s.gw.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h := &fakeHandle{id: s.id*100 + uint64(len(s.handles)+1), plugin: plugin, listen: listen}
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSession) Destroy(context.Context) error {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
	s.lose()
	return nil
}

func (s *fakeSession) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) lose() { s.once.Do(func() { close(s.done) }) }

type sentMsg struct {
	body any
	jsep *domain.JSEP
}

type fakeHandle struct {
	id     uint64
	plugin string
	listen domain.HandleListener

	mu        sync.Mutex
	sent      []sentMsg
	offers    []domain.MediaConstraints
	answers   []domain.MediaConstraints
	remote    []*domain.JSEP
	remoteErr error
	hungup    bool
	detached  bool
}

func (h *fakeHandle) ID() uint64     { return h.id }
func (h *fakeHandle) Plugin() string { return h.plugin }

func (h *fakeHandle) Send(_ context.Context, body any, jsep *domain.JSEP) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, sentMsg{body: body, jsep: jsep})
	return nil
}

func (h *fakeHandle) CreateOffer(_ context.Context, media domain.MediaConstraints) (*domain.JSEP, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offers = append(h.offers, media)
	return &domain.JSEP{Type: "offer", SDP: "v=0\r\n"}, nil
}

func (h *fakeHandle) CreateAnswer(_ context.Context, _ *domain.JSEP, media domain.MediaConstraints) (*domain.JSEP, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.answers = append(h.answers, media)
	return &domain.JSEP{Type: "answer", SDP: "v=0\r\n"}, nil
}

func (h *fakeHandle) HandleRemoteJSEP(_ context.Context, jsep *domain.JSEP) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remote = append(h.remote, jsep)
	return h.remoteErr
}

// failRemote makes every later HandleRemoteJSEP call fail with err.
func (h *fakeHandle) failRemote(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remoteErr = err
}

func (h *fakeHandle) Hangup(context.Context) error {
	h.mu.Lock()
	h.hungup = true
	h.mu.Unlock()
	h.listen(domain.HandleEvent{Kind: domain.EventCleanup})
	return nil
}

func (h *fakeHandle) Detach(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detached = true
	return nil
}

func (h *fakeHandle) emit(data string, jsep *domain.JSEP) {
	h.listen(domain.HandleEvent{Kind: domain.EventMessage, Data: json.RawMessage(data), JSEP: jsep})
}

func (h *fakeHandle) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func (h *fakeHandle) sentAt(i int) sentMsg {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent[i]
}

func (h *fakeHandle) state() (hungup, detached bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hungup, h.detached
}

func (h *fakeHandle) snapshot() (offers, answers []domain.MediaConstraints, remote int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.MediaConstraints(nil), h.offers...),
		append([]domain.MediaConstraints(nil), h.answers...), len(h.remote)
}

// recorder is an Observer keeping everything it is told.
type recorder struct {
	mu       sync.Mutex
	phases   []string
	feeds    []domain.FeedChange
	notices  []string
	failures []error
}

func (r *recorder) PhaseChanged(session string, from, to domain.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, session+":"+string(from)+">"+string(to))
}

func (r *recorder) FeedChanged(change domain.FeedChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds = append(r.feeds, change)
}

func (r *recorder) Notice(session, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, session+": "+text)
}

func (r *recorder) Failed(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) hasPhase(session string, from, to domain.Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := session + ":" + string(from) + ">" + string(to)
	for _, p := range r.phases {
		if p == want {
			return true
		}
	}
	return false
}

func (r *recorder) noticeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

func (r *recorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

func (r *recorder) feedKinds(kind domain.FeedChangeKind) []domain.RemoteFeed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RemoteFeed
	for _, f := range r.feeds {
		if f.Kind == kind {
			out = append(out, f.Feed)
		}
	}
	return out
}

func (r *recorder) hasNotice(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notices {
		if strings.Contains(n, substr) {
			return true
		}
	}
	return false
}

// completion collects what a workflow reports.
type completion struct {
	mu       sync.Mutex
	statuses []string
	errs     []error
}

func (c *completion) fn(status string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errs = append(c.errs, err)
		return
	}
	c.statuses = append(c.statuses, status)
}

func (c *completion) errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func (c *completion) has(status string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.statuses {
		if s == status {
			return true
		}
	}
	return false
}

func testConfig() *config.Config {
	return &config.Config{
		Server:            "http://gateway.test/janus",
		ScreenShareServer: "ws://gateway.test:8188/janus",
		SIPProxy:          "127.0.0.1",
		SIPProxyPort:      5061,
		Destination:       "5555",
		AutoDial:          true,
		VideoRoom:         1234,
		ScreenShareRoom:   1234,
		MaxFeeds:          5,
		ClientVendor:      "chrome",
		RequestTimeout:    time.Second,
	}
}

type harness struct {
	c   *Coordinator
	gw  *fakeGateway
	obs *recorder
	ctx context.Context
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	loop := eventloop.New()
	go loop.Run(ctx)

	gw := &fakeGateway{}
	obs := &recorder{}
	return &harness{c: New(cfg, gw, loop, obs), gw: gw, obs: obs, ctx: ctx}
}

// handle waits for the i-th handle of plugin.
func (h *harness) handle(t *testing.T, plugin string, i int) *fakeHandle {
	t.Helper()
	var out *fakeHandle
	require.Eventually(t, func() bool {
		hs := h.gw.handles(plugin)
		if len(hs) <= i {
			return false
		}
		out = hs[i]
		return true
	}, waitFor, tick)
	return out
}

// sent waits for the i-th message sent on fh.
func (h *harness) sent(t *testing.T, fh *fakeHandle, i int) sentMsg {
	t.Helper()
	require.Eventually(t, func() bool { return fh.sentCount() > i }, waitFor, tick)
	return fh.sentAt(i)
}

// settle lets every task queued so far run.
func (h *harness) settle(t *testing.T) domain.Snapshot {
	t.Helper()
	snap, err := h.c.Snapshot(h.ctx)
	require.NoError(t, err)
	return snap
}

func (h *harness) phase(t *testing.T, name string) domain.Phase {
	t.Helper()
	for _, s := range h.settle(t).Sessions {
		if s.Name == name {
			return s.Phase
		}
	}
	return ""
}

func (h *harness) waitPhase(t *testing.T, name string, want domain.Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return h.phase(t, name) == want }, waitFor, tick, "session %s never reached %s", name, want)
}

// registered starts the main session and completes registration.
func (h *harness) registered(t *testing.T, account string, done *completion) *fakeHandle {
	t.Helper()
	require.NoError(t, h.c.Start(h.ctx, account, done.fn))
	sip := h.handle(t, domain.PluginSIP, 0)
	h.sent(t, sip, 0)
	sip.emit(`{"sip":"event","result":{"event":"registered","username":"sip:`+account+`@127.0.0.1"}}`, nil)
	return sip
}
