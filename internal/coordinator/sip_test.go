package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/looplab/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipvideoroom/native/internal/config"
	"sipvideoroom/native/internal/domain"
)

const account = "700000100001"

func TestStart_RegistersThenCallsExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	done := &completion{}

	require.NoError(t, h.c.Start(h.ctx, account, done.fn))
	sip := h.handle(t, domain.PluginSIP, 0)

	reg, ok := h.sent(t, sip, 0).body.(domain.SIPRequest)
	require.True(t, ok)
	assert.Equal(t, "register", reg.Request)
	assert.Equal(t, "sip:700000100001@127.0.0.1", reg.Username)
	assert.Equal(t, account, reg.AuthUser)
	assert.Equal(t, "Test 700000100001", reg.DisplayName)
	assert.Equal(t, account, reg.Secret)
	assert.Equal(t, "sip:127.0.0.1:5061", reg.Proxy)
	assert.Equal(t, domain.Registering, h.settle(t).Registration.Status)

	sip.emit(`{"sip":"event","result":{"event":"registered","username":"sip:700000100001@127.0.0.1"}}`, nil)
	call := h.sent(t, sip, 1)
	body := call.body.(domain.SIPRequest)
	assert.Equal(t, "call", body.Request)
	assert.Equal(t, "sip:5555@127.0.0.1:5061", body.URI)
	require.NotNil(t, call.jsep)
	offers, _, _ := sip.snapshot()
	assert.Equal(t, []domain.MediaConstraints{{AudioSend: true, AudioRecv: true}}, offers)

	// A duplicate registered event must not dial again.
	sip.emit(`{"sip":"event","result":{"event":"registered"}}`, nil)
	snap := h.settle(t)
	assert.Equal(t, 2, sip.sentCount())
	assert.Equal(t, domain.Registered, snap.Registration.Status)

	sip.emit(`{"sip":"event","call_id":"c-1","result":{"event":"accepted","username":"sip:5555@127.0.0.1"}}`,
		&domain.JSEP{Type: "answer", SDP: "v=0\r\n"})
	h.waitPhase(t, domain.SessionMain, domain.PhaseInCall)
	require.Eventually(t, func() bool { _, _, n := sip.snapshot(); return n == 1 }, waitFor, tick)
	assert.Equal(t, "c-1", h.settle(t).Sessions[0].CallID)
	assert.True(t, done.has("accepted"))
	assert.Empty(t, done.errors())
}

func TestStart_RegistrationFailedReportedOnce(t *testing.T) {
	h := newHarness(t, nil)
	done := &completion{}

	require.NoError(t, h.c.Start(h.ctx, account, done.fn))
	sip := h.handle(t, domain.PluginSIP, 0)
	h.sent(t, sip, 0)

	failed := `{"sip":"event","result":{"event":"registration_failed","code":403,"reason":"Forbidden"}}`
	sip.emit(failed, nil)
	sip.emit(failed, nil)
	h.waitPhase(t, domain.SessionMain, domain.PhaseFailed)
	snap := h.settle(t)

	errs := done.errors()
	require.Len(t, errs, 1)
	var regErr *domain.RegistrationFailedError
	require.True(t, errors.As(errs[0], &regErr))
	assert.Equal(t, 403, regErr.Code)
	assert.Equal(t, "Forbidden", regErr.Reason)
	assert.Equal(t, 1, h.obs.failureCount())
	assert.Equal(t, domain.RegFailed, snap.Registration.Status)
	assert.Equal(t, "failed(403 Forbidden)", snap.Registration.String())

	assert.Equal(t, 1, sip.sentCount(), "no call after a failed registration")
	require.Eventually(t, func() bool { _, detached := sip.state(); return detached }, waitFor, tick)
}

func TestStart_ConnectErrorIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.err = errors.New("connection refused")
	done := &completion{}

	require.NoError(t, h.c.Start(h.ctx, account, done.fn))
	h.waitPhase(t, domain.SessionMain, domain.PhaseFailed)

	errs := done.errors()
	require.Len(t, errs, 1)
	var connErr *domain.ConnectError
	require.True(t, errors.As(errs[0], &connErr))
	assert.Equal(t, "http://gateway.test/janus", connErr.Server)
}

func TestStart_RejectsEmptyAccount(t *testing.T) {
	h := newHarness(t, nil)
	assert.Error(t, h.c.Start(h.ctx, "", nil))
}

func TestDestroy_BeforeRegisteredNeverRegisters(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.gate = make(chan struct{})

	require.NoError(t, h.c.Start(h.ctx, account, nil))
	require.Eventually(t, func() bool { return h.gw.session(0) != nil }, waitFor, tick)
	h.settle(t)

	require.NoError(t, h.c.Destroy(h.ctx))
	close(h.gw.gate)

	require.Eventually(t, func() bool { return h.gw.session(0).isDestroyed() }, waitFor, tick)
	snap := h.settle(t)
	assert.Empty(t, snap.Sessions)
	for _, sip := range h.gw.handles(domain.PluginSIP) {
		assert.Zero(t, sip.sentCount())
	}
}

func TestStart_RestartDestroysPreviousSession(t *testing.T) {
	h := newHarness(t, nil)
	first := h.registered(t, account, &completion{})
	h.sent(t, first, 1)

	require.NoError(t, h.c.Start(h.ctx, "700000100002", nil))
	second := h.handle(t, domain.PluginSIP, 1)
	reg := h.sent(t, second, 0).body.(domain.SIPRequest)
	assert.Equal(t, "700000100002", reg.AuthUser)
	require.Eventually(t, func() bool { return h.gw.session(0).isDestroyed() }, waitFor, tick)

	// Events from the old handle are ignored.
	first.emit(`{"sip":"event","result":{"event":"hangup","code":200,"reason":"BYE"}}`, nil)
	assert.Equal(t, domain.PhaseRegistering, h.phase(t, domain.SessionMain))
	assert.Equal(t, "700000100002", h.settle(t).Account)
}

func TestCall_RequiresRegistered(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.AutoDial = false })
	assert.ErrorIs(t, h.c.Call(h.ctx, "6000"), domain.ErrWrongPhase)

	sip := h.registered(t, account, &completion{})
	h.waitPhase(t, domain.SessionMain, domain.PhaseRegistered)
	assert.Equal(t, 1, sip.sentCount(), "auto dial disabled")

	require.NoError(t, h.c.Call(h.ctx, "6000"))
	body := h.sent(t, sip, 1).body.(domain.SIPRequest)
	assert.Equal(t, "sip:6000@127.0.0.1:5061", body.URI)
	assert.ErrorIs(t, h.c.Call(h.ctx, "6000"), domain.ErrWrongPhase)
}

func TestHangupEvent_CleansUpToIdle(t *testing.T) {
	h := newHarness(t, nil)
	sip := h.registered(t, account, &completion{})
	h.sent(t, sip, 1)
	sip.emit(`{"sip":"event","call_id":"c-9","result":{"event":"accepted"}}`, nil)
	h.waitPhase(t, domain.SessionMain, domain.PhaseInCall)

	sip.emit(`{"sip":"event","result":{"event":"hangup","code":200,"reason":"BYE"}}`, nil)
	h.waitPhase(t, domain.SessionMain, domain.PhaseIdle)

	hungup, _ := sip.state()
	assert.True(t, hungup)
	require.Eventually(t, func() bool { _, detached := sip.state(); return detached }, waitFor, tick)
	snap := h.settle(t)
	require.Len(t, snap.Sessions, 1)
	assert.Empty(t, snap.Sessions[0].CallID)
	assert.Zero(t, snap.Sessions[0].HandleID)
	assert.Equal(t, domain.Unregistered, snap.Registration.Status)
	// Only register and call were sent; the remote side hung up.
	assert.Equal(t, 2, sip.sentCount())
}

func TestHangup_SendsRequestThenCleansUp(t *testing.T) {
	h := newHarness(t, nil)
	sip := h.registered(t, account, &completion{})
	h.sent(t, sip, 1)
	h.waitPhase(t, domain.SessionMain, domain.PhaseCalling)

	require.NoError(t, h.c.Hangup(h.ctx))
	body := h.sent(t, sip, 2).body.(domain.SIPRequest)
	assert.Equal(t, "hangup", body.Request)
	h.waitPhase(t, domain.SessionMain, domain.PhaseIdle)

	assert.ErrorIs(t, h.c.Hangup(h.ctx), domain.ErrWrongPhase)
}

func TestUpdatingCall_AnswersWithOfferedKinds(t *testing.T) {
	h := newHarness(t, nil)
	sip := h.registered(t, account, &completion{})
	h.sent(t, sip, 1)
	sip.emit(`{"sip":"event","result":{"event":"accepted"}}`, nil)
	h.waitPhase(t, domain.SessionMain, domain.PhaseInCall)

	offer := &domain.JSEP{Type: "offer", SDP: "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:111 opus/48000/2\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:96 VP8/90000\r\n"}
	sip.emit(`{"sip":"event","result":{"event":"updatingcall"}}`, offer)

	update := h.sent(t, sip, 2)
	assert.Equal(t, "update", update.body.(domain.SIPRequest).Request)
	require.NotNil(t, update.jsep)
	_, answers, _ := sip.snapshot()
	assert.Equal(t, []domain.MediaConstraints{domain.AudioVideo(true, true)}, answers)
	assert.Equal(t, domain.PhaseInCall, h.phase(t, domain.SessionMain))
}

func TestRegisterTimeout(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.RegisterTimeout = 20 * time.Millisecond })
	done := &completion{}

	require.NoError(t, h.c.Start(h.ctx, account, done.fn))
	h.waitPhase(t, domain.SessionMain, domain.PhaseFailed)

	errs := done.errors()
	require.Len(t, errs, 1)
	var timeout *domain.TimeoutError
	require.True(t, errors.As(errs[0], &timeout))
	assert.Equal(t, "register", timeout.Op)
	assert.Equal(t, "failed(timeout)", h.settle(t).Registration.String())
}

func TestCallTimeout_HangsUp(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.CallTimeout = 50 * time.Millisecond })
	done := &completion{}
	sip := h.registered(t, account, done)
	h.sent(t, sip, 1)

	h.waitPhase(t, domain.SessionMain, domain.PhaseIdle)
	body := h.sent(t, sip, 2).body.(domain.SIPRequest)
	assert.Equal(t, "hangup", body.Request)

	var timeout *domain.TimeoutError
	require.Len(t, done.errors(), 1)
	require.True(t, errors.As(done.errors()[0], &timeout))
	assert.Equal(t, "call", timeout.Op)
}

func TestMessageError_ReportedAndHandlingContinues(t *testing.T) {
	h := newHarness(t, nil)
	done := &completion{}
	require.NoError(t, h.c.Start(h.ctx, account, done.fn))
	sip := h.handle(t, domain.PluginSIP, 0)
	h.sent(t, sip, 0)

	sip.emit(`{"sip":"event","error_code":499,"error":"Something odd","result":{"event":"registered"}}`, nil)
	h.sent(t, sip, 1)

	errs := done.errors()
	require.Len(t, errs, 1)
	var msgErr *domain.MessageError
	require.True(t, errors.As(errs[0], &msgErr))
	assert.Equal(t, 499, msgErr.Code)
	assert.Equal(t, domain.PhaseCalling, h.phase(t, domain.SessionMain))
}

func TestUnknownEvent_Notice(t *testing.T) {
	h := newHarness(t, nil)
	sip := h.registered(t, account, &completion{})
	h.sent(t, sip, 1)

	sip.emit(`{"sip":"event","result":{"event":"wormhole"}}`, nil)
	h.settle(t)
	assert.True(t, h.obs.hasNotice("wormhole"))
	assert.Equal(t, domain.PhaseCalling, h.phase(t, domain.SessionMain))
}

func TestGatewayLost_ResetsSessions(t *testing.T) {
	h := newHarness(t, nil)
	sip := h.registered(t, account, &completion{})
	h.sent(t, sip, 1)
	require.NoError(t, h.c.StartVideoRoom(h.ctx, nil))
	h.handle(t, domain.PluginVideoRoom, 0)

	h.gw.session(0).lose()
	require.Eventually(t, func() bool { return len(h.settle(t).Sessions) == 0 }, waitFor, tick)
	assert.True(t, h.obs.hasNotice("gateway session lost"))
	assert.ErrorIs(t, h.c.StartVideoRoom(h.ctx, nil), domain.ErrNotConnected)
}

func TestMainFSM_Transitions(t *testing.T) {
	tests := []struct {
		from  domain.Phase
		event string
		to    domain.Phase
		ok    bool
	}{
		{domain.PhaseIdle, evStart, domain.PhaseConnecting, true},
		{domain.PhaseConnecting, evConnected, domain.PhaseAttaching, true},
		{domain.PhaseAttaching, evAttached, domain.PhaseRegistering, true},
		{domain.PhaseRegistering, evRegistered, domain.PhaseRegistered, true},
		{domain.PhaseRegistered, evDial, domain.PhaseCalling, true},
		{domain.PhaseRegistered, evCalling, domain.PhaseInCall, true},
		{domain.PhaseCalling, evProgress, domain.PhaseInCall, true},
		{domain.PhaseCalling, evAccepted, domain.PhaseInCall, true},
		{domain.PhaseInCall, evHangup, domain.PhaseCleaningUp, true},
		{domain.PhaseCleaningUp, evCleanup, domain.PhaseIdle, true},
		{domain.PhaseRegistering, evFail, domain.PhaseFailed, true},
		{domain.PhaseFailed, evDestroy, domain.PhaseIdle, true},
		{domain.PhaseInCall, evDestroy, domain.PhaseIdle, true},

		{domain.PhaseIdle, evDial, domain.PhaseIdle, false},
		{domain.PhaseRegistering, evDial, domain.PhaseRegistering, false},
		{domain.PhaseCalling, evUpdating, domain.PhaseCalling, false},
		{domain.PhaseRegistering, evHangup, domain.PhaseRegistering, false},
		{domain.PhaseFailed, evRegistered, domain.PhaseFailed, false},
		{domain.PhaseIdle, evFail, domain.PhaseIdle, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+tt.event, func(t *testing.T) {
			var changes int
			m := newMainFSM(func(from, to domain.Phase) { changes++ })
			m.SetState(string(tt.from))

			err := m.Event(context.Background(), tt.event)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, 1, changes)
			} else {
				var invalid fsm.InvalidEventError
				require.True(t, errors.As(err, &invalid), "got %v", err)
				assert.Zero(t, changes)
			}
			assert.Equal(t, string(tt.to), m.Current())
		})
	}
}

func TestMainFSM_SelfLoopIsSilent(t *testing.T) {
	var changes int
	m := newMainFSM(func(from, to domain.Phase) { changes++ })
	m.SetState(string(domain.PhaseInCall))

	err := m.Event(context.Background(), evAccepted)
	var none fsm.NoTransitionError
	require.True(t, errors.As(err, &none))
	assert.Zero(t, changes)
	assert.Equal(t, string(domain.PhaseInCall), m.Current())
}

func TestRemoteDescriptionFailure_HangsUp(t *testing.T) {
	for _, event := range []string{"progress", "accepted"} {
		t.Run(event, func(t *testing.T) {
			h := newHarness(t, nil)
			done := &completion{}
			sip := h.registered(t, account, done)
			h.sent(t, sip, 1)
			sip.failRemote(errors.New("bad fingerprint"))

			sip.emit(`{"sip":"event","result":{"event":"`+event+`","username":"sip:5555@127.0.0.1"}}`,
				&domain.JSEP{Type: "answer", SDP: "v=0\r\n"})
			h.waitPhase(t, domain.SessionMain, domain.PhaseIdle)

			_, _, remote := sip.snapshot()
			assert.Equal(t, 1, remote)
			assert.Equal(t, "hangup", h.sent(t, sip, 2).body.(domain.SIPRequest).Request)
			assert.Equal(t, 3, sip.sentCount())
			assert.True(t, h.obs.hasPhase(domain.SessionMain, domain.PhaseCalling, domain.PhaseInCall))
			assert.True(t, h.obs.hasPhase(domain.SessionMain, domain.PhaseInCall, domain.PhaseCleaningUp))
			assert.True(t, h.obs.hasPhase(domain.SessionMain, domain.PhaseCleaningUp, domain.PhaseIdle))

			var negErr *domain.NegotiationError
			require.Len(t, done.errors(), 1)
			assert.True(t, errors.As(done.errors()[0], &negErr))
		})
	}
}
