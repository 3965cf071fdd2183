package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipvideoroom/native/internal/config"
	"sipvideoroom/native/internal/domain"
)

// mockCoordinator records calls for verification.
type mockCoordinator struct {
	mu          sync.Mutex
	calls       []string
	account     string
	destination string
	err         error
	done        domain.Completion
}

func (m *mockCoordinator) record(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
	return m.err
}

func (m *mockCoordinator) Start(_ context.Context, account string, done domain.Completion) error {
	m.account, m.done = account, done
	return m.record("start")
}
func (m *mockCoordinator) Call(_ context.Context, destination string) error {
	m.destination = destination
	return m.record("call")
}
func (m *mockCoordinator) Hangup(context.Context) error { return m.record("hangup") }
func (m *mockCoordinator) StartVideoRoom(context.Context, domain.Completion) error {
	return m.record("room")
}
func (m *mockCoordinator) Publish(context.Context) error   { return m.record("publish") }
func (m *mockCoordinator) Unpublish(context.Context) error { return m.record("unpublish") }
func (m *mockCoordinator) StartScreenShare(context.Context, domain.Completion) error {
	return m.record("screenshare")
}
func (m *mockCoordinator) PublishScreen(context.Context) error { return m.record("publishscreen") }
func (m *mockCoordinator) StartEchoTest(context.Context, domain.Completion) error {
	return m.record("echotest")
}
func (m *mockCoordinator) Destroy(context.Context) error { return m.record("destroy") }
func (m *mockCoordinator) Snapshot(context.Context) (domain.Snapshot, error) {
	return domain.Snapshot{
		Account:      "700000100001",
		Registration: domain.RegistrationState{Status: domain.Registered},
		Sessions:     []domain.Session{{ID: "s1", Name: domain.SessionMain, Phase: domain.PhaseRegistered}},
		Feeds:        []domain.RemoteFeed{},
	}, m.record("snapshot")
}

func newRouter(t *testing.T, co *mockCoordinator, hub *Hub) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Destination: "5555", LogLevel: "info"}
	return SetupRouter(cfg, co, hub, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("sipvideoroom_up 1\n"))
	}))
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStatus(t *testing.T) {
	r := newRouter(t, &mockCoordinator{}, NewHub())

	w := do(r, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, domain.Registered, snap.Registration.Status)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, domain.PhaseRegistered, snap.Sessions[0].Phase)
}

func TestSIPStart(t *testing.T) {
	co := &mockCoordinator{}
	r := newRouter(t, co, NewHub())

	w := do(r, http.MethodPost, "/sip/start", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/sip/start", `{"account":"700000100001"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "700000100001", co.account)
	assert.NotNil(t, co.done)
}

func TestSIPCall_DefaultsDestination(t *testing.T) {
	co := &mockCoordinator{}
	r := newRouter(t, co, NewHub())

	assert.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/sip/call", "").Code)
	assert.Equal(t, "5555", co.destination)

	assert.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/sip/call", `{"destination":"6000"}`).Code)
	assert.Equal(t, "6000", co.destination)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrWrongPhase, http.StatusConflict},
		{domain.ErrNotConnected, http.StatusConflict},
		{domain.ErrClosed, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		r := newRouter(t, &mockCoordinator{err: tt.err}, NewHub())
		assert.Equal(t, tt.want, do(r, http.MethodPost, "/room/publish", "").Code, tt.err.Error())
	}
}

func TestRoutes(t *testing.T) {
	co := &mockCoordinator{}
	r := newRouter(t, co, NewHub())

	for _, path := range []string{
		"/sip/hangup", "/room/start", "/room/publish", "/room/unpublish",
		"/screenshare/start", "/screenshare/publish", "/echotest/start", "/destroy",
	} {
		assert.Equal(t, http.StatusAccepted, do(r, http.MethodPost, path, "").Code, path)
	}
	assert.Equal(t, []string{
		"hangup", "room", "publish", "unpublish", "screenshare", "publishscreen", "echotest", "destroy",
	}, co.calls)

	w := do(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sipvideoroom_up")
}

func TestEventsStream(t *testing.T) {
	co := &mockCoordinator{}
	hub := NewHub()
	srv := httptest.NewServer(newRouter(t, co, hub))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	hub.PhaseChanged(domain.SessionMain, domain.PhaseIdle, domain.PhaseConnecting)
	hub.Progress(domain.SessionMain)("", &domain.RegistrationFailedError{Code: 403, Reason: "Forbidden"})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var phase, failure Notification
	require.NoError(t, ws.ReadJSON(&phase))
	require.NoError(t, ws.ReadJSON(&failure))

	assert.Equal(t, "phase", phase.Type)
	assert.Equal(t, domain.PhaseConnecting, phase.To)
	assert.Equal(t, "error", failure.Type)
	assert.Equal(t, "registration failed: 403 Forbidden", failure.Error)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}
