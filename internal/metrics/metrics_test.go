package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipvideoroom/native/internal/domain"
)

func TestObserverCounters(t *testing.T) {
	m := New()
	m.PhaseChanged(domain.SessionMain, domain.PhaseIdle, domain.PhaseConnecting)
	m.PhaseChanged(domain.SessionMain, domain.PhaseFailed, domain.PhaseIdle)
	m.PhaseChanged(domain.SessionMain, domain.PhaseCleaningUp, domain.PhaseIdle)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.phases.WithLabelValues(domain.SessionMain, "connecting")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.phases.WithLabelValues(domain.SessionMain, "idle")))

	feed := domain.RemoteFeed{ID: "1", Slot: 1}
	m.FeedChanged(domain.FeedChange{Session: domain.SessionVideoRoom, Kind: domain.FeedAdded, Feed: feed})
	m.FeedChanged(domain.FeedChange{Session: domain.SessionVideoRoom, Kind: domain.FeedAdded, Feed: feed})
	m.FeedChanged(domain.FeedChange{Session: domain.SessionVideoRoom, Kind: domain.FeedRemoved, Feed: feed})
	m.FeedChanged(domain.FeedChange{Session: domain.SessionVideoRoom, Kind: domain.FeedRejected, Feed: feed})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feeds.WithLabelValues(domain.SessionVideoRoom)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues(domain.SessionVideoRoom)))

	m.Failed(domain.SessionMain, &domain.RegistrationFailedError{Code: 403, Reason: "Forbidden"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues(domain.SessionMain, "registration")))
}

func TestKind(t *testing.T) {
	tests := map[string]error{
		"none":         nil,
		"connect":      &domain.ConnectError{Server: "ws://x", Err: errors.New("refused")},
		"attach":       fmt.Errorf("start: %w", &domain.AttachError{Plugin: domain.PluginSIP, Err: domain.ErrClosed}),
		"negotiation":  &domain.NegotiationError{Step: "offer", Err: errors.New("no codecs")},
		"timeout":      &domain.TimeoutError{Op: "register"},
		"message":      &domain.MessageError{Code: 456, Text: "bad"},
		"registration": &domain.RegistrationFailedError{Code: 401},
		"other":        errors.New("boom"),
	}
	for want, err := range tests {
		assert.Equal(t, want, Kind(err))
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.GatewayMessage("out", "create")
	m.GatewayMessage("in", "success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sipvideoroom_gateway_messages_total{direction="out",janus="create"} 1`)
}
