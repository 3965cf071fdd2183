package janus

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"
)

// maxPollFailures consecutive long-poll errors end the session.
const maxPollFailures = 3

// httpTransport posts requests to the REST endpoint and long-polls the
// session endpoint for events.
type httpTransport struct {
	base   string
	client *req.Client
	poller *req.Client
	in     chan *message

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	bound  sync.Once
}

func newHTTPTransport(server string, requestTimeout, pollTimeout time.Duration) *httpTransport {
	log.Info().Str("module", "janus").Str("server", server).Msg("connecting over http")

	ctx, cancel := context.WithCancel(context.Background())
	return &httpTransport{
		base:   strings.TrimRight(server, "/"),
		client: req.C().SetTimeout(requestTimeout).SetUserAgent(userAgent),
		poller: req.C().SetTimeout(pollTimeout).SetUserAgent(userAgent),
		in:     make(chan *message, inboundBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

const userAgent = "sipvideoroom"

func (t *httpTransport) inbound() <-chan *message { return t.in }
func (t *httpTransport) done() <-chan struct{} { return t.ctx.Done() }

func (t *httpTransport) close() error {
	t.once.Do(t.cancel)
	return nil
}

// url maps the envelope to its REST resource: /janus, /janus/<session> or
// /janus/<session>/<handle>.
func (t *httpTransport) url(msg *message) string {
	switch {
	case msg.SessionID != 0 && msg.HandleID != 0:
		return fmt.Sprintf("%s/%d/%d", t.base, msg.SessionID, msg.HandleID)
	case msg.SessionID != 0:
		return fmt.Sprintf("%s/%d", t.base, msg.SessionID)
	default:
		return t.base
	}
}

func (t *httpTransport) send(ctx context.Context, msg *message) error {
	if t.ctx.Err() != nil {
		return errTransportClosed
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetBodyJsonMarshal(msg).
		Post(t.url(msg))
	if err != nil {
		return fmt.Errorf("post %s: %w", msg.Janus, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post %s: unexpected status %d", msg.Janus, resp.StatusCode)
	}
	body, err := resp.ToBytes()
	if err != nil {
		return fmt.Errorf("read %s reply: %w", msg.Janus, err)
	}
	log.Trace().Str("module", "janus").RawJSON("msg", body).Msg("<<<")

	replies, err := decodeMessages(body)
	if err != nil {
		return err
	}
	for _, reply := range replies {
		t.push(reply)
	}
	return nil
}

func (t *httpTransport) push(msg *message) {
	select {
	case t.in <- msg:
	case <-t.ctx.Done():
	}
}

func (t *httpTransport) bind(sessionID uint64) {
	t.bound.Do(func() { go t.pollLoop(sessionID) })
}

func (t *httpTransport) pollLoop(sessionID uint64) {
	defer t.close()

	url := fmt.Sprintf("%s/%d", t.base, sessionID)
	failures := 0
	for t.ctx.Err() == nil {
		msgs, err := t.poll(url)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			failures++
			log.Warn().Str("module", "janus").Err(err).Int("failures", failures).Msg("long poll failed")
			if failures >= maxPollFailures {
				return
			}
			select {
			case <-time.After(time.Second):
			case <-t.ctx.Done():
				return
			}
			continue
		}
		failures = 0
		for _, msg := range msgs {
			if msg.Janus == "keepalive" {
				continue
			}
			t.push(msg)
		}
	}
}

func (t *httpTransport) poll(url string) ([]*message, error) {
	resp, err := t.poller.R().
		SetContext(t.ctx).
		SetQueryParam("maxev", "10").
		SetQueryParam("rid", strconv.FormatInt(time.Now().UnixMilli(), 10)).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}
	body, err := resp.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	log.Trace().Str("module", "janus").RawJSON("msg", body).Msg("<<<")
	return decodeMessages(body)
}
