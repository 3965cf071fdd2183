package janus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Subprotocol is required by the gateway's WebSocket transport.
const Subprotocol = "janus-protocol"

type wsTransport struct {
	conn *websocket.Conn
	in   chan *message

	mu     sync.Mutex
	once   sync.Once
	closed chan struct{}
}

func dialWebSocket(ctx context.Context, server string, pingInterval time.Duration) (*wsTransport, error) {
	log.Info().Str("module", "janus").Str("server", server).Msg("connecting over websocket")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{Subprotocol},
	}
	conn, _, err := dialer.DialContext(ctx, server, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	t := &wsTransport{
		conn:   conn,
		in:     make(chan *message, inboundBuffer),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	go t.pingLoop(pingInterval)
	return t, nil
}

func (t *wsTransport) inbound() <-chan *message { return t.in }
func (t *wsTransport) done() <-chan struct{} { return t.closed }
func (t *wsTransport) bind(uint64)              {}

func (t *wsTransport) close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) send(ctx context.Context, msg *message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Janus, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	deadline := time.Time{}
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	_ = t.conn.SetWriteDeadline(deadline)

	log.Trace().Str("module", "janus").RawJSON("msg", data).Msg(">>>")
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *wsTransport) readLoop() {
	defer t.close()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
			default:
				log.Warn().Str("module", "janus").Err(err).Msg("websocket read error")
			}
			return
		}

		log.Trace().Str("module", "janus").RawJSON("msg", data).Msg("<<<")

		msgs, err := decodeMessages(data)
		if err != nil {
			log.Warn().Str("module", "janus").Err(err).Msg("dropping malformed message")
			continue
		}
		for _, msg := range msgs {
			select {
			case t.in <- msg:
			case <-t.closed:
				return
			}
		}
	}
}

func (t *wsTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			t.mu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			t.mu.Unlock()
			if err != nil {
				select {
				case <-t.closed:
				default:
					log.Warn().Str("module", "janus").Err(err).Msg("websocket ping error")
				}
				return
			}
		}
	}
}
