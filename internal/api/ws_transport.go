package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tabbridge/internal/bridge"
	"tabbridge/internal/logging"
	"tabbridge/internal/protocol"
)

const DefaultPeerQueue = 64

// wsTransport is the bridge.Transport for one peer connection. Sends are
// queued and written by a single goroutine. Broadcasts use Send and drop on a
// full queue; calls use SendContext and wait for room.
type wsTransport struct {
	conn         *websocket.Conn
	queue        chan []byte
	writeTimeout time.Duration
	logger       *logging.Logger

	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, queueSize int, writeTimeout time.Duration, logger *logging.Logger) *wsTransport {
	transport := buildWSTransport(conn, queueSize, writeTimeout, logger)
	go transport.writeLoop()
	return transport
}

func buildWSTransport(conn *websocket.Conn, queueSize int, writeTimeout time.Duration, logger *logging.Logger) *wsTransport {
	if queueSize <= 0 {
		queueSize = DefaultPeerQueue
	}
	if writeTimeout <= 0 {
		writeTimeout = wsWriteTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &wsTransport{
		conn:         conn,
		queue:        make(chan []byte, queueSize),
		writeTimeout: writeTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

func (t *wsTransport) Send(message protocol.Outbound) error {
	data, err := protocol.Encode(message)
	if err != nil {
		return err
	}
	select {
	case <-t.done:
		return bridge.ErrPeerDisconnected
	default:
	}
	select {
	case t.queue <- data:
		return nil
	default:
		return bridge.ErrSendQueueFull
	}
}

// SendContext queues message, waiting for room until ctx ends. A closed
// transport fails at once with ErrPeerDisconnected.
func (t *wsTransport) SendContext(ctx context.Context, message protocol.Outbound) error {
	data, err := protocol.Encode(message)
	if err != nil {
		return err
	}
	select {
	case <-t.done:
		return bridge.ErrPeerDisconnected
	default:
	}
	select {
	case t.queue <- data:
		return nil
	case <-t.done:
		return bridge.ErrPeerDisconnected
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", bridge.ErrSendQueueFull, ctx.Err())
	}
}

// Close sends a close frame with code and reason and tears the connection
// down. Only the first call has any effect.
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.stop()
		deadline := time.Now().Add(t.writeTimeout)
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateCloseReason(reason)), deadline)
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) Done() <-chan struct{} {
	return t.done
}

func (t *wsTransport) stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
}

func (t *wsTransport) writeLoop() {
	for {
		select {
		case data := <-t.queue:
			if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
				t.fail(err)
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.fail(err)
				return
			}
		case <-t.done:
			return
		}
	}
}

// fail closes the socket so the receive loop observes the broken peer.
func (t *wsTransport) fail(err error) {
	t.logger.Warn("peer write failed", map[string]string{
		logging.FieldCategory: "websocket",
		"error":               err.Error(),
	})
	t.stop()
	_ = t.conn.Close()
}
