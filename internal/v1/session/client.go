// Package session implements the room session coordinator: the Hub registry,
// the per-room broadcast Room, the per-connection Client state machine and
// the heartbeat Reaper.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/logging"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/metrics"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/protocol"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/types"
)

// Close codes used by the session state machine.
const (
	CloseNormal        = websocket.CloseNormalClosure // 1000
	CloseProtocolError = websocket.CloseProtocolError // 1002
	CloseInternal      = websocket.CloseInternalServerErr
	CloseTryAgainLater = websocket.CloseTryAgainLater // 1013, writer-queue overflow
	CloseRoomFull      = 4003
)

const writeWait = 10 * time.Second

// wsConnection is the subset of *websocket.Conn the client needs. Tests
// substitute a fake connection.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client represents one live connection. It owns a reader goroutine
// (readPump) and a writer goroutine (writePump); all outbound frames flow
// through the bounded send queue in hub-accept order.
type Client struct {
	conn wsConnection
	send chan []byte
	room *Room

	id       types.ClientIdType
	nickname types.NicknameType
	color    types.ColorType

	// closeOnce guards the Closing procedure: it must run exactly once per
	// session regardless of the termination cause. closing is signalled
	// before the procedure starts, done after it finished.
	closeOnce   sync.Once
	closing     chan struct{}
	done        chan struct{}
	closeCode   int
	closeReason string
}

func newClient(conn wsConnection, room *Room, id types.ClientIdType, nickname types.NicknameType, queueSize int) *Client {
	return &Client{
		conn:     conn,
		send:     make(chan []byte, queueSize),
		room:     room,
		id:       id,
		nickname: nickname,
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the per-connection client id.
func (c *Client) ID() types.ClientIdType {
	return c.id
}

// readPump processes inbound frames in arrival order. Any read error, a
// malformed frame, or a router protocol violation terminates the session
// through the Closing procedure.
func (c *Client) readPump() {
	defer c.shutdown(CloseNormal, "")

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			metrics.FramesProcessed.WithLabelValues("malformed", "rejected").Inc()
			c.shutdown(CloseProtocolError, "malformed frame")
			return
		}

		if err := c.room.router(context.Background(), c, frame); err != nil {
			c.shutdown(CloseProtocolError, "malformed payload")
			return
		}
	}
}

// writePump drains the send queue. When the session closes it flushes the
// remaining backlog, then delivers the close frame carrying the close code.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			c.flushAndClose()
			return
		}
	}
}

func (c *Client) flushAndClose() {
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// sendFrame encodes and queues a frame addressed to this session only.
func (c *Client) sendFrame(tag protocol.Tag, payload any) {
	data, err := protocol.Encode(tag, payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode frame", zap.String("tag", string(tag)), zap.Error(err))
		return
	}
	c.enqueue(data)
}

// enqueue appends to the bounded writer queue. A full queue means the
// subscriber cannot keep up; delivering any later frame would create a gap,
// so the laggard is closed with 1013 instead.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		metrics.SlowConsumersClosed.Inc()
		logging.Warn(context.Background(), "Closing slow consumer",
			zap.String("clientId", string(c.id)), zap.String("roomId", string(c.room.id)))
		go c.shutdown(CloseTryAgainLater, "outbound queue overflow")
	}
}

// Disconnect forcefully terminates the session, e.g. on reaper eviction or
// hub shutdown.
func (c *Client) Disconnect(code int, reason string) {
	c.shutdown(code, reason)
}

// isClosing reports whether the Closing procedure has started. Frame
// handlers consult it so an inbound frame racing an external shutdown
// (reaper, slow-consumer close, hub shutdown) cannot install state after
// ReleaseAll already ran.
func (c *Client) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// shutdown runs the Closing procedure exactly once: release all leases and
// announce them, detach from the room, remove presence and announce the
// departure, then close the transport with the given code.
func (c *Client) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
		c.room.runClosing(context.Background(), c)
		close(c.done)
		metrics.DecConnection()
	})
}
