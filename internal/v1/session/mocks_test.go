package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/config"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/kv"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/lease"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/presence"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/protocol"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/roomstore"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/snapshot"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/types"
)

var errConnClosed = errors.New("fake connection closed")

// fakeConn is an in-memory wsConnection. Frames pushed into in are read by
// the client's readPump; frames the server writes land in out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	closeCode int
	closeText string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:        make(chan []byte, 16),
		out:       make(chan []byte, 256),
		closed:    make(chan struct{}),
		closeCode: -1,
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errConnClosed
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return errConnClosed
	}
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.mu.Lock()
		f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		f.closeText = string(data[2:])
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(t *testing.T, tag protocol.Tag, payload any) {
	t.Helper()
	data, err := protocol.Encode(tag, payload)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeConn) pushRaw(data []byte) {
	f.in <- data
}

func (f *fakeConn) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case data := <-f.out:
		frame, err := protocol.Decode(data)
		require.NoError(t, err)
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Frame{}
	}
}

// expect fails unless the next frame carries the given tag.
func (f *fakeConn) expect(t *testing.T, tag protocol.Tag) json.RawMessage {
	t.Helper()
	frame := f.next(t)
	require.Equal(t, tag, frame.T, "unexpected frame %s %s", frame.T, string(frame.Payload))
	return frame.Payload
}

func (f *fakeConn) waitClosed(t *testing.T) int {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeConn) waitClosedQuiet() {
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
	}
}

func decodeAs[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

type testEnv struct {
	hub    *Hub
	mr     *miniredis.Miniredis
	cfg    *config.Config
	stores Stores
}

func newTestEnv(t *testing.T, opts ...func(*config.Config)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := kv.NewServiceFromClient(client)

	cfg := &config.Config{
		Port:             "0",
		LeaseTTL:         10 * time.Second,
		UserTTL:          30 * time.Second,
		ReaperInterval:   50 * time.Millisecond,
		OutboundQueue:    64,
		SnapshotMaxBytes: 1 << 20,
		MaxUsersDefault:  10,
		ColorPalette:     append([]string(nil), config.DefaultColorPalette...),
		DevelopmentMode:  true,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	stores := Stores{
		Leases:    lease.NewStore(svc),
		Presence:  presence.NewStore(svc),
		Snapshots: snapshot.NewStore(svc, cfg.SnapshotMaxBytes),
		Records:   roomstore.NewStore(svc, cfg.MaxUsersDefault),
	}
	return &testEnv{hub: NewHub(cfg, stores), mr: mr, cfg: cfg, stores: stores}
}

func (e *testEnv) room(t *testing.T, id types.RoomIdType) *Room {
	t.Helper()
	record, _, err := e.stores.Records.GetOrCreate(context.Background(), id)
	require.NoError(t, err)
	return e.hub.getOrCreateRoom(record)
}

// join admits a fake connection to the room and starts its pumps. The
// returned conn sees INIT_STATE as its first frame.
func (e *testEnv) join(t *testing.T, room *Room, nickname string) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	id := types.ClientIdType(uuid.NewString())
	client := newClient(conn, room, id, boundNickname(nickname, id), e.cfg.OutboundQueue)
	require.NoError(t, room.admit(context.Background(), client))

	go client.writePump()
	go client.readPump()
	t.Cleanup(func() {
		client.Disconnect(CloseNormal, "test cleanup")
		conn.waitClosedQuiet()
	})
	return client, conn
}
