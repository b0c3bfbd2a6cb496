package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/config"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/lease"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/logging"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/metrics"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/presence"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/protocol"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/roomstore"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/snapshot"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/types"
)

// Stores bundles the Redis-backed state the session layer coordinates.
type Stores struct {
	Leases    *lease.Store
	Presence  *presence.Store
	Snapshots *snapshot.Store
	Records   *roomstore.Store
}

var errRoomFull = errors.New("session: room at capacity")

// Room is the broadcast domain for one workspace. Admission, attach and
// every broadcast enqueue happen under mu, so the order in which frames are
// accepted by the room is the order every subscriber's queue receives them.
type Room struct {
	id     types.RoomIdType
	record types.RoomRecord
	stores Stores
	cfg    *config.Config

	mu      sync.Mutex
	clients map[types.ClientIdType]*Client
	joinSeq int
}

func newRoom(record types.RoomRecord, stores Stores, cfg *config.Config) *Room {
	return &Room{
		id:      record.RoomId,
		record:  record,
		stores:  stores,
		cfg:     cfg,
		clients: make(map[types.ClientIdType]*Client),
	}
}

// ID returns the room identifier.
func (r *Room) ID() types.RoomIdType {
	return r.id
}

// admit runs the joining procedure under the room mutex: capacity check,
// color assignment, presence registration, INIT_STATE snapshot and the
// USER_JOINED announcement. Holding mu across the snapshot reads pins
// INIT_STATE between the broadcasts that precede and follow it, which is
// what makes the joiner's state consistent with the stream it will observe.
func (r *Room) admit(ctx context.Context, c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	count, err := r.stores.Presence.Count(ctx, r.id)
	if err != nil {
		return err
	}
	if count >= r.record.MaxUsers {
		return errRoomFull
	}

	c.color = types.ColorType(r.cfg.ColorPalette[r.joinSeq%len(r.cfg.ColorPalette)])
	r.joinSeq++

	// All reads come before the presence write: a failed join must leave no
	// presence entry behind, or the dead entry would hold a capacity slot
	// until the reaper collects it.
	users, err := r.stores.Presence.List(ctx, r.id)
	if err != nil {
		return err
	}
	locks, err := r.stores.Leases.Snapshot(ctx, r.id)
	if err != nil {
		return err
	}
	blob, err := r.stores.Snapshots.Get(ctx, string(r.id))
	if err != nil {
		return err
	}

	participant := types.ParticipantInfo{
		ClientId:   c.id,
		Nickname:   c.nickname,
		Color:      c.color,
		LastSeenMs: time.Now().UnixMilli(),
	}
	if err := r.stores.Presence.Add(ctx, r.id, participant); err != nil {
		return err
	}

	init := protocol.InitStatePayload{
		ClientId:     c.id,
		Users:        make([]protocol.UserInfo, 0, len(users)),
		Locks:        make(map[string]string, len(locks)),
		WorkspaceXml: string(blob),
	}
	for _, u := range users {
		init.Users = append(init.Users, protocol.UserInfo{ClientId: u.ClientId, Nickname: u.Nickname, Color: u.Color})
	}
	for block, owner := range locks {
		init.Locks[string(block)] = string(owner)
	}
	c.sendFrame(protocol.TagInitState, init)

	r.clients[c.id] = c
	r.broadcastLocked(protocol.TagUserJoined, protocol.UserJoinedPayload{
		ClientId: c.id,
		Nickname: c.nickname,
		Color:    c.color,
	}, c.id)

	metrics.RoomParticipants.WithLabelValues(string(r.id)).Inc()
	logging.Info(ctx, "Client joined room",
		zap.String("roomId", string(r.id)),
		zap.String("clientId", string(c.id)),
		zap.String("nickname", string(c.nickname)))
	return nil
}

// runClosing performs the session closing sequence: release every lease and
// announce it, detach from the broadcast set, then remove presence and
// announce the departure. Presence removal decides ownership of USER_LEFT,
// so a close racing the reaper emits it exactly once.
func (r *Room) runClosing(ctx context.Context, c *Client) {
	released, err := r.stores.Leases.ReleaseAll(ctx, r.id, c.id)
	if err != nil {
		logging.Error(ctx, "Failed to release leases on close",
			zap.String("roomId", string(r.id)), zap.String("clientId", string(c.id)), zap.Error(err))
	}

	r.mu.Lock()
	for _, block := range released {
		r.broadcastLocked(protocol.TagLockUpdate, protocol.LockUpdatePayload{BlockId: string(block)}, c.id)
	}
	delete(r.clients, c.id)
	r.mu.Unlock()

	removed, err := r.stores.Presence.Remove(ctx, r.id, c.id)
	if err != nil {
		logging.Error(ctx, "Failed to remove presence on close",
			zap.String("roomId", string(r.id)), zap.String("clientId", string(c.id)), zap.Error(err))
	}
	if removed != nil {
		r.broadcast(protocol.TagUserLeft, protocol.UserLeftPayload{ClientId: c.id}, "")
		metrics.RoomParticipants.WithLabelValues(string(r.id)).Dec()
	}

	logging.Info(ctx, "Client left room",
		zap.String("roomId", string(r.id)),
		zap.String("clientId", string(c.id)),
		zap.Int("releasedLeases", len(released)))
}

// evictStale removes a participant whose heartbeat expired. A participant
// with a live local connection is disconnected through the normal closing
// sequence; a ghost entry (dead connection that never closed cleanly) has
// its leases and presence reclaimed directly. Returns true if anything was
// reclaimed.
func (r *Room) evictStale(ctx context.Context, clientId types.ClientIdType) bool {
	r.mu.Lock()
	c := r.clients[clientId]
	r.mu.Unlock()

	if c != nil {
		c.Disconnect(CloseNormal, "heartbeat timeout")
		return true
	}

	released, err := r.stores.Leases.ReleaseAll(ctx, r.id, clientId)
	if err != nil {
		logging.Error(ctx, "Failed to release leases for stale client",
			zap.String("roomId", string(r.id)), zap.String("clientId", string(clientId)), zap.Error(err))
		return false
	}
	r.mu.Lock()
	for _, block := range released {
		r.broadcastLocked(protocol.TagLockUpdate, protocol.LockUpdatePayload{BlockId: string(block)}, "")
	}
	r.mu.Unlock()

	removed, err := r.stores.Presence.Remove(ctx, r.id, clientId)
	if err != nil {
		logging.Error(ctx, "Failed to remove stale presence",
			zap.String("roomId", string(r.id)), zap.String("clientId", string(clientId)), zap.Error(err))
		return len(released) > 0
	}
	if removed != nil {
		r.broadcast(protocol.TagUserLeft, protocol.UserLeftPayload{ClientId: clientId}, "")
		metrics.RoomParticipants.WithLabelValues(string(r.id)).Dec()
	}
	return removed != nil || len(released) > 0
}

// broadcast fans a frame out to every attached session except exclude.
func (r *Room) broadcast(tag protocol.Tag, payload any, exclude types.ClientIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(tag, payload, exclude)
}

// broadcastLocked requires r.mu. Encoding happens once; each subscriber gets
// the same bytes in the same acceptance order.
func (r *Room) broadcastLocked(tag protocol.Tag, payload any, exclude types.ClientIdType) {
	data, err := protocol.Encode(tag, payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode broadcast",
			zap.String("roomId", string(r.id)), zap.String("tag", string(tag)), zap.Error(err))
		return
	}
	for id, c := range r.clients {
		if id == exclude {
			continue
		}
		c.enqueue(data)
	}
}

// clientCount returns the number of locally attached sessions.
func (r *Room) clientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// disconnectAll terminates every attached session, used on hub shutdown.
func (r *Room) disconnectAll(code int, reason string) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.Disconnect(code, reason)
	}
}
