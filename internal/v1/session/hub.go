package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/config"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/logging"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/metrics"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/types"
)

// Hub owns the process-wide room registry and the WebSocket entry point.
// Rooms are created on first access and live for the life of the process;
// their authoritative state is in Redis, the in-process Room only carries
// the local broadcast set.
type Hub struct {
	cfg      *config.Config
	stores   Stores
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[types.RoomIdType]*Room
}

// NewHub creates the hub with its stores and upgrade policy.
func NewHub(cfg *config.Config, stores Stores) *Hub {
	return &Hub{
		cfg:    cfg,
		stores: stores,
		rooms:  make(map[types.RoomIdType]*Room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg),
		},
	}
}

func (h *Hub) getOrCreateRoom(record types.RoomRecord) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[record.RoomId]; ok {
		return room
	}
	room := newRoom(record, h.stores, h.cfg)
	h.rooms[record.RoomId] = room
	metrics.ActiveRooms.Set(float64(len(h.rooms)))
	return room
}

// Rooms returns every room the process currently hosts.
func (h *Hub) Rooms() []*Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		out = append(out, room)
	}
	return out
}

// ServeWs upgrades the request and runs the joining procedure. Handshake
// failures after the upgrade are reported on the socket via close codes:
// 4003 when the room is full, 1011 when the backing store is unavailable.
func (h *Hub) ServeWs(c *gin.Context) {
	roomId := types.RoomIdType(c.Param("roomId"))
	if roomId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed",
			zap.String("roomId", string(roomId)), zap.Error(err))
		return
	}

	// The request context dies with the handler; session work outlives it.
	ctx := context.Background()

	record, created, err := h.stores.Records.GetOrCreate(ctx, roomId)
	if err != nil {
		logging.Error(ctx, "Room record unavailable",
			zap.String("roomId", string(roomId)), zap.Error(err))
		closeWith(conn, CloseInternal, "room unavailable")
		return
	}
	if created {
		logging.Info(ctx, "Room created", zap.String("roomId", string(roomId)))
	}

	room := h.getOrCreateRoom(record)
	clientId := types.ClientIdType(uuid.NewString())
	nickname := boundNickname(c.Query("nickname"), clientId)
	client := newClient(conn, room, clientId, nickname, h.cfg.OutboundQueue)

	if err := room.admit(ctx, client); err != nil {
		if errors.Is(err, errRoomFull) {
			logging.Info(ctx, "Rejecting join, room full",
				zap.String("roomId", string(roomId)), zap.Int("maxUsers", record.MaxUsers))
			closeWith(conn, CloseRoomFull, "room full")
			return
		}
		logging.Error(ctx, "Join failed",
			zap.String("roomId", string(roomId)), zap.Error(err))
		closeWith(conn, CloseInternal, "internal error")
		return
	}

	metrics.IncConnection()
	go client.writePump()
	go client.readPump()
}

// RoomInfo serves GET room metadata, creating the room record on first
// access just as a join would.
func (h *Hub) RoomInfo(c *gin.Context) {
	roomId := types.RoomIdType(c.Param("roomId"))
	if roomId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	ctx := c.Request.Context()
	record, _, err := h.stores.Records.GetOrCreate(ctx, roomId)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room store unavailable"})
		return
	}
	count, err := h.stores.Presence.Count(ctx, roomId)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence store unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"roomId":           record.RoomId,
		"title":            record.Title,
		"maxUsers":         record.MaxUsers,
		"createdAt":        record.CreatedAt,
		"participantCount": count,
	})
}

// Shutdown disconnects every session so clients see a clean close instead of
// a dropped TCP connection.
func (h *Hub) Shutdown(ctx context.Context) {
	for _, room := range h.Rooms() {
		room.disconnectAll(CloseNormal, "server shutting down")
	}
}

func closeWith(conn wsConnection, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
