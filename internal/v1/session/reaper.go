package session

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/logging"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/metrics"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/presence"
)

// Reaper periodically sweeps every hosted room for participants whose
// last-seen timestamp aged past the user TTL and evicts them. It is the
// backstop for sessions that died without running the closing sequence.
type Reaper struct {
	hub      *Hub
	presence *presence.Store
	interval time.Duration
	userTTL  time.Duration
}

// NewReaper creates a reaper over the hub's rooms.
func NewReaper(hub *Hub, presenceStore *presence.Store, interval, userTTL time.Duration) *Reaper {
	return &Reaper{hub: hub, presence: presenceStore, interval: interval, userTTL: userTTL}
}

// Run blocks, sweeping on every tick until the context is canceled.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	logging.Info(ctx, "Reaper started",
		zap.Duration("interval", rp.interval), zap.Duration("userTTL", rp.userTTL))

	for {
		select {
		case <-ctx.Done():
			logging.Info(ctx, "Reaper stopped")
			return
		case now := <-ticker.C:
			rp.sweep(ctx, now)
		}
	}
}

// sweep evicts every stale participant across all rooms and returns how many
// were reclaimed. A client id can surface twice when a sweep overlaps a
// concurrent close; the set keeps the eviction idempotent per sweep.
func (rp *Reaper) sweep(ctx context.Context, now time.Time) int {
	threshold := now.Add(-rp.userTTL)
	evicted := 0

	for _, room := range rp.hub.Rooms() {
		stale, err := rp.presence.StaleSince(ctx, room.ID(), threshold)
		if err != nil {
			logging.Warn(ctx, "Reaper sweep failed for room",
				zap.String("roomId", string(room.ID())), zap.Error(err))
			continue
		}
		if len(stale) == 0 {
			continue
		}

		for _, clientId := range set.New(stale...).SortedList() {
			if room.evictStale(ctx, clientId) {
				evicted++
				metrics.ReaperEvictions.Inc()
				logging.Info(ctx, "Reaped stale participant",
					zap.String("roomId", string(room.ID())),
					zap.String("clientId", string(clientId)))
			}
		}
	}
	return evicted
}
