package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/logging"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/metrics"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/protocol"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/snapshot"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/types"
)

// router dispatches one inbound frame. Every accepted frame refreshes the
// sender's presence timestamp, so any client activity counts as liveness.
// A non-nil return means the payload was malformed and the session must
// close with a protocol error.
func (r *Room) router(ctx context.Context, c *Client, frame protocol.Frame) error {
	// A frame can still be in flight on the reader while an external shutdown
	// (reaper, slow-consumer close, hub shutdown) runs the closing sequence.
	// Once that sequence has started the session's state is being torn down
	// and the frame must not mutate it.
	if c.isClosing() {
		return nil
	}

	if err := r.stores.Presence.Touch(ctx, r.id, c.id, time.Now()); err != nil {
		logging.Warn(ctx, "Failed to refresh presence",
			zap.String("roomId", string(r.id)), zap.String("clientId", string(c.id)), zap.Error(err))
	}

	switch frame.T {
	case protocol.TagLockAcquire:
		var p protocol.LockAcquirePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			metrics.FramesProcessed.WithLabelValues(string(frame.T), "rejected").Inc()
			return protocol.ErrMalformed
		}
		r.handleLockAcquire(ctx, c, p)

	case protocol.TagCommit:
		var p protocol.CommitPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			metrics.FramesProcessed.WithLabelValues(string(frame.T), "rejected").Inc()
			return protocol.ErrMalformed
		}
		r.handleCommit(ctx, c, p)

	case protocol.TagHeartbeat:
		// Presence was already refreshed above; heartbeats also keep the
		// sender's held leases alive so an active editor never loses a lock
		// mid-edit to TTL expiry.
		if _, err := r.stores.Leases.ExtendAll(ctx, r.id, c.id, r.cfg.LeaseTTL); err != nil {
			logging.Warn(ctx, "Failed to extend leases on heartbeat",
				zap.String("roomId", string(r.id)), zap.String("clientId", string(c.id)), zap.Error(err))
		}
		metrics.FramesProcessed.WithLabelValues(string(frame.T), "ok").Inc()

	default:
		// Unknown tags are tolerated for forward compatibility.
		metrics.FramesProcessed.WithLabelValues("unknown", "ignored").Inc()
		logging.Debug(ctx, "Ignoring unknown frame tag",
			zap.String("roomId", string(r.id)), zap.String("tag", string(frame.T)))
	}
	return nil
}

// handleLockAcquire attempts an all-or-nothing acquire on the requested key
// plus its group. A grant announces each newly owned key to the room; a
// denial answers only the requester with the first blocking key.
func (r *Room) handleLockAcquire(ctx context.Context, c *Client, p protocol.LockAcquirePayload) {
	if p.BlockId == "" {
		metrics.FramesProcessed.WithLabelValues(string(protocol.TagLockAcquire), "ignored").Inc()
		return
	}

	result, err := r.stores.Leases.AcquireMany(ctx, r.id, p.Keys(), c.id, r.cfg.LeaseTTL)
	if err != nil {
		// Store unavailable: deny rather than guess. An empty owner tells the
		// client nobody in particular holds the key and it may retry.
		logging.Error(ctx, "Lease acquire failed",
			zap.String("roomId", string(r.id)), zap.String("clientId", string(c.id)), zap.Error(err))
		c.sendFrame(protocol.TagLockDenied, protocol.LockDeniedPayload{BlockId: p.BlockId})
		metrics.FramesProcessed.WithLabelValues(string(protocol.TagLockAcquire), "error").Inc()
		return
	}

	if !result.Granted {
		first := result.Conflicts[0]
		c.sendFrame(protocol.TagLockDenied, protocol.LockDeniedPayload{
			BlockId: string(first.BlockId),
			Owner:   string(first.Owner),
			TtlMs:   first.Remaining.Milliseconds(),
		})
		metrics.FramesProcessed.WithLabelValues(string(protocol.TagLockAcquire), "denied").Inc()
		return
	}

	// The closing sequence may have run ReleaseAll while the acquire was in
	// flight. Take the grant back instead of announcing a lease owned by a
	// departed session.
	if c.isClosing() {
		if _, err := r.stores.Leases.ReleaseMany(ctx, r.id, p.Keys(), c.id); err != nil {
			logging.Error(ctx, "Failed to release grant for closing session",
				zap.String("roomId", string(r.id)), zap.String("clientId", string(c.id)), zap.Error(err))
		}
		metrics.FramesProcessed.WithLabelValues(string(protocol.TagLockAcquire), "ignored").Inc()
		return
	}

	r.mu.Lock()
	for _, block := range result.NewlyOwned {
		owner := string(c.id)
		r.broadcastLocked(protocol.TagLockUpdate, protocol.LockUpdatePayload{
			BlockId: string(block),
			Owner:   &owner,
		}, "")
	}
	r.mu.Unlock()
	metrics.FramesProcessed.WithLabelValues(string(protocol.TagLockAcquire), "granted").Inc()
}

// handleCommit validates lease ownership, persists the snapshot, fans the
// commit out to every session (sender included) and optionally releases the
// lease group in the same acceptance slot.
func (r *Room) handleCommit(ctx context.Context, c *Client, p protocol.CommitPayload) {
	if p.BlockId == "" {
		metrics.FramesProcessed.WithLabelValues(string(protocol.TagCommit), "ignored").Inc()
		return
	}

	owner, err := r.stores.Leases.Owner(ctx, r.id, types.BlockIdType(p.BlockId))
	if err != nil {
		logging.Error(ctx, "Lease lookup failed during commit",
			zap.String("roomId", string(r.id)), zap.String("clientId", string(c.id)), zap.Error(err))
		c.sendFrame(protocol.TagCommitRejected, protocol.CommitRejectedPayload{BlockId: p.BlockId})
		metrics.FramesProcessed.WithLabelValues(string(protocol.TagCommit), "error").Inc()
		return
	}
	// An expired lease (owner == "") does not block the commit: the edit
	// already happened on the client, rejecting it would fork the workspace.
	if owner != "" && owner != c.id {
		c.sendFrame(protocol.TagCommitRejected, protocol.CommitRejectedPayload{
			BlockId: p.BlockId,
			Owner:   string(owner),
		})
		metrics.FramesProcessed.WithLabelValues(string(protocol.TagCommit), "rejected").Inc()
		return
	}

	workspaceXml := p.WorkspaceXml
	if workspaceXml != "" {
		if err := r.stores.Snapshots.Put(ctx, string(r.id), []byte(workspaceXml)); err != nil {
			if errors.Is(err, snapshot.ErrTooLarge) {
				// Events still propagate; the oversize blob is dropped from
				// both storage and the broadcast.
				logging.Warn(ctx, "Dropping oversize workspace snapshot",
					zap.String("roomId", string(r.id)),
					zap.Int("bytes", len(workspaceXml)),
					zap.Int("maxBytes", r.stores.Snapshots.MaxBytes()))
				workspaceXml = ""
			} else {
				logging.Error(ctx, "Snapshot write failed during commit",
					zap.String("roomId", string(r.id)), zap.String("clientId", string(c.id)), zap.Error(err))
				c.sendFrame(protocol.TagCommitRejected, protocol.CommitRejectedPayload{BlockId: p.BlockId})
				metrics.FramesProcessed.WithLabelValues(string(protocol.TagCommit), "error").Inc()
				return
			}
		}
	}

	r.mu.Lock()
	r.broadcastLocked(protocol.TagCommitApply, protocol.CommitApplyPayload{
		BlockId:      p.BlockId,
		Events:       p.Events,
		By:           string(c.id),
		WorkspaceXml: workspaceXml,
	}, "")
	r.mu.Unlock()
	metrics.FramesProcessed.WithLabelValues(string(protocol.TagCommit), "applied").Inc()

	if !p.ReleaseLock {
		return
	}
	keys := make([]types.BlockIdType, 0, 1+len(p.Also))
	keys = append(keys, types.BlockIdType(p.BlockId))
	for _, k := range p.Also {
		keys = append(keys, types.BlockIdType(k))
	}
	released, err := r.stores.Leases.ReleaseMany(ctx, r.id, keys, c.id)
	if err != nil {
		logging.Error(ctx, "Lease release failed after commit",
			zap.String("roomId", string(r.id)), zap.String("clientId", string(c.id)), zap.Error(err))
		return
	}
	r.mu.Lock()
	for _, block := range released {
		r.broadcastLocked(protocol.TagLockUpdate, protocol.LockUpdatePayload{BlockId: string(block)}, "")
	}
	r.mu.Unlock()
}
