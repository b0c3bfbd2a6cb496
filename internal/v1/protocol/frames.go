// Package protocol defines the tagged JSON wire frames exchanged with
// workspace clients. Every frame is {"t": <tag>, "payload": <object>}.
// Dispatch happens on the tag at the parsing boundary; unknown tags are
// ignored by the session router, malformed frames are protocol violations.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/types"
)

// Tag identifies a frame type.
type Tag string

// Client → server frames.
const (
	TagLockAcquire Tag = "LOCK_ACQUIRE"
	TagCommit      Tag = "COMMIT"
	TagHeartbeat   Tag = "HEARTBEAT"
)

// Server → client frames.
const (
	TagInitState      Tag = "INIT_STATE"
	TagUserJoined     Tag = "USER_JOINED"
	TagUserLeft       Tag = "USER_LEFT"
	TagLockUpdate     Tag = "LOCK_UPDATE"
	TagLockDenied     Tag = "LOCK_DENIED"
	TagCommitApply    Tag = "COMMIT_APPLY"
	TagCommitRejected Tag = "COMMIT_REJECTED"
)

// ErrMalformed marks a frame that failed to parse. The session closes the
// transport with close code 1002 when it sees this.
var ErrMalformed = errors.New("protocol: malformed frame")

// Frame is the wire envelope.
type Frame struct {
	T       Tag             `json:"t"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses a raw message into a frame. A frame without a tag is
// malformed; an unrecognized tag is not (the router ignores it).
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, ErrMalformed
	}
	if f.T == "" {
		return Frame{}, ErrMalformed
	}
	return f, nil
}

// Encode serializes a frame for the wire.
func Encode(tag Tag, payload any) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{T: tag, Payload: inner})
}

// --- Client → server payloads ---

// LockAcquirePayload requests leases on blockId plus the optional group.
type LockAcquirePayload struct {
	BlockId string   `json:"blockId"`
	Also    []string `json:"also,omitempty"`
}

// Keys returns the primary key plus the group, in request order.
func (p LockAcquirePayload) Keys() []types.BlockIdType {
	keys := make([]types.BlockIdType, 0, 1+len(p.Also))
	keys = append(keys, types.BlockIdType(p.BlockId))
	for _, k := range p.Also {
		keys = append(keys, types.BlockIdType(k))
	}
	return keys
}

// CommitPayload carries an applied edit. Events are opaque to the backend.
type CommitPayload struct {
	BlockId      string          `json:"blockId"`
	Events       json.RawMessage `json:"events"`
	WorkspaceXml string          `json:"workspaceXml,omitempty"`
	ReleaseLock  bool            `json:"releaseLock,omitempty"`
	Also         []string        `json:"also,omitempty"`
}

// HeartbeatPayload is intentionally empty.
type HeartbeatPayload struct{}

// --- Server → client payloads ---

// UserInfo describes a participant in INIT_STATE and USER_JOINED.
type UserInfo struct {
	ClientId types.ClientIdType `json:"clientId"`
	Nickname types.NicknameType `json:"nickname"`
	Color    types.ColorType    `json:"color"`
}

// InitStatePayload is the first frame a session receives.
type InitStatePayload struct {
	ClientId     types.ClientIdType `json:"clientId"`
	Users        []UserInfo         `json:"users"`
	Locks        map[string]string  `json:"locks"`
	WorkspaceXml string             `json:"workspaceXml,omitempty"`
}

// UserJoinedPayload announces a new participant to existing sessions.
type UserJoinedPayload struct {
	ClientId types.ClientIdType `json:"clientId"`
	Nickname types.NicknameType `json:"nickname"`
	Color    types.ColorType    `json:"color"`
}

// UserLeftPayload announces a departed participant.
type UserLeftPayload struct {
	ClientId types.ClientIdType `json:"clientId"`
}

// LockUpdatePayload announces a lease grant (owner set) or release
// (owner null).
type LockUpdatePayload struct {
	BlockId string  `json:"blockId"`
	Owner   *string `json:"owner"`
}

// LockDeniedPayload is sent only to the requester, naming the first
// conflicting key and its holder.
type LockDeniedPayload struct {
	BlockId string `json:"blockId"`
	Owner   string `json:"owner"`
	TtlMs   int64  `json:"ttlMs"`
}

// CommitApplyPayload fans an accepted commit out to every session,
// sender included; clients dedupe on By.
type CommitApplyPayload struct {
	BlockId      string          `json:"blockId"`
	Events       json.RawMessage `json:"events"`
	By           string          `json:"by"`
	WorkspaceXml string          `json:"workspaceXml,omitempty"`
}

// CommitRejectedPayload is sent only to the offending session.
type CommitRejectedPayload struct {
	BlockId string `json:"blockId"`
	Owner   string `json:"owner"`
}
