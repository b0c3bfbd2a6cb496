package types

import "errors"

// --- Core Domain Types ---

// RoomIdType represents a unique identifier for a workspace room.
type RoomIdType string

// ClientIdType represents a unique identifier for a client connection.
// Minted per connection; there is no cross-connection identity.
type ClientIdType string

// BlockIdType identifies a block in the shared workspace document.
// The backend treats it as opaque; it is scoped to a room.
type BlockIdType string

// NicknameType is the human-readable name for a participant.
type NicknameType string

// ColorType is a display color assigned to a participant, e.g. "#FF6B6B".
type ColorType string

// ParticipantInfo tracks one connected user of a room.
type ParticipantInfo struct {
	ClientId ClientIdType `json:"clientId"`
	Nickname NicknameType `json:"nickname"`
	Color    ColorType    `json:"color"`
	// LastSeenMs is the unix-millisecond timestamp of the last accepted frame.
	LastSeenMs int64 `json:"lastSeen"`
}

// MaxNicknameBytes bounds the decoded nickname query parameter.
const MaxNicknameBytes = 64

// Validate ensures a participant entry is safe to store.
func (p ParticipantInfo) Validate() error {
	if p.ClientId == "" {
		return errors.New("client ID cannot be empty")
	}
	if len(string(p.Nickname)) == 0 {
		return errors.New("nickname cannot be empty")
	}
	if len(string(p.Nickname)) > MaxNicknameBytes {
		return errors.New("nickname cannot exceed 64 bytes")
	}
	return nil
}

// RoomRecord is the persisted metadata for a room, created on first access.
type RoomRecord struct {
	RoomId    RoomIdType `json:"roomId"`
	Title     string     `json:"title"`
	MaxUsers  int        `json:"maxUsers"`
	CreatedAt int64      `json:"createdAt"` // unix milliseconds
}
