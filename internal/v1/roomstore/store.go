// Package roomstore persists room metadata records under room:{roomId},
// created on first access with defaults.
package roomstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/kv"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/types"
)

// Store is a Redis-backed keyed record store for room metadata.
type Store struct {
	kv              *kv.Service
	maxUsersDefault int
}

// NewStore creates a room record store. maxUsersDefault is applied to rooms
// created on first access.
func NewStore(service *kv.Service, maxUsersDefault int) *Store {
	return &Store{kv: service, maxUsersDefault: maxUsersDefault}
}

func recordKey(room types.RoomIdType) string {
	return fmt.Sprintf("room:%s", room)
}

// GetOrCreate returns the room record, creating it with defaults on first
// access. Construction is idempotent; concurrent callers observe the same
// record because only the first SETNX wins.
func (s *Store) GetOrCreate(ctx context.Context, room types.RoomIdType) (types.RoomRecord, bool, error) {
	record := types.RoomRecord{
		RoomId:    room,
		Title:     fmt.Sprintf("Room %s", room),
		MaxUsers:  s.maxUsersDefault,
		CreatedAt: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return types.RoomRecord{}, false, err
	}

	raw, err := s.kv.Do(func() (any, error) {
		created, err := s.kv.Client().SetNX(ctx, recordKey(room), data, 0).Result()
		if err != nil {
			return nil, err
		}
		if created {
			return []any{true, string(data)}, nil
		}
		existing, err := s.kv.Client().Get(ctx, recordKey(room)).Result()
		if err != nil {
			return nil, err
		}
		return []any{false, existing}, nil
	})
	if err != nil {
		return types.RoomRecord{}, false, err
	}

	reply := raw.([]any)
	created := reply[0].(bool)

	var out types.RoomRecord
	if err := json.Unmarshal([]byte(reply[1].(string)), &out); err != nil {
		return types.RoomRecord{}, false, fmt.Errorf("roomstore: corrupt record for %q: %w", room, err)
	}
	return out, created, nil
}
