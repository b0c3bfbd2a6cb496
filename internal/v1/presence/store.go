// Package presence tracks the per-room participant set in a Redis hash:
// online:{roomId} maps clientId → JSON {nickname, color, lastSeen}.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/kv"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/logging"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/types"
)

// Store is a Redis-backed presence store.
type Store struct {
	kv *kv.Service
}

// NewStore creates a presence store on top of the shared Redis service.
func NewStore(service *kv.Service) *Store {
	return &Store{kv: service}
}

func onlineKey(room types.RoomIdType) string {
	return fmt.Sprintf("online:%s", room)
}

// touchScript refreshes lastSeen server-side, and only while the field still
// exists. A read-modify-write from the client would race Remove and could
// write the entry back after deletion; the script makes touch-after-remove a
// no-op. Corrupt entries are left untouched for the reaper to collect.
//
// KEYS[1] = online:{room}
// ARGV[1] = clientId, ARGV[2] = lastSeen millis
var touchScript = redis.NewScript(`
local val = redis.call('HGET', KEYS[1], ARGV[1])
if not val then
  return 0
end
local ok, entry = pcall(cjson.decode, val)
if not ok or type(entry) ~= 'table' then
  return 0
end
entry['lastSeen'] = tonumber(ARGV[2])
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(entry))
return 1
`)

type entry struct {
	Nickname   types.NicknameType `json:"nickname"`
	Color      types.ColorType    `json:"color"`
	LastSeenMs int64              `json:"lastSeen"`
}

// Add registers a participant in the room.
func (s *Store) Add(ctx context.Context, room types.RoomIdType, p types.ParticipantInfo) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(entry{Nickname: p.Nickname, Color: p.Color, LastSeenMs: p.LastSeenMs})
	if err != nil {
		return err
	}
	_, err = s.kv.Do(func() (any, error) {
		return nil, s.kv.Client().HSet(ctx, onlineKey(room), string(p.ClientId), data).Err()
	})
	return err
}

// Remove deletes a participant and returns their entry, or nil if the
// participant was not present. The HDEL count is what makes a concurrent
// session-close / reaper race settle on exactly one removal.
func (s *Store) Remove(ctx context.Context, room types.RoomIdType, clientId types.ClientIdType) (*types.ParticipantInfo, error) {
	raw, err := s.kv.Do(func() (any, error) {
		val, err := s.kv.Client().HGet(ctx, onlineKey(room), string(clientId)).Result()
		if errors.Is(err, redis.Nil) {
			val = ""
		} else if err != nil {
			return nil, err
		}

		removed, err := s.kv.Client().HDel(ctx, onlineKey(room), string(clientId)).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			return "", nil
		}
		return val, nil
	})
	if err != nil {
		return nil, err
	}

	val, _ := raw.(string)
	if val == "" {
		return nil, nil
	}
	p := parseEntry(ctx, clientId, val)
	return &p, nil
}

// Touch updates a participant's last-seen timestamp. Unknown participants
// are ignored, and a touch racing a concurrent Remove cannot resurrect the
// deleted entry: the refresh runs atomically server-side.
func (s *Store) Touch(ctx context.Context, room types.RoomIdType, clientId types.ClientIdType, now time.Time) error {
	_, err := s.kv.Do(func() (any, error) {
		return touchScript.Run(ctx, s.kv.Client(), []string{onlineKey(room)}, string(clientId), now.UnixMilli()).Result()
	})
	return err
}

// List returns every participant currently registered in the room.
func (s *Store) List(ctx context.Context, room types.RoomIdType) ([]types.ParticipantInfo, error) {
	raw, err := s.kv.Do(func() (any, error) {
		return s.kv.Client().HGetAll(ctx, onlineKey(room)).Result()
	})
	if err != nil {
		return nil, err
	}

	fields := raw.(map[string]string)
	out := make([]types.ParticipantInfo, 0, len(fields))
	for id, val := range fields {
		out = append(out, parseEntry(ctx, types.ClientIdType(id), val))
	}
	return out, nil
}

// Count returns the number of participants in the room.
func (s *Store) Count(ctx context.Context, room types.RoomIdType) (int, error) {
	raw, err := s.kv.Do(func() (any, error) {
		return s.kv.Client().HLen(ctx, onlineKey(room)).Result()
	})
	if err != nil {
		return 0, err
	}
	return int(raw.(int64)), nil
}

// StaleSince returns the ids of participants whose last-seen timestamp is
// older than threshold. Entries that fail to parse are reported as stale so
// corrupt records get reaped instead of lingering.
func (s *Store) StaleSince(ctx context.Context, room types.RoomIdType, threshold time.Time) ([]types.ClientIdType, error) {
	raw, err := s.kv.Do(func() (any, error) {
		return s.kv.Client().HGetAll(ctx, onlineKey(room)).Result()
	})
	if err != nil {
		return nil, err
	}

	cutoff := threshold.UnixMilli()
	var stale []types.ClientIdType
	for id, val := range raw.(map[string]string) {
		var e entry
		if err := json.Unmarshal([]byte(val), &e); err != nil || e.LastSeenMs < cutoff {
			stale = append(stale, types.ClientIdType(id))
		}
	}
	return stale, nil
}

func parseEntry(ctx context.Context, clientId types.ClientIdType, val string) types.ParticipantInfo {
	var e entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		logging.Warn(ctx, "Corrupt presence entry", zap.String("clientId", string(clientId)), zap.Error(err))
	}
	return types.ParticipantInfo{
		ClientId:   clientId,
		Nickname:   e.Nickname,
		Color:      e.Color,
		LastSeenMs: e.LastSeenMs,
	}
}
