// Package lease implements the room-scoped lease store: a key→owner mapping
// with TTL semantics, an atomic multi-key acquire path, owner-gated release
// and a per-owner reverse index.
//
// Redis key schema:
//   - locks:{roomId}:{blockId}      → clientId (string with PX ttl)
//   - clientlocks:{roomId}:{clientId} → set of blockId
//
// The store is the sole authority on lease state; callers never cache it
// across operations.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/kv"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/metrics"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/types"
)

// ReleaseStatus is the outcome of a single-key Release.
type ReleaseStatus int

const (
	ReleaseNotHeld ReleaseStatus = iota
	ReleaseNotOwner
	Released
)

// Conflict describes a key that blocked an acquire.
type Conflict struct {
	BlockId   types.BlockIdType
	Owner     types.ClientIdType
	Remaining time.Duration
}

// AcquireResult is the outcome of Acquire / AcquireMany.
// On a grant, NewlyOwned lists keys that had no active lease before the
// call; keys the owner already held were refreshed and are not listed.
// On a denial, Conflicts lists every blocking key and no state was changed.
type AcquireResult struct {
	Granted    bool
	NewlyOwned []types.BlockIdType
	Conflicts  []Conflict
}

// Store is a Redis-backed lease store.
type Store struct {
	kv *kv.Service
}

// NewStore creates a lease store on top of the shared Redis service.
func NewStore(service *kv.Service) *Store {
	return &Store{kv: service}
}

func lockKey(room types.RoomIdType, block types.BlockIdType) string {
	return fmt.Sprintf("locks:%s:%s", room, block)
}

func lockKeyPrefix(room types.RoomIdType) string {
	return fmt.Sprintf("locks:%s:", room)
}

func ownerIndexKey(room types.RoomIdType, owner types.ClientIdType) string {
	return fmt.Sprintf("clientlocks:%s:%s", room, owner)
}

// Acquire attempts a single-key acquire. It shares the serialization point
// of AcquireMany so single and group acquires never interleave partially.
func (s *Store) Acquire(ctx context.Context, room types.RoomIdType, key types.BlockIdType, owner types.ClientIdType, ttl time.Duration) (AcquireResult, error) {
	return s.AcquireMany(ctx, room, []types.BlockIdType{key}, owner, ttl)
}

// AcquireMany is an all-or-nothing acquire across the batch. If any key is
// held by a different owner, no state changes and every conflicting key is
// reported. Keys already held by owner are refreshed.
func (s *Store) AcquireMany(ctx context.Context, room types.RoomIdType, keys []types.BlockIdType, owner types.ClientIdType, ttl time.Duration) (AcquireResult, error) {
	keys = dedupe(keys)
	if len(keys) == 0 || owner == "" {
		return AcquireResult{Granted: true}, nil
	}

	scriptKeys := make([]string, 0, len(keys)+1)
	scriptKeys = append(scriptKeys, ownerIndexKey(room, owner))
	args := make([]interface{}, 0, len(keys)+2)
	args = append(args, string(owner), ttl.Milliseconds())
	for _, k := range keys {
		scriptKeys = append(scriptKeys, lockKey(room, k))
		args = append(args, string(k))
	}

	raw, err := s.kv.Do(func() (any, error) {
		return acquireManyScript.Run(ctx, s.kv.Client(), scriptKeys, args...).Result()
	})
	if err != nil {
		metrics.LeaseAcquisitions.WithLabelValues("error").Inc()
		return AcquireResult{}, err
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) == 0 {
		return AcquireResult{}, fmt.Errorf("lease: unexpected acquire reply %T", raw)
	}

	if asInt(reply[0]) == 1 {
		res := AcquireResult{Granted: true}
		for _, v := range reply[1:] {
			res.NewlyOwned = append(res.NewlyOwned, types.BlockIdType(asString(v)))
		}
		metrics.LeaseAcquisitions.WithLabelValues("granted").Inc()
		return res, nil
	}

	res := AcquireResult{}
	for i := 1; i+2 < len(reply); i += 3 {
		remaining := time.Duration(asInt(reply[i+2])) * time.Millisecond
		if remaining < 0 {
			remaining = 0
		}
		res.Conflicts = append(res.Conflicts, Conflict{
			BlockId:   types.BlockIdType(asString(reply[i])),
			Owner:     types.ClientIdType(asString(reply[i+1])),
			Remaining: remaining,
		})
	}
	metrics.LeaseAcquisitions.WithLabelValues("denied").Inc()
	return res, nil
}

// Release releases a single key if owner holds it.
func (s *Store) Release(ctx context.Context, room types.RoomIdType, key types.BlockIdType, owner types.ClientIdType) (ReleaseStatus, error) {
	raw, err := s.kv.Do(func() (any, error) {
		return releaseScript.Run(ctx, s.kv.Client(),
			[]string{lockKey(room, key), ownerIndexKey(room, owner)},
			string(owner), string(key)).Result()
	})
	if err != nil {
		return ReleaseNotHeld, err
	}

	switch asInt(raw) {
	case 1:
		metrics.LeasesReleased.Inc()
		return Released, nil
	case 0:
		return ReleaseNotOwner, nil
	default:
		return ReleaseNotHeld, nil
	}
}

// ReleaseMany releases every key in the batch owned by owner and returns the
// keys actually released.
func (s *Store) ReleaseMany(ctx context.Context, room types.RoomIdType, keys []types.BlockIdType, owner types.ClientIdType) ([]types.BlockIdType, error) {
	keys = dedupe(keys)
	if len(keys) == 0 || owner == "" {
		return nil, nil
	}

	scriptKeys := make([]string, 0, len(keys)+1)
	scriptKeys = append(scriptKeys, ownerIndexKey(room, owner))
	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, string(owner))
	for _, k := range keys {
		scriptKeys = append(scriptKeys, lockKey(room, k))
		args = append(args, string(k))
	}

	raw, err := s.kv.Do(func() (any, error) {
		return releaseManyScript.Run(ctx, s.kv.Client(), scriptKeys, args...).Result()
	})
	if err != nil {
		return nil, err
	}
	released := toBlockIds(raw)
	metrics.LeasesReleased.Add(float64(len(released)))
	return released, nil
}

// ReleaseAll releases every lease belonging to owner in the room, using the
// owner index, and returns the released keys. Used on session close.
func (s *Store) ReleaseAll(ctx context.Context, room types.RoomIdType, owner types.ClientIdType) ([]types.BlockIdType, error) {
	if owner == "" {
		return nil, nil
	}
	raw, err := s.kv.Do(func() (any, error) {
		return releaseAllScript.Run(ctx, s.kv.Client(),
			[]string{ownerIndexKey(room, owner)},
			string(owner), lockKeyPrefix(room)).Result()
	})
	if err != nil {
		return nil, err
	}
	released := toBlockIds(raw)
	metrics.LeasesReleased.Add(float64(len(released)))
	return released, nil
}

// ExtendByOwner idempotently refreshes each listed key owned by owner.
// Keys held by others are left untouched. Returns the number refreshed.
func (s *Store) ExtendByOwner(ctx context.Context, room types.RoomIdType, owner types.ClientIdType, keys []types.BlockIdType, ttl time.Duration) (int, error) {
	keys = dedupe(keys)
	if len(keys) == 0 || owner == "" {
		return 0, nil
	}

	scriptKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		scriptKeys = append(scriptKeys, lockKey(room, k))
	}

	raw, err := s.kv.Do(func() (any, error) {
		return extendScript.Run(ctx, s.kv.Client(), scriptKeys,
			string(owner), ttl.Milliseconds()).Result()
	})
	if err != nil {
		return 0, err
	}
	return int(asInt(raw)), nil
}

// ExtendAll refreshes every lease owner currently holds in the room, found
// through the owner index. Called on heartbeat so an active session keeps
// its locks alive without re-acquiring them. A key released between the
// index read and the refresh is simply skipped; the refresh is owner-gated.
func (s *Store) ExtendAll(ctx context.Context, room types.RoomIdType, owner types.ClientIdType, ttl time.Duration) (int, error) {
	if owner == "" {
		return 0, nil
	}
	raw, err := s.kv.Do(func() (any, error) {
		return s.kv.Client().SMembers(ctx, ownerIndexKey(room, owner)).Result()
	})
	if err != nil {
		return 0, err
	}

	members := raw.([]string)
	keys := make([]types.BlockIdType, 0, len(members))
	for _, m := range members {
		keys = append(keys, types.BlockIdType(m))
	}
	return s.ExtendByOwner(ctx, room, owner, keys, ttl)
}

// Owner returns the current lease owner for a key, or "" if none is active.
func (s *Store) Owner(ctx context.Context, room types.RoomIdType, key types.BlockIdType) (types.ClientIdType, error) {
	raw, err := s.kv.Do(func() (any, error) {
		owner, err := s.kv.Client().Get(ctx, lockKey(room, key)).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return owner, err
	})
	if err != nil {
		return "", err
	}
	return types.ClientIdType(asString(raw)), nil
}

// Snapshot returns the currently active leases of a room as blockId→owner.
// Used to build the initial state frame for a joining session.
func (s *Store) Snapshot(ctx context.Context, room types.RoomIdType) (map[types.BlockIdType]types.ClientIdType, error) {
	prefix := lockKeyPrefix(room)

	raw, err := s.kv.Do(func() (any, error) {
		locks := make(map[types.BlockIdType]types.ClientIdType)
		iter := s.kv.Client().Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			owner, err := s.kv.Client().Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				continue // expired between SCAN and GET
			}
			if err != nil {
				return nil, err
			}
			locks[types.BlockIdType(strings.TrimPrefix(key, prefix))] = types.ClientIdType(owner)
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		return locks, nil
	})
	if err != nil {
		return nil, err
	}
	return raw.(map[types.BlockIdType]types.ClientIdType), nil
}

func dedupe(keys []types.BlockIdType) []types.BlockIdType {
	seen := make(map[types.BlockIdType]struct{}, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func toBlockIds(raw any) []types.BlockIdType {
	reply, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]types.BlockIdType, 0, len(reply))
	for _, v := range reply {
		out = append(out, types.BlockIdType(asString(v)))
	}
	return out
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
