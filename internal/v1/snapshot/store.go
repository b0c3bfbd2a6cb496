// Package snapshot stores the latest opaque workspace blob per room,
// last-writer-wins, under blocks:{roomId}.
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/kv"
)

// ErrTooLarge is returned when a payload exceeds the configured cap.
var ErrTooLarge = errors.New("snapshot: payload exceeds size cap")

// Store is a Redis-backed snapshot store.
type Store struct {
	kv       *kv.Service
	maxBytes int
}

// NewStore creates a snapshot store. maxBytes bounds accepted payloads.
func NewStore(service *kv.Service, maxBytes int) *Store {
	return &Store{kv: service, maxBytes: maxBytes}
}

func snapshotKey(room string) string {
	return fmt.Sprintf("blocks:%s", room)
}

// MaxBytes returns the configured payload cap.
func (s *Store) MaxBytes() int {
	return s.maxBytes
}

// Put stores the payload, replacing any previous snapshot for the room.
// Oversize writes are rejected with ErrTooLarge and change nothing.
func (s *Store) Put(ctx context.Context, room string, payload []byte) error {
	if len(payload) > s.maxBytes {
		return ErrTooLarge
	}
	_, err := s.kv.Do(func() (any, error) {
		return nil, s.kv.Client().Set(ctx, snapshotKey(room), payload, 0).Err()
	})
	return err
}

// Get returns the latest snapshot, or nil if the room has none.
func (s *Store) Get(ctx context.Context, room string) ([]byte, error) {
	raw, err := s.kv.Do(func() (any, error) {
		val, err := s.kv.Client().Get(ctx, snapshotKey(room)).Bytes()
		if errors.Is(err, redis.Nil) {
			return []byte(nil), nil
		}
		return val, err
	})
	if err != nil {
		return nil, err
	}
	return raw.([]byte), nil
}
