package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/kv"
	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/types"
)

const testTTL = 10 * time.Second

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(kv.NewServiceFromClient(client)), mr
}

func TestAcquireGrantsFreeKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	res, err := store.Acquire(ctx, "r1", "b1", "alice", testTTL)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, []types.BlockIdType{"b1"}, res.NewlyOwned)
	assert.Empty(t, res.Conflicts)

	owner, err := store.Owner(ctx, "r1", "b1")
	require.NoError(t, err)
	assert.Equal(t, types.ClientIdType("alice"), owner)
}

func TestAcquireRefreshesOwnKey(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "r1", "b1", "alice", testTTL)
	require.NoError(t, err)
	mr.FastForward(8 * time.Second)

	res, err := store.Acquire(ctx, "r1", "b1", "alice", testTTL)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	// Already held, so not reported as newly owned.
	assert.Empty(t, res.NewlyOwned)

	// The refresh reset the clock: another 8s does not expire it.
	mr.FastForward(8 * time.Second)
	owner, err := store.Owner(ctx, "r1", "b1")
	require.NoError(t, err)
	assert.Equal(t, types.ClientIdType("alice"), owner)
}

func TestAcquireDeniedReportsOwnerAndTTL(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "r1", "b1", "alice", testTTL)
	require.NoError(t, err)

	res, err := store.Acquire(ctx, "r1", "b1", "bob", testTTL)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, types.BlockIdType("b1"), res.Conflicts[0].BlockId)
	assert.Equal(t, types.ClientIdType("alice"), res.Conflicts[0].Owner)
	assert.Greater(t, res.Conflicts[0].Remaining, time.Duration(0))
	assert.LessOrEqual(t, res.Conflicts[0].Remaining, testTTL)

	// Denial must not disturb the existing lease.
	owner, err := store.Owner(ctx, "r1", "b1")
	require.NoError(t, err)
	assert.Equal(t, types.ClientIdType("alice"), owner)
}

func TestAcquireManyAllOrNothing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "r1", "b2", "alice", testTTL)
	require.NoError(t, err)

	res, err := store.AcquireMany(ctx, "r1", []types.BlockIdType{"b1", "b2"}, "bob", testTTL)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, types.BlockIdType("b2"), res.Conflicts[0].BlockId)

	// The free key in the denied batch must remain free.
	owner, err := store.Owner(ctx, "r1", "b1")
	require.NoError(t, err)
	assert.Empty(t, owner)

	// Once the blocker releases, the same batch is granted whole.
	_, err = store.Release(ctx, "r1", "b2", "alice")
	require.NoError(t, err)
	res, err = store.AcquireMany(ctx, "r1", []types.BlockIdType{"b1", "b2"}, "bob", testTTL)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.ElementsMatch(t, []types.BlockIdType{"b1", "b2"}, res.NewlyOwned)
}

func TestAcquireManyMixedOwnedAndFree(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "r1", "b1", "alice", testTTL)
	require.NoError(t, err)

	res, err := store.AcquireMany(ctx, "r1", []types.BlockIdType{"b1", "b2"}, "alice", testTTL)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	// b1 was already alice's; only b2 is new.
	assert.Equal(t, []types.BlockIdType{"b2"}, res.NewlyOwned)
}

func TestAcquireExpiredKeyIsFree(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "r1", "b1", "alice", testTTL)
	require.NoError(t, err)
	mr.FastForward(testTTL + time.Second)

	res, err := store.Acquire(ctx, "r1", "b1", "bob", testTTL)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, []types.BlockIdType{"b1"}, res.NewlyOwned)
}

func TestAcquireEmptyBatch(t *testing.T) {
	store, _ := newTestStore(t)

	res, err := store.AcquireMany(context.Background(), "r1", nil, "alice", testTTL)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Empty(t, res.NewlyOwned)
}

func TestReleaseStatuses(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	status, err := store.Release(ctx, "r1", "b1", "alice")
	require.NoError(t, err)
	assert.Equal(t, ReleaseNotHeld, status)

	_, err = store.Acquire(ctx, "r1", "b1", "alice", testTTL)
	require.NoError(t, err)

	status, err = store.Release(ctx, "r1", "b1", "bob")
	require.NoError(t, err)
	assert.Equal(t, ReleaseNotOwner, status)

	status, err = store.Release(ctx, "r1", "b1", "alice")
	require.NoError(t, err)
	assert.Equal(t, Released, status)

	owner, err := store.Owner(ctx, "r1", "b1")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestReleaseManySkipsForeignKeys(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "r1", "b1", "alice", testTTL)
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "r1", "b2", "bob", testTTL)
	require.NoError(t, err)

	released, err := store.ReleaseMany(ctx, "r1", []types.BlockIdType{"b1", "b2", "b3"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []types.BlockIdType{"b1"}, released)

	owner, err := store.Owner(ctx, "r1", "b2")
	require.NoError(t, err)
	assert.Equal(t, types.ClientIdType("bob"), owner)
}

func TestReleaseAll(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.AcquireMany(ctx, "r1", []types.BlockIdType{"b1", "b2"}, "alice", testTTL)
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "r1", "b3", "bob", testTTL)
	require.NoError(t, err)

	released, err := store.ReleaseAll(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.BlockIdType{"b1", "b2"}, released)

	// Idempotent: a second sweep finds nothing.
	released, err = store.ReleaseAll(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Empty(t, released)

	owner, err := store.Owner(ctx, "r1", "b3")
	require.NoError(t, err)
	assert.Equal(t, types.ClientIdType("bob"), owner)
}

func TestReleaseAllScopedToRoom(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "r1", "b1", "alice", testTTL)
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "r2", "b1", "alice", testTTL)
	require.NoError(t, err)

	_, err = store.ReleaseAll(ctx, "r1", "alice")
	require.NoError(t, err)

	owner, err := store.Owner(ctx, "r2", "b1")
	require.NoError(t, err)
	assert.Equal(t, types.ClientIdType("alice"), owner)
}

func TestExtendByOwner(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "r1", "b1", "alice", testTTL)
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "r1", "b2", "bob", testTTL)
	require.NoError(t, err)

	mr.FastForward(8 * time.Second)
	refreshed, err := store.ExtendByOwner(ctx, "r1", "alice", []types.BlockIdType{"b1", "b2", "b9"}, testTTL)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed)

	// b1 got a fresh TTL, b2 kept its old one and expires first.
	mr.FastForward(4 * time.Second)
	owner, err := store.Owner(ctx, "r1", "b1")
	require.NoError(t, err)
	assert.Equal(t, types.ClientIdType("alice"), owner)
	owner, err = store.Owner(ctx, "r1", "b2")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestExtendAllRefreshesEveryOwnedKey(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.AcquireMany(ctx, "r1", []types.BlockIdType{"b1", "b2"}, "alice", testTTL)
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "r1", "b3", "bob", testTTL)
	require.NoError(t, err)

	mr.FastForward(8 * time.Second)
	refreshed, err := store.ExtendAll(ctx, "r1", "alice", testTTL)
	require.NoError(t, err)
	assert.Equal(t, 2, refreshed)

	// alice's keys got fresh TTLs; bob's kept its old one and expires first.
	mr.FastForward(4 * time.Second)
	for _, block := range []types.BlockIdType{"b1", "b2"} {
		owner, err := store.Owner(ctx, "r1", block)
		require.NoError(t, err)
		assert.Equal(t, types.ClientIdType("alice"), owner)
	}
	owner, err := store.Owner(ctx, "r1", "b3")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestExtendAllWithoutLeases(t *testing.T) {
	store, _ := newTestStore(t)

	refreshed, err := store.ExtendAll(context.Background(), "r1", "alice", testTTL)
	require.NoError(t, err)
	assert.Zero(t, refreshed)
}

func TestSnapshot(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.AcquireMany(ctx, "r1", []types.BlockIdType{"b1", "b2"}, "alice", testTTL)
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "r1", "b3", "bob", testTTL)
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "r2", "b1", "carol", testTTL)
	require.NoError(t, err)

	locks, err := store.Snapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, map[types.BlockIdType]types.ClientIdType{
		"b1": "alice",
		"b2": "alice",
		"b3": "bob",
	}, locks)
}

func TestAcquireAfterReleaseRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	keys := []types.BlockIdType{"b1", "b2", "b3"}
	res, err := store.AcquireMany(ctx, "r1", keys, "alice", testTTL)
	require.NoError(t, err)
	require.True(t, res.Granted)

	released, err := store.ReleaseMany(ctx, "r1", keys, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, keys, released)

	res, err = store.AcquireMany(ctx, "r1", keys, "bob", testTTL)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.ElementsMatch(t, keys, res.NewlyOwned)
}

func TestAcquireUnavailableStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewStore(kv.NewServiceFromClient(client))
	mr.Close()

	_, err := store.Acquire(context.Background(), "r1", "b1", "alice", testTTL)
	assert.ErrorIs(t, err, kv.ErrUnavailable)
}
