package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockshare-dev/blockshare/backend/go/internal/v1/types"
)

func TestDecodeValidFrame(t *testing.T) {
	frame, err := Decode([]byte(`{"t":"LOCK_ACQUIRE","payload":{"blockId":"b1"}}`))
	require.NoError(t, err)
	assert.Equal(t, TagLockAcquire, frame.T)

	var p LockAcquirePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &p))
	assert.Equal(t, "b1", p.BlockId)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"invalid json": `{not json`,
		"missing tag":  `{"payload":{}}`,
		"empty tag":    `{"t":"","payload":{}}`,
		"array":        `[1,2,3]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeUnknownTagIsNotMalformed(t *testing.T) {
	frame, err := Decode([]byte(`{"t":"FUTURE_THING","payload":{}}`))
	require.NoError(t, err)
	assert.Equal(t, Tag("FUTURE_THING"), frame.T)
}

func TestDecodeMissingPayload(t *testing.T) {
	frame, err := Decode([]byte(`{"t":"HEARTBEAT"}`))
	require.NoError(t, err)
	assert.Equal(t, TagHeartbeat, frame.T)
}

func TestEncodeEnvelope(t *testing.T) {
	data, err := Encode(TagUserLeft, UserLeftPayload{ClientId: "c1"})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"USER_LEFT"`, string(raw["t"]))
	assert.JSONEq(t, `{"clientId":"c1"}`, string(raw["payload"]))
}

func TestLockUpdateOwnerNullability(t *testing.T) {
	owner := "c1"
	data, err := Encode(TagLockUpdate, LockUpdatePayload{BlockId: "b1", Owner: &owner})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"owner":"c1"`)

	data, err = Encode(TagLockUpdate, LockUpdatePayload{BlockId: "b1"})
	require.NoError(t, err)
	// A released lock carries an explicit null, not an absent field.
	assert.Contains(t, string(data), `"owner":null`)
}

func TestLockAcquireKeys(t *testing.T) {
	p := LockAcquirePayload{BlockId: "b1", Also: []string{"b2", "b3"}}
	assert.Equal(t, []types.BlockIdType{"b1", "b2", "b3"}, p.Keys())

	solo := LockAcquirePayload{BlockId: "b1"}
	assert.Equal(t, []types.BlockIdType{"b1"}, solo.Keys())
}

func TestCommitPayloadDefaults(t *testing.T) {
	var p CommitPayload
	require.NoError(t, json.Unmarshal([]byte(`{"blockId":"b1","events":[{"type":"move"}]}`), &p))
	assert.Equal(t, "b1", p.BlockId)
	// releaseLock defaults to holding the lease.
	assert.False(t, p.ReleaseLock)
	assert.Empty(t, p.WorkspaceXml)
}

func TestInitStateOmitsEmptySnapshot(t *testing.T) {
	data, err := Encode(TagInitState, InitStatePayload{
		ClientId: "c1",
		Users:    []UserInfo{},
		Locks:    map[string]string{},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "workspaceXml")
}
