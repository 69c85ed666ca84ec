package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowkeylabs/crossyield/internal/voting"
)

func holdDecision(reason string) *voting.Decision {
	return &voting.Decision{
		ID:            uuid.New(),
		Action:        voting.ActionHold,
		ConsensusPPM:  420_000,
		ConfidencePPM: 700_000,
		Reasoning:     []string{reason},
		SnapshotAt:    time.Now().UTC().Truncate(time.Second),
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
}

func testRecord(outcome Outcome) Record {
	d := holdDecision("test")
	return Record{
		ID:         d.ID,
		Decision:   d,
		Outcome:    outcome,
		RecordedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestMemoryStoreNewestFirstAndCapacity(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		rec := testRecord(OutcomeHold)
		rec.ErrorReason = fmt.Sprintf("rec-%d", i)
		ids = append(ids, rec.ID)
		require.NoError(t, s.Append(ctx, rec))
	}

	assert.Equal(t, 3, s.Len())

	records, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "rec-4", records[0].ErrorReason)
	assert.Equal(t, "rec-2", records[2].ErrorReason)

	limited, err := s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	// The two oldest fell off the ring.
	_, err = s.Get(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.Get(ctx, ids[4])
	require.NoError(t, err)
	assert.Equal(t, ids[4], got.ID)
}

func TestMemoryStoreGetByOperationID(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	rec := testRecord(OutcomeExecuted)
	rec.OperationID = uuid.New()
	require.NoError(t, s.Append(ctx, rec))

	byDecision, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byDecision.ID)

	byOperation, err := s.Get(ctx, rec.OperationID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byOperation.ID)
}

func TestHoldRecordShape(t *testing.T) {
	d := holdDecision("nothing to do")
	rec := HoldRecord(d)
	assert.Equal(t, d.ID, rec.ID)
	assert.Equal(t, OutcomeHold, rec.Outcome)
	assert.Equal(t, uuid.Nil, rec.OperationID)
	assert.False(t, rec.RecordedAt.IsZero())
}

func TestOpenSelectsStoreByConfig(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, configHistory("", ""))
	require.NoError(t, err)
	_, ok := mem.(*MemoryStore)
	assert.True(t, ok)
	require.NoError(t, mem.Close())

	path := t.TempDir() + "/history.jsonl"
	file, err := Open(ctx, configHistory(path, ""))
	require.NoError(t, err)
	_, ok = file.(*FileStore)
	assert.True(t, ok)
	require.NoError(t, file.Close())
}
