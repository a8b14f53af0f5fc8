package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
)

func delivered(seq int64) sharedDomain.OutboxEvent {
	return sharedDomain.OutboxEvent{
		ID:          uuid.New(),
		Sequence:    seq,
		AggregateID: "a-1",
		EventType:   "auction.created",
		Payload:     json.RawMessage(`{"id":"a-1"}`),
		Status:      sharedDomain.OutboxDelivered,
	}
}

func TestFileArchiver_AppendsPerDay(t *testing.T) {
	// ARRANGE
	a, err := NewFileArchiver(t.TempDir())
	require.NoError(t, err)
	day := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return day }

	// ACT
	require.NoError(t, a.Archive(context.Background(), []sharedDomain.OutboxEvent{delivered(1), delivered(2)}))
	require.NoError(t, a.Archive(context.Background(), []sharedDomain.OutboxEvent{delivered(3)}))

	// ASSERT
	data, err := os.ReadFile(filepath.Join(a.dir, "outbox-20240501.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	var got []sharedDomain.OutboxEvent
	for _, line := range lines {
		var evt sharedDomain.OutboxEvent
		require.NoError(t, json.Unmarshal([]byte(line), &evt))
		got = append(got, evt)
	}
	assert.Equal(t, []int64{1, 2, 3}, []int64{got[0].Sequence, got[1].Sequence, got[2].Sequence})
	assert.JSONEq(t, `{"id":"a-1"}`, string(got[0].Payload))

	_, err = os.Stat(filepath.Join(a.dir, "outbox-20240502.jsonl"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileArchiver_EmptyBatchIsNoop(t *testing.T) {
	a, err := NewFileArchiver(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, a.Archive(context.Background(), nil))
}

func TestObjectKey(t *testing.T) {
	day := time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)
	key := objectKey("outbox", []sharedDomain.OutboxEvent{delivered(7), delivered(12)}, day)
	assert.Equal(t, "outbox/2024/05/01/00000000000000000007-00000000000000000012.jsonl", key)
}
