package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/richardliu001/feed-fanout/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(store repo.FeedStore, batchSize int) *Writer {
	return NewWriter(store, WriterConfig{BatchSize: batchSize, Concurrency: 3, Retry: fastRetry}, nopLog)
}

func users(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("user-%03d", i)
	}
	return out
}

func TestFanOut_WritesInBatches(t *testing.T) {
	store := newFakeFeed()

	out, err := newTestWriter(store, 25).FanOut(context.Background(), "p1", users(60))
	require.NoError(t, err)
	assert.Equal(t, 60, out.Written)
	assert.Empty(t, out.Failed)
	assert.Equal(t, []int{25, 25, 10}, store.callSizes())
	assert.Len(t, store.entries(), 60)
}

func TestFanOut_SetsEntryFields(t *testing.T) {
	store := newFakeFeed()
	w := newTestWriter(store, 25)
	fixed := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	_, err := w.FanOut(context.Background(), "p42", []string{"bob"})
	require.NoError(t, err)

	e := store.rows[feedKey{"bob", "p42"}]
	assert.Equal(t, "bob", e.UserID)
	assert.Equal(t, "p42", e.PostID)
	assert.Equal(t, fixed, e.InsertedAt)
}

func TestFanOut_RetriesOnlyUnprocessedItems(t *testing.T) {
	store := newFakeFeed()
	store.rejectTimes["user-002"] = 2

	out, err := newTestWriter(store, 10).FanOut(context.Background(), "p1", users(5))
	require.NoError(t, err)
	assert.Equal(t, 5, out.Written)

	require.Len(t, store.calls, 3)
	assert.Len(t, store.calls[0], 5)
	for _, retried := range store.calls[1:] {
		require.Len(t, retried, 1)
		assert.Equal(t, "user-002", retried[0].UserID)
	}
	assert.Len(t, store.entries(), 5)
}

func TestFanOut_GivesUpOnPersistentItemFailure(t *testing.T) {
	store := newFakeFeed()
	store.alwaysReject["user-007"] = true

	out, err := newTestWriter(store, 4).FanOut(context.Background(), "p1", users(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialFanOut)
	assert.Equal(t, []string{"user-007"}, out.Failed)
	assert.Equal(t, 9, out.Written)

	// siblings in the same batch and in other batches are all written
	assert.Len(t, store.entries(), 9)
}

func TestFanOut_RetriesWholeCallErrors(t *testing.T) {
	store := newFakeFeed()
	store.errCalls = 2

	out, err := newTestWriter(store, 50).FanOut(context.Background(), "p1", users(3))
	require.NoError(t, err)
	assert.Equal(t, 3, out.Written)
	assert.Len(t, store.calls, 3)
}

func TestFanOut_IdempotentUnderRedelivery(t *testing.T) {
	store := newFakeFeed()
	w := newTestWriter(store, 25)

	_, err := w.FanOut(context.Background(), "p1", []string{"bob", "carol"})
	require.NoError(t, err)
	_, err = w.FanOut(context.Background(), "p1", []string{"bob", "carol"})
	require.NoError(t, err)

	assert.Equal(t, []feedKey{{"bob", "p1"}, {"carol", "p1"}}, store.entries())
}

func TestFanOut_DedupesAndSkipsEmpty(t *testing.T) {
	store := newFakeFeed()

	out, err := newTestWriter(store, 25).FanOut(context.Background(), "p1", []string{"bob", "", "bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Written)
	assert.Equal(t, []int{2}, store.callSizes())
}

func TestFanOut_NoFollowers(t *testing.T) {
	store := newFakeFeed()

	out, err := newTestWriter(store, 25).FanOut(context.Background(), "p1", nil)
	require.NoError(t, err)
	assert.Zero(t, out.Written)
	assert.Empty(t, store.calls)
}

func TestFanOut_Throttled(t *testing.T) {
	store := newFakeFeed()
	w := NewWriter(store, WriterConfig{BatchSize: 10, Concurrency: 2, Retry: fastRetry, WriteRPS: 10000, WriteBurst: 1}, nopLog)

	out, err := w.FanOut(context.Background(), "p1", users(30))
	require.NoError(t, err)
	assert.Equal(t, 30, out.Written)
}

func TestNewWriter_ClampsBatchSize(t *testing.T) {
	w := NewWriter(newFakeFeed(), WriterConfig{BatchSize: repo.MaxBatchWrite * 2}, nopLog)
	assert.Equal(t, repo.MaxBatchWrite, w.batchSize)

	w = NewWriter(newFakeFeed(), WriterConfig{}, nopLog)
	assert.Equal(t, repo.MaxBatchWrite, w.batchSize)
	assert.Equal(t, 1, w.concurrency)
}
