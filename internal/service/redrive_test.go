package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/richardliu001/feed-fanout/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedrive struct {
	mu          sync.Mutex
	recs        []model.RedriveRecord
	published   []string
	marked      []uint64
	failPublish map[string]bool
	pollErr     error
}

func (f *fakeRedrive) SaveRedrive(_ context.Context, rec *model.RedriveRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = uint64(len(f.recs) + 1)
	f.recs = append(f.recs, *rec)
	return nil
}

func (f *fakeRedrive) PollRedrive(_ context.Context, limit, maxAttempts int) ([]model.RedriveRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	var out []model.RedriveRecord
	for _, r := range f.recs {
		if !r.Processed && r.Attempts < maxAttempts && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRedrive) MarkRedriveProcessed(_ context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	f.recs[id-1].Processed = true
	return nil
}

func (f *fakeRedrive) PublishRedrive(_ context.Context, rec model.RedriveRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPublish[rec.RecordID] {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, rec.RecordID)
	return nil
}

func TestRedriver_RunOnce(t *testing.T) {
	store := &fakeRedrive{failPublish: map[string]bool{"r2": true}}
	ctx := context.Background()
	for _, r := range []model.RedriveRecord{
		{RecordID: "r1", Payload: "{}", Attempts: 1},
		{RecordID: "r2", Payload: "{}", Attempts: 1},
		{RecordID: "r3", Payload: "{}", Attempts: 5},
	} {
		require.NoError(t, store.SaveRedrive(ctx, &r))
	}

	sent, err := NewRedriver(store, 10, 5, 0, nopLog).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"r1"}, store.published)
	assert.Equal(t, []uint64{1}, store.marked)

	// r2 stays pending for the next poll
	store.failPublish = nil
	sent, err = NewRedriver(store, 10, 5, 0, nopLog).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"r1", "r2"}, store.published)
}

func TestRedriver_PollError(t *testing.T) {
	store := &fakeRedrive{pollErr: errors.New("db down")}

	_, err := NewRedriver(store, 10, 5, 0, nopLog).RunOnce(context.Background())
	assert.Error(t, err)
}
