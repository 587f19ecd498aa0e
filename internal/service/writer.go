package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/richardliu001/feed-fanout/internal/model"
	"github.com/richardliu001/feed-fanout/internal/repo"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrPartialFanOut means some followers did not get the feed entry.
var ErrPartialFanOut = errors.New("fan-out incomplete")

// Outcome of one fan-out. Failed lists the followers whose entry was not written.
type Outcome struct {
	Written int
	Failed  []string
}

// WriterConfig tunes a Writer. WriteRPS of 0 disables throttling.
type WriterConfig struct {
	BatchSize   int
	Concurrency int
	Retry       RetryPolicy
	WriteRPS    int
	WriteBurst  int
}

// Writer persists one feed entry per follower in batches.
type Writer struct {
	store       repo.FeedStore
	batchSize   int
	concurrency int
	retry       RetryPolicy
	limiter     *rate.Limiter
	now         func() time.Time
	log         *zap.SugaredLogger
}

// NewWriter returns Writer.
func NewWriter(store repo.FeedStore, cfg WriterConfig, logger *zap.SugaredLogger) *Writer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > repo.MaxBatchWrite {
		batchSize = repo.MaxBatchWrite
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	w := &Writer{
		store:       store,
		batchSize:   batchSize,
		concurrency: concurrency,
		retry:       cfg.Retry,
		now:         time.Now,
		log:         logger,
	}
	if cfg.WriteRPS > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.WriteRPS), max(cfg.WriteBurst, batchSize))
	}
	return w
}

// FanOut writes a feed entry for postID to every follower.
//
// Sub-batches are written concurrently. Items the store leaves unprocessed are retried
// on their own with backoff; written items are not sent again. When retries run out the
// returned error wraps ErrPartialFanOut and Outcome.Failed names the missing followers.
func (w *Writer) FanOut(ctx context.Context, postID string, followers []string) (Outcome, error) {
	entries := w.entries(postID, followers)
	if len(entries) == 0 {
		return Outcome{}, nil
	}

	batches := chunk(entries, w.batchSize)
	var (
		mu       sync.Mutex
		failed   []string
		firstErr error
	)

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, batch := range batches {
		g.Go(func() error {
			left, err := w.writeBatch(ctx, batch)
			if err == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range left {
				failed = append(failed, e.UserID)
			}
			if firstErr == nil {
				firstErr = err
			}
			return nil
		})
	}
	_ = g.Wait()

	out := Outcome{Written: len(entries) - len(failed), Failed: failed}
	if len(failed) > 0 {
		w.log.Warnw("fan-out incomplete", "post", postID, "failed", len(failed), "total", len(entries), "err", firstErr)
		return out, fmt.Errorf("%w: %d of %d entries for post %s: %v", ErrPartialFanOut, len(failed), len(entries), postID, firstErr)
	}
	return out, nil
}

func (w *Writer) entries(postID string, followers []string) []model.FeedEntry {
	now := w.now().UTC()
	seen := make(map[string]struct{}, len(followers))
	entries := make([]model.FeedEntry, 0, len(followers))
	for _, f := range followers {
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		entries = append(entries, model.FeedEntry{UserID: f, PostID: postID, InsertedAt: now})
	}
	return entries
}

// writeBatch returns the entries still unwritten when it gives up.
func (w *Writer) writeBatch(ctx context.Context, batch []model.FeedEntry) ([]model.FeedEntry, error) {
	pending := batch
	err := retry.Do(ctx, w.retry.backoff(), func(ctx context.Context) error {
		if w.limiter != nil {
			if err := w.limiter.WaitN(ctx, len(pending)); err != nil {
				return err
			}
		}
		unprocessed, err := w.store.PutEntries(ctx, pending)
		if err != nil {
			return retry.RetryableError(err)
		}
		pending = unprocessed
		if len(pending) > 0 {
			return retry.RetryableError(fmt.Errorf("%d entries unprocessed", len(pending)))
		}
		return nil
	})
	if err != nil {
		return pending, err
	}
	return nil, nil
}

func chunk(entries []model.FeedEntry, size int) [][]model.FeedEntry {
	batches := make([][]model.FeedEntry, 0, (len(entries)+size-1)/size)
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		batches = append(batches, entries[start:end])
	}
	return batches
}
