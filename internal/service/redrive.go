package service

import (
	"context"
	"time"

	"github.com/richardliu001/feed-fanout/internal/repo"
	"go.uber.org/zap"
)

// Redriver publishes failed records back to the intake topic.
type Redriver struct {
	store       repo.RedriveStore
	batch       int
	maxAttempts int
	interval    time.Duration
	log         *zap.SugaredLogger
}

// NewRedriver returns Redriver.
func NewRedriver(store repo.RedriveStore, batch, maxAttempts int, interval time.Duration, logger *zap.SugaredLogger) *Redriver {
	return &Redriver{store: store, batch: batch, maxAttempts: maxAttempts, interval: interval, log: logger}
}

// Run polls until ctx is done.
func (r *Redriver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("redrive poller started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("redrive poller stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Errorf("poll redrive: %v", err)
			}
		}
	}
}

// RunOnce publishes one page of pending records and returns how many were sent.
func (r *Redriver) RunOnce(ctx context.Context) (int, error) {
	recs, err := r.store.PollRedrive(ctx, r.batch, r.maxAttempts)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, rec := range recs {
		if err := r.store.PublishRedrive(ctx, rec); err != nil {
			r.log.Errorf("publish redrive id=%d: %v", rec.ID, err)
			continue
		}
		if err := r.store.MarkRedriveProcessed(ctx, rec.ID); err != nil {
			r.log.Errorf("mark redrive processed id=%d: %v", rec.ID, err)
			continue
		}
		sent++
		r.log.Infof("record %s redriven (attempt %d)", rec.RecordID, rec.Attempts)
	}
	return sent, nil
}
