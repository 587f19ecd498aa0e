package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/feed-fanout/internal/event"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FollowerResolver maps an author to the current follower set.
type FollowerResolver interface {
	Resolve(ctx context.Context, authorID string) ([]string, error)
}

// FeedWriter persists feed entries for a post.
type FeedWriter interface {
	FanOut(ctx context.Context, postID string, followers []string) (Outcome, error)
}

// BatchHandler processes a batch of notification records.
type BatchHandler interface {
	HandleBatch(ctx context.Context, records []Record) BatchReport
}

// Config for FanoutService.
type Config struct {
	Workers       int
	RecordTimeout time.Duration
}

// FanoutService glues intake, resolver and writer.
type FanoutService struct {
	resolver      FollowerResolver
	writer        FeedWriter
	workers       int
	recordTimeout time.Duration
	log           *zap.SugaredLogger
}

// NewFanoutService returns FanoutService.
func NewFanoutService(resolver FollowerResolver, writer FeedWriter, cfg Config, logger *zap.SugaredLogger) *FanoutService {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	timeout := cfg.RecordTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FanoutService{
		resolver:      resolver,
		writer:        writer,
		workers:       workers,
		recordTimeout: timeout,
		log:           logger,
	}
}

// HandleBatch processes every record concurrently and never fails as a whole: each
// record ends skipped, processed or failed, independent of its siblings.
func (s *FanoutService) HandleBatch(ctx context.Context, records []Record) BatchReport {
	results := make([]Result, len(records))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := range records {
		g.Go(func() error {
			results[i] = s.handleRecord(ctx, records[i])
			return nil
		})
	}
	_ = g.Wait()

	report := newBatchReport(results)
	s.log.Infow("batch handled",
		"records", len(records),
		"processed", report.Processed,
		"skipped", report.Skipped,
		"failed", report.Failed)
	return report
}

func (s *FanoutService) handleRecord(ctx context.Context, rec Record) (res Result) {
	res = Result{RecordID: rec.ID, Stage: StageReceived}
	defer func() {
		if p := recover(); p != nil {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("panic: %v", p)
			res.Reason = res.Err.Error()
			s.log.Errorw("record panicked", "record", rec.ID, "panic", p)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.recordTimeout)
	defer cancel()

	ev, err := event.Decode(rec.Payload)
	switch {
	case errors.Is(err, event.ErrIgnored):
		res.Status, res.Stage = StatusSkipped, StageSkipped
		res.Reason = fmt.Sprintf("event type %s ignored", ev.Type)
		s.log.Debugw("record ignored", "record", rec.ID, "type", ev.Type)
		return res
	case err != nil:
		res.Status, res.Stage = StatusSkipped, StageSkipped
		res.Reason, res.Err = err.Error(), err
		s.log.Warnw("malformed record skipped", "record", rec.ID, "err", err)
		return res
	}
	res.Stage = StageValidated
	res.AuthorID, res.PostID = ev.AuthorID, ev.PostID

	followers, err := s.resolver.Resolve(ctx, ev.AuthorID)
	if err != nil {
		return s.fail(res, err)
	}
	res.Stage = StageFollowersResolved
	res.Followers = len(followers)

	out, err := s.writer.FanOut(ctx, ev.PostID, followers)
	res.Written = out.Written
	if err != nil {
		return s.fail(res, err)
	}

	res.Status, res.Stage = StatusProcessed, StageFannedOut
	s.log.Infow("post fanned out", "record", rec.ID, "author", ev.AuthorID, "post", ev.PostID, "followers", len(followers))
	return res
}

func (s *FanoutService) fail(res Result, err error) Result {
	res.Status = StatusFailed
	res.Err = err
	res.Reason = err.Error()
	s.log.Errorw("record failed",
		"record", res.RecordID,
		"stage", res.Stage.String(),
		"author", res.AuthorID,
		"post", res.PostID,
		"timeout", errors.Is(err, context.DeadlineExceeded),
		"err", err)
	return res
}
