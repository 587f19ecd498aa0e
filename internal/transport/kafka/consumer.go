package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/richardliu001/feed-fanout/internal/model"
	"github.com/richardliu001/feed-fanout/internal/repo"
	"github.com/richardliu001/feed-fanout/internal/service"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// RedriveSaver stores records that failed so they can be published again.
type RedriveSaver interface {
	SaveRedrive(ctx context.Context, rec *model.RedriveRecord) error
}

// Consumer feeds batches of post notifications from Kafka into the fan-out service.
type Consumer struct {
	reader    MessageReader
	handler   service.BatchHandler
	redrive   RedriveSaver
	batchSize int
	linger    time.Duration
	drain     time.Duration
	log       *zap.SugaredLogger
}

// NewConsumer returns Consumer. drain bounds how long an in-flight batch may keep
// running after Run's context is canceled.
func NewConsumer(r MessageReader, h service.BatchHandler, redrive RedriveSaver, batchSize int, linger, drain time.Duration, logger *zap.SugaredLogger) *Consumer {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Consumer{reader: r, handler: h, redrive: redrive, batchSize: batchSize, linger: linger, drain: drain, log: logger}
}

// Run consumes until ctx is canceled. A batch in flight at cancellation gets the drain
// time to finish; if it cannot be saved and committed by then it is left uncommitted and
// Run still returns nil. Run returns an error only when a batch could not be committed
// while running; the uncommitted batch is delivered again after a restart.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("fan-out consumer started")
	for {
		msgs, err := c.fetchBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("fan-out consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch messages: %w", err)
		}
		if err := c.processBatch(ctx, msgs); err != nil {
			return err
		}
	}
}

// fetchBatch blocks for the first message, then collects more until the batch is full
// or the linger time runs out.
func (c *Consumer) fetchBatch(ctx context.Context) ([]kafka.Message, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	msgs := []kafka.Message{first}

	lctx, cancel := context.WithTimeout(ctx, c.linger)
	defer cancel()
	for len(msgs) < c.batchSize {
		m, err := c.reader.FetchMessage(lctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			break
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (c *Consumer) processBatch(ctx context.Context, msgs []kafka.Message) error {
	records := make([]service.Record, len(msgs))
	for i, m := range msgs {
		records[i] = service.Record{
			ID:      fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset),
			Key:     string(m.Key),
			Payload: m.Value,
			Attempt: attemptOf(m),
		}
	}

	bctx, cancel := c.batchContext(ctx)
	defer cancel()

	report := c.handler.HandleBatch(bctx, records)
	for i, res := range report.Results {
		if res.Status != service.StatusFailed {
			continue
		}
		rec := &model.RedriveRecord{
			RecordID:   records[i].ID,
			MessageKey: records[i].Key,
			Payload:    string(records[i].Payload),
			Reason:     res.Reason,
			Attempts:   records[i].Attempt + 1,
		}
		if err := c.redrive.SaveRedrive(bctx, rec); err != nil {
			if ctx.Err() != nil {
				c.log.Warnw("shutdown before batch was saved, leaving it uncommitted",
					"record", rec.RecordID, "size", len(msgs), "err", err)
				return nil
			}
			return fmt.Errorf("save redrive record %s: %w", rec.RecordID, err)
		}
	}

	if err := c.reader.CommitMessages(bctx, msgs...); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			c.log.Warnw("batch not committed before shutdown", "size", len(msgs), "err", err)
			return nil
		}
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

// batchContext detaches a batch from ctx's cancellation. Once ctx is done the batch
// context is canceled after the drain time.
func (c *Consumer) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(c.drain)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-bctx.Done():
		}
	})
	return bctx, func() {
		stop()
		cancel()
	}
}

func attemptOf(m kafka.Message) int {
	for _, h := range m.Headers {
		if h.Key == repo.AttemptHeader {
			n, err := strconv.Atoi(string(h.Value))
			if err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}
