package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/feed-fanout/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxBatchWrite caps the rows of one multi-row upsert (3 bind params per row).
const MaxBatchWrite = 500

// AttemptHeader carries the delivery attempt of a republished record.
const AttemptHeader = "x-fanout-attempt"

// ErrCacheMiss is returned when no follower set is cached for an author.
var ErrCacheMiss = errors.New("follower cache miss")

// FollowerPage is one page of a celebrity's followers. Next is empty on the last page.
type FollowerPage struct {
	Followers []string
	Next      string
}

// RelationStore reads follow relations page by page.
type RelationStore interface {
	FollowersPage(ctx context.Context, celebrity, cursor string, limit int) (FollowerPage, error)
}

// FeedStore upserts feed entries in batches. Entries it could not write are returned
// as unprocessed; a non-nil error means nothing in the call is known to be written.
type FeedStore interface {
	PutEntries(ctx context.Context, entries []model.FeedEntry) (unprocessed []model.FeedEntry, err error)
}

// FollowerCache keeps resolved follower sets for a short time.
type FollowerCache interface {
	CacheFollowers(ctx context.Context, author string, followers []string, ttl time.Duration) error
	GetCachedFollowers(ctx context.Context, author string) ([]string, error)
}

// RedriveStore keeps failed records until they are published again.
type RedriveStore interface {
	SaveRedrive(ctx context.Context, rec *model.RedriveRecord) error
	PollRedrive(ctx context.Context, limit, maxAttempts int) ([]model.RedriveRecord, error)
	MarkRedriveProcessed(ctx context.Context, id uint64) error
	PublishRedrive(ctx context.Context, rec model.RedriveRecord) error
}

// RepositoryInterface restricts Repo methods so the service can be tested with fakes.
type RepositoryInterface interface {
	RelationStore
	FeedStore
	FollowerCache
	RedriveStore
	Ping(ctx context.Context) error
}

var _ RepositoryInterface = (*Repository)(nil)

// Repository implements RepositoryInterface on postgres, redis and kafka.
// rdb and writer may be nil when the caller does not need caching or publishing.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// Migrate creates the tables this service owns plus the relation table it reads.
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(&model.FeedEntry{}, &model.FollowRelation{}, &model.RedriveRecord{})
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// Ping checks postgres and, if configured, redis.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if r.rdb != nil {
		if err := r.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// FollowersPage returns up to limit followers of celebrity ordered by follower id,
// starting after cursor.
func (r *Repository) FollowersPage(ctx context.Context, celebrity, cursor string, limit int) (FollowerPage, error) {
	var rows []model.FollowRelation
	q := r.db.WithContext(ctx).Where("celebrity = ?", celebrity)
	if cursor != "" {
		q = q.Where("follower > ?", cursor)
	}
	if err := q.Order("follower").Limit(limit).Find(&rows).Error; err != nil {
		return FollowerPage{}, err
	}

	page := FollowerPage{Followers: make([]string, 0, len(rows))}
	for _, row := range rows {
		page.Followers = append(page.Followers, row.Follower)
	}
	if limit > 0 && len(rows) == limit {
		page.Next = rows[len(rows)-1].Follower
	}
	return page, nil
}

// PutEntries upserts entries on (user_id, post_id) in one statement. When the statement
// fails, entries are written one by one and the failing ones are returned as unprocessed.
func (r *Repository) PutEntries(ctx context.Context, entries []model.FeedEntry) ([]model.FeedEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if len(entries) > MaxBatchWrite {
		return nil, fmt.Errorf("batch of %d entries exceeds %d", len(entries), MaxBatchWrite)
	}

	err := upsertEntries(r.db.WithContext(ctx), entries)
	if err == nil {
		return nil, nil
	}
	if ctx.Err() != nil || len(entries) == 1 {
		return nil, err
	}
	r.log.Warnw("batch upsert failed, isolating items", "size", len(entries), "err", err)

	var unprocessed []model.FeedEntry
	for i := range entries {
		if itemErr := upsertEntries(r.db.WithContext(ctx), entries[i:i+1]); itemErr != nil {
			unprocessed = append(unprocessed, entries[i])
		}
	}
	if len(unprocessed) == len(entries) {
		return nil, err
	}
	return unprocessed, nil
}

func upsertEntries(tx *gorm.DB, entries []model.FeedEntry) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "post_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"inserted_at"}),
	}).Create(&entries).Error
}

func followersKey(author string) string { return "followers:" + author }

// CacheFollowers writes Redis.
func (r *Repository) CacheFollowers(ctx context.Context, author string, followers []string, ttl time.Duration) error {
	if r.rdb == nil {
		return nil
	}
	if followers == nil {
		followers = []string{}
	}
	b, err := json.Marshal(followers)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, followersKey(author), string(b), ttl).Err()
}

// GetCachedFollowers reads Redis.
func (r *Repository) GetCachedFollowers(ctx context.Context, author string) ([]string, error) {
	if r.rdb == nil {
		return nil, ErrCacheMiss
	}
	str, err := r.rdb.Get(ctx, followersKey(author)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var followers []string
	if err := json.Unmarshal([]byte(str), &followers); err != nil {
		return nil, fmt.Errorf("decode cached followers: %w", err)
	}
	return followers, nil
}

// SaveRedrive stores a failed record.
func (r *Repository) SaveRedrive(ctx context.Context, rec *model.RedriveRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// PollRedrive pulls unprocessed records that still have attempts left.
func (r *Repository) PollRedrive(ctx context.Context, limit, maxAttempts int) ([]model.RedriveRecord, error) {
	var recs []model.RedriveRecord
	err := r.db.WithContext(ctx).
		Where("processed = ? AND attempts < ?", false, maxAttempts).
		Order("id").Limit(limit).Find(&recs).Error
	return recs, err
}

// MarkRedriveProcessed sets processed flag.
func (r *Repository) MarkRedriveProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.RedriveRecord{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishRedrive sends the record's payload back to the intake topic.
func (r *Repository) PublishRedrive(ctx context.Context, rec model.RedriveRecord) error {
	if r.writer == nil {
		return errors.New("no kafka writer configured")
	}
	key := rec.MessageKey
	if key == "" {
		key = rec.RecordID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: []byte(rec.Payload),
		Headers: []kafka.Header{
			{Key: AttemptHeader, Value: []byte(strconv.Itoa(rec.Attempts))},
		},
		Time: time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}
