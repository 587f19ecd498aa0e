package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/feed-fanout/internal/repo"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// ResolveError reports that the followers of an author could not be read.
type ResolveError struct {
	AuthorID string
	Err      error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve followers of %s: %v", e.AuthorID, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// ResolverConfig tunes a Resolver. A zero CacheTTL disables the follower cache.
type ResolverConfig struct {
	PageSize int
	CacheTTL time.Duration
	Retry    RetryPolicy
}

// Resolver returns the current follower set of an author.
type Resolver struct {
	store    repo.RelationStore
	cache    repo.FollowerCache
	pageSize int
	cacheTTL time.Duration
	retry    RetryPolicy
	log      *zap.SugaredLogger
}

// NewResolver returns Resolver. cache may be nil.
func NewResolver(store repo.RelationStore, cache repo.FollowerCache, cfg ResolverConfig, logger *zap.SugaredLogger) *Resolver {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Resolver{
		store:    store,
		cache:    cache,
		pageSize: pageSize,
		cacheTTL: cfg.CacheTTL,
		retry:    cfg.Retry,
		log:      logger,
	}
}

func (r *Resolver) cacheEnabled() bool { return r.cache != nil && r.cacheTTL > 0 }

// Resolve returns every follower of authorID, without duplicates and in no particular
// order. An author without followers yields an empty slice.
func (r *Resolver) Resolve(ctx context.Context, authorID string) ([]string, error) {
	if r.cacheEnabled() {
		followers, err := r.cache.GetCachedFollowers(ctx, authorID)
		if err == nil {
			return followers, nil
		}
		if !errors.Is(err, repo.ErrCacheMiss) {
			r.log.Warnw("follower cache read failed", "author", authorID, "err", err)
		}
	}

	followers, err := r.readAllPages(ctx, authorID)
	if err != nil {
		return nil, &ResolveError{AuthorID: authorID, Err: err}
	}

	if r.cacheEnabled() {
		if err := r.cache.CacheFollowers(ctx, authorID, followers, r.cacheTTL); err != nil {
			r.log.Warnw("follower cache write failed", "author", authorID, "err", err)
		}
	}
	return followers, nil
}

func (r *Resolver) readAllPages(ctx context.Context, authorID string) ([]string, error) {
	seen := make(map[string]struct{})
	followers := []string{}
	cursor := ""
	for {
		var page repo.FollowerPage
		err := retry.Do(ctx, r.retry.backoff(), func(ctx context.Context) error {
			p, err := r.store.FollowersPage(ctx, authorID, cursor, r.pageSize)
			if err != nil {
				return retry.RetryableError(err)
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read page after %q: %w", cursor, err)
		}

		for _, f := range page.Followers {
			if f == "" {
				continue
			}
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			followers = append(followers, f)
		}

		if page.Next == "" {
			return followers, nil
		}
		if page.Next == cursor {
			return nil, fmt.Errorf("relation store repeated cursor %q", cursor)
		}
		cursor = page.Next
	}
}
