package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/richardliu001/feed-fanout/internal/model"
	"github.com/richardliu001/feed-fanout/internal/repo"
	"go.uber.org/zap"
)

var (
	errStoreDown = errors.New("store unavailable")
	nopLog       = zap.NewNop().Sugar()
	fastRetry    = RetryPolicy{MaxRetries: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond}
)

// fakeRelations pages through sorted follower lists keyed by follower id, the way the
// postgres store does. scripted pages take precedence when set for an author.
type fakeRelations struct {
	mu        sync.Mutex
	followers map[string][]string
	scripted  map[string]map[string]repo.FollowerPage
	broken    map[string]bool
	failures  int
	calls     int
}

func newFakeRelations(followers map[string][]string) *fakeRelations {
	sorted := make(map[string][]string, len(followers))
	for author, fs := range followers {
		cp := append([]string(nil), fs...)
		sort.Strings(cp)
		sorted[author] = cp
	}
	return &fakeRelations{followers: sorted, broken: map[string]bool{}}
}

func (f *fakeRelations) FollowersPage(ctx context.Context, celebrity, cursor string, limit int) (repo.FollowerPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if err := ctx.Err(); err != nil {
		return repo.FollowerPage{}, err
	}
	if f.broken[celebrity] {
		return repo.FollowerPage{}, errStoreDown
	}
	if f.failures > 0 {
		f.failures--
		return repo.FollowerPage{}, errStoreDown
	}
	if pages, ok := f.scripted[celebrity]; ok {
		return pages[cursor], nil
	}

	all := f.followers[celebrity]
	start := sort.SearchStrings(all, cursor)
	if cursor != "" && start < len(all) && all[start] == cursor {
		start++
	}
	end := min(start+limit, len(all))
	page := repo.FollowerPage{Followers: append([]string{}, all[start:end]...)}
	if end-start == limit {
		page.Next = all[end-1]
	}
	return page, nil
}

func (f *fakeRelations) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type feedKey struct{ user, post string }

// fakeFeed is an in-memory feed store upserting on (user, post).
type fakeFeed struct {
	mu           sync.Mutex
	rows         map[feedKey]model.FeedEntry
	calls        [][]model.FeedEntry
	rejectTimes  map[string]int
	alwaysReject map[string]bool
	errCalls     int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		rows:         map[feedKey]model.FeedEntry{},
		rejectTimes:  map[string]int{},
		alwaysReject: map[string]bool{},
	}
}

func (f *fakeFeed) PutEntries(_ context.Context, entries []model.FeedEntry) ([]model.FeedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]model.FeedEntry(nil), entries...))

	if f.errCalls > 0 {
		f.errCalls--
		return nil, errStoreDown
	}

	var unprocessed []model.FeedEntry
	for _, e := range entries {
		if f.alwaysReject[e.UserID] {
			unprocessed = append(unprocessed, e)
			continue
		}
		if f.rejectTimes[e.UserID] > 0 {
			f.rejectTimes[e.UserID]--
			unprocessed = append(unprocessed, e)
			continue
		}
		f.rows[feedKey{e.UserID, e.PostID}] = e
	}
	return unprocessed, nil
}

// entries returns the stored (user, post) pairs sorted.
func (f *fakeFeed) entries() []feedKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]feedKey, 0, len(f.rows))
	for k := range f.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].post != keys[j].post {
			return keys[i].post < keys[j].post
		}
		return keys[i].user < keys[j].user
	})
	return keys
}

func (f *fakeFeed) callSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, 0, len(f.calls))
	for _, c := range f.calls {
		sizes = append(sizes, len(c))
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sizes)))
	return sizes
}

type fakeCache struct {
	mu      sync.Mutex
	sets    map[string][]string
	readErr error
	writes  int
}

func (c *fakeCache) CacheFollowers(_ context.Context, author string, followers []string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets == nil {
		c.sets = map[string][]string{}
	}
	c.sets[author] = followers
	c.writes++
	return nil
}

func (c *fakeCache) GetCachedFollowers(_ context.Context, author string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	fs, ok := c.sets[author]
	if !ok {
		return nil, repo.ErrCacheMiss
	}
	return fs, nil
}

type resolverFunc func(ctx context.Context, authorID string) ([]string, error)

func (f resolverFunc) Resolve(ctx context.Context, authorID string) ([]string, error) {
	return f(ctx, authorID)
}
