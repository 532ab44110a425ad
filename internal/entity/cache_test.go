package entity_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ggonzalez94/trendmoon-cli/internal/entity"
	entitymocks "github.com/ggonzalez94/trendmoon-cli/internal/entity/mocks"
	clierr "github.com/ggonzalez94/trendmoon-cli/internal/errors"
	"github.com/ggonzalez94/trendmoon-cli/internal/model"
	providermocks "github.com/ggonzalez94/trendmoon-cli/internal/providers/mocks"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type cacheFixture struct {
	clock     *fakeClock
	lookup    *providermocks.MockLookup
	snapshots *entitymocks.MockSnapshotStore
	static    *entitymocks.MockStaticSource
	cache     *entity.Cache
}

func newCacheFixture(t *testing.T, disk bool) *cacheFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &cacheFixture{
		clock:     newFakeClock(),
		lookup:    providermocks.NewMockLookup(ctrl),
		snapshots: entitymocks.NewMockSnapshotStore(ctrl),
		static:    entitymocks.NewMockStaticSource(ctrl),
	}
	index := entity.NewIndex(entity.DefaultTables(), nil, zerolog.Nop())
	f.cache = entity.NewCache(index, f.lookup, f.snapshots, f.static, entity.CacheOptions{
		Duration:        time.Hour,
		EnableDiskCache: disk,
		Now:             f.clock.Now,
		Logger:          zerolog.Nop(),
	})
	return f
}

var remoteLists = model.EntityLists{
	Categories: []string{"Decentralized Finance (DeFi)", "Meme"},
	Platforms:  []string{"ethereum", "solana", "arbitrum-one"},
}

func (f *cacheFixture) expectRemote(times int) {
	f.lookup.EXPECT().ListCategories(gomock.Any()).Return(remoteLists.Categories, nil).Times(times)
	f.lookup.EXPECT().ListPlatforms(gomock.Any()).Return(remoteLists.Platforms, nil).Times(times)
}

func TestEnsureFreshSkipsIOWithinWindow(t *testing.T) {
	f := newCacheFixture(t, true)
	ctx := context.Background()
	start := f.clock.Now()

	f.snapshots.EXPECT().Latest().Return(time.Time{}, false, nil).Times(1)
	f.expectRemote(1)
	f.snapshots.EXPECT().Save(remoteLists, start).Return(nil).Times(1)

	src, err := f.cache.EnsureFresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.SourceRemote, src)

	f.clock.Advance(time.Minute)
	src, err = f.cache.EnsureFresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.SourceMemory, src)

	got, ok := f.cache.Index().ResolveCategory("defi")
	require.True(t, ok)
	assert.Equal(t, "Decentralized Finance (DeFi)", got)
}

func TestEnsureFreshChecksDiskAfterWindow(t *testing.T) {
	f := newCacheFixture(t, true)
	ctx := context.Background()
	start := f.clock.Now()

	gomock.InOrder(
		f.snapshots.EXPECT().Latest().Return(time.Time{}, false, nil),
		f.snapshots.EXPECT().Save(remoteLists, start).Return(nil),
		f.snapshots.EXPECT().Latest().Return(start, true, nil),
		f.snapshots.EXPECT().Save(remoteLists, start.Add(61*time.Minute)).Return(nil),
	)
	f.expectRemote(2)

	_, err := f.cache.EnsureFresh(ctx)
	require.NoError(t, err)

	f.clock.Advance(61 * time.Minute)
	src, err := f.cache.EnsureFresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.SourceRemote, src, "snapshot from the first refresh is stale too")
}

func TestEnsureFreshUsesFreshSnapshot(t *testing.T) {
	f := newCacheFixture(t, true)
	now := f.clock.Now()
	diskLists := model.EntityLists{Categories: []string{"Gaming"}, Platforms: []string{"base"}}

	f.snapshots.EXPECT().Latest().Return(now.Add(-10*time.Minute), true, nil)
	f.snapshots.EXPECT().Load(now.Add(-10*time.Minute)).Return(diskLists, nil)

	src, err := f.cache.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.SourceDisk, src)
	assert.True(t, f.cache.Initialized())

	got, ok := f.cache.Index().ResolvePlatform("base")
	require.True(t, ok)
	assert.Equal(t, "base", got)

	info := f.cache.Info()
	assert.Equal(t, "disk", info.Source)
	assert.Equal(t, 1, info.Categories)
	assert.Equal(t, int64(0), info.AgeMS, "disk loads count as fresh from now")
}

func TestEnsureFreshRefetchesWhenSnapshotCorrupt(t *testing.T) {
	f := newCacheFixture(t, true)
	now := f.clock.Now()

	f.snapshots.EXPECT().Latest().Return(now.Add(-time.Minute), true, nil)
	f.snapshots.EXPECT().Load(gomock.Any()).Return(model.EntityLists{}, errors.New("unexpected end of JSON input"))
	f.expectRemote(1)
	f.snapshots.EXPECT().Save(remoteLists, now).Return(nil)

	src, err := f.cache.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.SourceRemote, src)
}

func TestEnsureFreshIgnoresSnapshotSaveFailure(t *testing.T) {
	f := newCacheFixture(t, true)

	f.snapshots.EXPECT().Latest().Return(time.Time{}, false, errors.New("permission denied"))
	f.expectRemote(1)
	f.snapshots.EXPECT().Save(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	src, err := f.cache.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.SourceRemote, src)
	assert.True(t, f.cache.Initialized())
}

func TestEnsureFreshFallsBackToStatic(t *testing.T) {
	f := newCacheFixture(t, true)
	staticLists := model.EntityLists{Categories: []string{"Meme"}, Platforms: []string{"solana"}}

	f.snapshots.EXPECT().Latest().Return(time.Time{}, false, nil)
	f.lookup.EXPECT().ListCategories(gomock.Any()).Return(nil, clierr.New(clierr.CodeUnavailable, "trendmoon down"))
	f.lookup.EXPECT().ListPlatforms(gomock.Any()).Return(nil, nil).AnyTimes()
	f.static.EXPECT().Load().Return(staticLists, nil)

	src, err := f.cache.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.SourceStatic, src)
	assert.True(t, f.cache.Initialized())

	got, ok := f.cache.Index().ResolveCategory("memes")
	require.True(t, ok)
	assert.Equal(t, "Meme", got)

	f.clock.Advance(30 * time.Minute)
	src, err = f.cache.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.SourceMemory, src, "static lists are fresh for a full window")
}

func TestEnsureFreshTreatsEmptyRemoteAsFailure(t *testing.T) {
	f := newCacheFixture(t, false)

	f.lookup.EXPECT().ListCategories(gomock.Any()).Return([]string{}, nil)
	f.lookup.EXPECT().ListPlatforms(gomock.Any()).Return(nil, nil)
	f.static.EXPECT().Load().Return(remoteLists, nil)

	src, err := f.cache.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.SourceStatic, src)
}

func TestEnsureFreshTotalFailureLeavesCacheUninitialized(t *testing.T) {
	f := newCacheFixture(t, true)

	f.snapshots.EXPECT().Latest().Return(time.Time{}, false, nil)
	f.lookup.EXPECT().ListCategories(gomock.Any()).Return(nil, errors.New("connection refused")).AnyTimes()
	f.lookup.EXPECT().ListPlatforms(gomock.Any()).Return(nil, errors.New("connection refused")).AnyTimes()
	f.static.EXPECT().Load().Return(model.EntityLists{}, errors.New("open categories.json: no such file or directory"))

	src, err := f.cache.EnsureFresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, entity.SourceNone, src)
	assert.True(t, clierr.Is(err, clierr.CodeUninitialized))
	assert.False(t, f.cache.Initialized())

	_, ok := f.cache.Index().ResolveCategory("defi")
	assert.False(t, ok)
	_, ok = f.cache.Index().ResolvePlatform("sol")
	assert.False(t, ok)
}

func TestEnsureFreshKeepsPreviousStateOnFailure(t *testing.T) {
	f := newCacheFixture(t, false)

	f.expectRemote(1)
	_, err := f.cache.EnsureFresh(context.Background())
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	f.lookup.EXPECT().ListCategories(gomock.Any()).Return(nil, errors.New("timeout")).AnyTimes()
	f.lookup.EXPECT().ListPlatforms(gomock.Any()).Return(nil, errors.New("timeout")).AnyTimes()
	f.static.EXPECT().Load().Return(model.EntityLists{}, errors.New("missing"))

	_, err = f.cache.EnsureFresh(context.Background())
	require.Error(t, err)
	assert.True(t, f.cache.Initialized())
	got, ok := f.cache.Index().ResolveCategory("meme")
	require.True(t, ok)
	assert.Equal(t, "Meme", got)
}

func TestEnsureFreshWithoutDiskNeverTouchesSnapshots(t *testing.T) {
	f := newCacheFixture(t, false)
	f.expectRemote(1)

	src, err := f.cache.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.SourceRemote, src)
}

func TestEnsureFreshCoalescesConcurrentCallers(t *testing.T) {
	f := newCacheFixture(t, false)
	release := make(chan struct{})

	f.lookup.EXPECT().ListCategories(gomock.Any()).DoAndReturn(func(context.Context) ([]string, error) {
		<-release
		return remoteLists.Categories, nil
	}).Times(1)
	f.lookup.EXPECT().ListPlatforms(gomock.Any()).Return(remoteLists.Platforms, nil).Times(1)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.cache.EnsureFresh(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, f.cache.Initialized())
}

func TestRefreshAndEnsureFreshNeverOverlap(t *testing.T) {
	f := newCacheFixture(t, false)
	var active, peak atomic.Int32

	f.lookup.EXPECT().ListCategories(gomock.Any()).DoAndReturn(func(context.Context) ([]string, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return remoteLists.Categories, nil
	}).MinTimes(1)
	f.lookup.EXPECT().ListPlatforms(gomock.Any()).Return(remoteLists.Platforms, nil).MinTimes(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.cache.EnsureFresh(context.Background())
			} else {
				_, err = f.cache.Refresh(context.Background())
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.True(t, f.cache.Initialized())
}

func TestCanceledCallerDoesNotAbortSharedRefresh(t *testing.T) {
	f := newCacheFixture(t, false)
	started := make(chan struct{})
	release := make(chan struct{})

	f.lookup.EXPECT().ListCategories(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]string, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return remoteLists.Categories, nil
	}).Times(1)
	f.lookup.EXPECT().ListPlatforms(gomock.Any()).Return(remoteLists.Platforms, nil).Times(1)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.cache.EnsureFresh(firstCtx)
		firstErr <- err
	}()
	<-started

	type result struct {
		src entity.Source
		err error
	}
	second := make(chan result, 1)
	go func() {
		src, err := f.cache.EnsureFresh(context.Background())
		second <- result{src, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	err := <-firstErr
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, entity.SourceRemote, got.src)
	assert.True(t, f.cache.Initialized())
}

func TestRefreshBypassesFreshTiers(t *testing.T) {
	f := newCacheFixture(t, true)
	now := f.clock.Now()

	f.snapshots.EXPECT().Latest().Return(time.Time{}, false, nil)
	f.snapshots.EXPECT().Save(remoteLists, now).Return(nil).Times(2)
	f.expectRemote(2)

	_, err := f.cache.EnsureFresh(context.Background())
	require.NoError(t, err)

	src, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.SourceRemote, src)
}

func TestInvalidateForcesTierWalk(t *testing.T) {
	f := newCacheFixture(t, true)
	now := f.clock.Now()

	f.snapshots.EXPECT().Latest().Return(time.Time{}, false, nil)
	f.snapshots.EXPECT().Save(remoteLists, now).Return(nil)
	f.expectRemote(1)
	_, err := f.cache.EnsureFresh(context.Background())
	require.NoError(t, err)

	f.cache.Invalidate()
	f.snapshots.EXPECT().Latest().Return(now, true, nil)
	f.snapshots.EXPECT().Load(now).Return(remoteLists, nil)

	src, err := f.cache.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.SourceDisk, src)
}

func TestCacheWithoutLookupUsesStatic(t *testing.T) {
	ctrl := gomock.NewController(t)
	static := entitymocks.NewMockStaticSource(ctrl)
	static.EXPECT().Load().Return(remoteLists, nil)

	index := entity.NewIndex(entity.DefaultTables(), nil, zerolog.Nop())
	cache := entity.NewCache(index, nil, nil, static, entity.CacheOptions{EnableDiskCache: true, Logger: zerolog.Nop()})

	src, err := cache.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.SourceStatic, src)
	assert.Equal(t, entity.DefaultCacheDuration.Milliseconds(), cache.Info().CacheDurationMS)
}
