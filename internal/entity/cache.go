package entity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	clierr "github.com/ggonzalez94/trendmoon-cli/internal/errors"
	"github.com/ggonzalez94/trendmoon-cli/internal/model"
	"github.com/ggonzalez94/trendmoon-cli/internal/providers"
)

const DefaultCacheDuration = 60 * time.Minute

// Source names the tier that last populated the index.
type Source string

const (
	SourceNone   Source = ""
	SourceMemory Source = "memory"
	SourceDisk   Source = "disk"
	SourceRemote Source = "remote"
	SourceStatic Source = "static"
)

// SnapshotStore persists fetched lists as timestamped snapshots.
//
//go:generate mockgen -source=cache.go -destination=mocks/mock_cache.go -package=mocks
type SnapshotStore interface {
	// Latest returns the timestamp of the newest snapshot, ok=false when there is none.
	Latest() (time.Time, bool, error)
	Load(at time.Time) (model.EntityLists, error)
	// Save writes a snapshot for at and removes every older one.
	Save(lists model.EntityLists, at time.Time) error
}

// StaticSource reads the lists bundled with the deployment.
type StaticSource interface {
	Load() (model.EntityLists, error)
}

type CacheOptions struct {
	Duration        time.Duration
	EnableDiskCache bool
	Now             func() time.Time
	Logger          zerolog.Logger
}

// Cache keeps the category and platform tables of an Index populated from the
// cheapest fresh source: memory, disk snapshot, remote lookup, static files.
type Cache struct {
	index     *Index
	lookup    providers.Lookup
	snapshots SnapshotStore
	static    StaticSource
	duration  time.Duration
	disk      bool
	now       func() time.Time
	log       zerolog.Logger

	group  singleflight.Group
	walkMu sync.Mutex

	mu          sync.RWMutex
	initialized bool
	lastRefresh time.Time
	source      Source
}

// NewCache wires the refresh chain. lookup, snapshots and static may each be nil,
// in which case that tier is treated as failing.
func NewCache(index *Index, lookup providers.Lookup, snapshots SnapshotStore, static StaticSource, opts CacheOptions) *Cache {
	if opts.Duration <= 0 {
		opts.Duration = DefaultCacheDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		index:     index,
		lookup:    lookup,
		snapshots: snapshots,
		static:    static,
		duration:  opts.Duration,
		disk:      opts.EnableDiskCache && snapshots != nil,
		now:       opts.Now,
		log:       opts.Logger,
	}
}

func (c *Cache) Index() *Index { return c.index }

// EnsureFresh walks memory -> disk -> remote -> static and stops at the first tier
// that yields lists. Concurrent callers share one in-flight refresh. On total
// failure the previous state is kept and a CodeUninitialized error is returned.
func (c *Cache) EnsureFresh(ctx context.Context) (Source, error) {
	if c.memoryFresh() {
		return SourceMemory, nil
	}
	return c.shared(ctx, "ensure", func(walkCtx context.Context) (Source, error) {
		// A forced refresh may have finished while this walk waited.
		if c.memoryFresh() {
			return SourceMemory, nil
		}
		return c.refresh(walkCtx, true)
	})
}

// Refresh skips the memory and disk tiers and goes straight to the remote service,
// falling back to the static files.
func (c *Cache) Refresh(ctx context.Context) (Source, error) {
	return c.shared(ctx, "force", func(walkCtx context.Context) (Source, error) {
		return c.refresh(walkCtx, false)
	})
}

// shared runs walk once for every concurrent caller of key. Walks never overlap,
// whatever their key. The walk ignores the cancellation of the caller that started
// it; each caller stops waiting when its own ctx is done.
func (c *Cache) shared(ctx context.Context, key string, walk func(context.Context) (Source, error)) (Source, error) {
	walkCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.walkMu.Lock()
		defer c.walkMu.Unlock()
		return walk(walkCtx)
	})
	select {
	case res := <-ch:
		src, _ := res.Val.(Source)
		return src, res.Err
	case <-ctx.Done():
		return SourceNone, clierr.Wrap(clierr.CodeUnavailable, "wait for entity refresh", ctx.Err())
	}
}

func (c *Cache) refresh(ctx context.Context, allowDisk bool) (Source, error) {
	now := c.now()

	if allowDisk && c.disk {
		if lists, ok := c.loadFreshSnapshot(now); ok {
			c.apply(lists, SourceDisk, now)
			c.log.Info().Int("categories", len(lists.Categories)).Int("platforms", len(lists.Platforms)).Msg("entity cache loaded from disk snapshot")
			return SourceDisk, nil
		}
	}

	lists, remoteErr := c.fetchRemote(ctx)
	if remoteErr == nil {
		c.apply(lists, SourceRemote, now)
		c.log.Info().Int("categories", len(lists.Categories)).Int("platforms", len(lists.Platforms)).Msg("entity cache refreshed from remote")
		if c.disk {
			if err := c.snapshots.Save(lists, now); err != nil {
				c.log.Warn().Err(err).Msg("persist entity snapshot failed")
			}
		}
		return SourceRemote, nil
	}
	if c.lookup == nil {
		c.log.Debug().Msg("no remote lookup configured, using static lists")
	} else {
		c.log.Warn().Err(remoteErr).Msg("remote entity fetch failed, falling back to static lists")
	}

	staticErr := errors.New("no static source configured")
	if c.static != nil {
		lists, staticErr = c.static.Load()
		if staticErr == nil {
			c.apply(lists, SourceStatic, now)
			c.log.Info().Int("categories", len(lists.Categories)).Int("platforms", len(lists.Platforms)).Msg("entity cache loaded from static fallback")
			return SourceStatic, nil
		}
	}
	c.log.Error().Err(staticErr).Msg("static entity fallback failed")
	return SourceNone, clierr.Wrap(clierr.CodeUninitialized, "entity lists unavailable", errors.Join(remoteErr, staticErr))
}

func (c *Cache) loadFreshSnapshot(now time.Time) (model.EntityLists, bool) {
	at, ok, err := c.snapshots.Latest()
	if err != nil {
		c.log.Warn().Err(err).Msg("list entity snapshots failed")
		return model.EntityLists{}, false
	}
	if !ok {
		return model.EntityLists{}, false
	}
	if age := now.Sub(at); age >= c.duration {
		c.log.Debug().Dur("age", age).Msg("entity snapshot is stale")
		return model.EntityLists{}, false
	}
	lists, err := c.snapshots.Load(at)
	if err != nil {
		c.log.Warn().Err(err).Time("snapshot", at).Msg("entity snapshot unreadable, refreshing")
		return model.EntityLists{}, false
	}
	return lists, true
}

func (c *Cache) fetchRemote(ctx context.Context) (model.EntityLists, error) {
	if c.lookup == nil {
		return model.EntityLists{}, clierr.New(clierr.CodeUnavailable, "remote lookup not configured")
	}
	var lists model.EntityLists
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		categories, err := c.lookup.ListCategories(gctx)
		lists.Categories = categories
		return err
	})
	g.Go(func() error {
		platforms, err := c.lookup.ListPlatforms(gctx)
		lists.Platforms = platforms
		return err
	})
	if err := g.Wait(); err != nil {
		return model.EntityLists{}, err
	}
	if len(lists.Categories) == 0 && len(lists.Platforms) == 0 {
		return model.EntityLists{}, clierr.New(clierr.CodeUnavailable, "remote lookup returned no categories or platforms")
	}
	return lists, nil
}

func (c *Cache) apply(lists model.EntityLists, src Source, at time.Time) {
	c.index.Rebuild(KindCategory, lists.Categories)
	c.index.Rebuild(KindPlatform, lists.Platforms)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
	c.lastRefresh = at
	c.source = src
}

func (c *Cache) memoryFresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized && c.now().Sub(c.lastRefresh) < c.duration
}

func (c *Cache) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Invalidate makes the next EnsureFresh skip the memory tier.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRefresh = time.Time{}
}

func (c *Cache) Info() model.CacheInfo {
	c.mu.RLock()
	info := model.CacheInfo{
		Initialized:     c.initialized,
		Source:          string(c.source),
		CacheDurationMS: c.duration.Milliseconds(),
	}
	if c.initialized {
		info.LastRefresh = c.lastRefresh.UTC()
		info.AgeMS = c.now().Sub(c.lastRefresh).Milliseconds()
	}
	c.mu.RUnlock()

	info.Categories = len(c.index.Entities(KindCategory))
	info.Platforms = len(c.index.Entities(KindPlatform))
	info.Tokens = len(c.index.Entities(KindToken))
	return info
}
