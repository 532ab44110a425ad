package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	clierr "github.com/ggonzalez94/trendmoon-cli/internal/errors"
	"github.com/ggonzalez94/trendmoon-cli/internal/model"
)

const (
	categoriesPrefix = "categories"
	platformsPrefix  = "platforms"

	lockTimeout    = 5 * time.Second
	lockRetryDelay = 50 * time.Millisecond
)

var snapshotPattern = regexp.MustCompile(`^(categories|platforms)_(\d+)\.json$`)

// Store keeps entity list snapshots as pairs of JSON files named by unix timestamp,
// e.g. categories_1718000000.json and platforms_1718000000.json.
type Store struct {
	dir  string
	fsys fs.FS
	lock *flock.Flock
}

func Open(dir, lockPath string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &Store{dir: dir, fsys: os.DirFS(dir), lock: flock.New(lockPath)}, nil
}

func (s *Store) Dir() string { return s.dir }

// Snapshots lists snapshot timestamps newest first. A timestamp is listed when its
// categories file exists; a missing platforms file surfaces on Load.
func (s *Store) Snapshots() ([]time.Time, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache directory: %w", err)
	}
	var stamps []int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := snapshotPattern.FindStringSubmatch(entry.Name())
		if match == nil || match[1] != categoriesPrefix {
			continue
		}
		unix, err := strconv.ParseInt(match[2], 10, 64)
		if err != nil {
			continue
		}
		stamps = append(stamps, unix)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] > stamps[j] })

	out := make([]time.Time, 0, len(stamps))
	for _, unix := range stamps {
		out = append(out, time.Unix(unix, 0).UTC())
	}
	return out, nil
}

func (s *Store) Latest() (time.Time, bool, error) {
	stamps, err := s.Snapshots()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(stamps) == 0 {
		return time.Time{}, false, nil
	}
	return stamps[0], true, nil
}

// Load reads the snapshot pair written at the given time. Unreadable or malformed
// files are reported as CodeStale so callers can skip to the next source.
func (s *Store) Load(at time.Time) (model.EntityLists, error) {
	lists, err := readLists(s.fsys, snapshotName(categoriesPrefix, at), snapshotName(platformsPrefix, at))
	if err != nil {
		return model.EntityLists{}, clierr.Wrap(clierr.CodeStale, "entity snapshot corrupt", err)
	}
	return lists, nil
}

// Save writes a snapshot pair for at and then removes every other snapshot. Both
// steps hold the cache lock so concurrent processes never see a half-pruned directory.
func (s *Store) Save(lists model.EntityLists, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	if err := s.writeList(snapshotName(categoriesPrefix, at), lists.Categories); err != nil {
		return err
	}
	if err := s.writeList(snapshotName(platformsPrefix, at), lists.Platforms); err != nil {
		return err
	}
	return s.pruneExcept(at.Unix())
}

func (s *Store) writeList(name string, list []string) error {
	if list == nil {
		list = []string{}
	}
	buf, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func (s *Store) pruneExcept(keep int64) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	for _, entry := range entries {
		match := snapshotPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		unix, err := strconv.ParseInt(match[2], 10, 64)
		if err == nil && unix == keep {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune cache: %w", err)
		}
	}
	return nil
}

func snapshotName(prefix string, at time.Time) string {
	return fmt.Sprintf("%s_%d.json", prefix, at.Unix())
}

func readLists(fsys fs.FS, categoriesName, platformsName string) (model.EntityLists, error) {
	categories, err := readList(fsys, categoriesName)
	if err != nil {
		return model.EntityLists{}, err
	}
	platforms, err := readList(fsys, platformsName)
	if err != nil {
		return model.EntityLists{}, err
	}
	return model.EntityLists{Categories: categories, Platforms: platforms}, nil
}

func readList(fsys fs.FS, name string) ([]string, error) {
	buf, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	var list []string
	if err := json.Unmarshal(buf, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return list, nil
}
