package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/djherbis/atime"
	"github.com/dustin/go-humanize"
	"gopkg.in/op/go-logging.v1"

	"github.com/arbor-build/arbor/internal/errs"
	"github.com/arbor-build/arbor/internal/pack"
	"github.com/arbor-build/arbor/rule"
)

var log = logging.MustGetLogger("cache")

// accessTimeGracePeriod mirrors the reference dir cache's tie-break window:
// two entries accessed within this window of each other are treated as
// equally recent and broken by size instead, so eviction preferentially
// reclaims big, rarely-touched artifacts first.
const accessTimeGracePeriod = 600 * time.Second

// DirCache is the D1 local-filesystem ArtifactCache: each key maps to one
// packed artifact file plus a metadata sidecar, written atomically via
// write-to-temp-then-rename (grounded on the reference's dir_cache.go,
// adapted from its per-file hardlink layout to a single packed blob per
// key since this domain's artifacts already arrive pre-packed by C5).
type DirCache struct {
	dir   string
	mu    sync.Mutex
	added map[string]struct{}
}

// NewDirCache constructs a DirCache rooted at dir, creating it if absent.
func NewDirCache(dir string) (*DirCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.NewIOFailure("creating dir cache root", err)
	}
	return &DirCache{dir: dir, added: map[string]struct{}{}}, nil
}

func (c *DirCache) blobPath(key rule.Key) string {
	return filepath.Join(c.dir, base64.URLEncoding.EncodeToString(key[:])+".zip")
}

func (c *DirCache) metaPath(key rule.Key) string {
	return filepath.Join(c.dir, base64.URLEncoding.EncodeToString(key[:])+".meta")
}

func (c *DirCache) mark(path string) {
	c.mu.Lock()
	c.added[path] = struct{}{}
	c.mu.Unlock()
}

func (c *DirCache) isMarked(path string) bool {
	c.mu.Lock()
	_, ok := c.added[path]
	c.mu.Unlock()
	return ok
}

// Fetch unpacks the cached artifact for key into dest, or reports Miss if
// absent. A corrupt or unreadable entry is treated as a Miss rather than a
// hard failure (§4.4: "errors degrade to Miss").
func (c *DirCache) Fetch(ctx context.Context, key rule.Key, dest string) (Result, error) {
	p := c.blobPath(key)
	if _, err := os.Stat(p); err != nil {
		return Miss, nil
	}
	c.mark(p)
	if err := pack.Unpack(p, dest, pack.OverwriteAndCleanDirectories); err != nil {
		return Miss, errs.NewCacheTransient("unpacking dir cache entry", err)
	}
	return Hit, nil
}

// Store writes blob under every key in info.Keys (multi-indexed write,
// §4.4), along with a JSON-encoded metadata sidecar.
func (c *DirCache) Store(ctx context.Context, info ArtifactInfo, blob io.Reader) error {
	data, err := io.ReadAll(blob)
	if err != nil {
		return errs.NewCacheTransient("reading artifact blob", err)
	}
	metaJSON, err := json.Marshal(info.Metadata)
	if err != nil {
		return errs.NewCacheTransient("encoding artifact metadata", err)
	}
	for _, key := range info.Keys {
		if err := writeAtomic(c.blobPath(key), data); err != nil {
			return errs.NewCacheTransient("storing dir cache entry", err)
		}
		if err := writeAtomic(c.metaPath(key), metaJSON); err != nil {
			return errs.NewCacheTransient("storing dir cache metadata", err)
		}
		c.mark(c.blobPath(key))
	}
	return nil
}

// Clean removes key's cache entry, if present.
func (c *DirCache) Clean(ctx context.Context, key rule.Key) error {
	if err := os.Remove(c.blobPath(key)); err != nil && !os.IsNotExist(err) {
		return errs.NewIOFailure("removing dir cache entry", err)
	}
	os.Remove(c.metaPath(key))
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// entry is one on-disk artifact considered by the LRU cleaner.
type entry struct {
	path  string
	size  int64
	atime time.Time
}

// StartCleaner launches a background goroutine that enforces highWaterMark
// / lowWaterMark on the cache's total size using atime-ordered eviction,
// exactly the reference's dir_cache.go clean() policy. It returns
// immediately; the goroutine runs once (callers schedule repeats, e.g. on
// a timer, at the engine's discretion).
func (c *DirCache) StartCleaner(highWaterMark, lowWaterMark uint64) {
	go c.clean(highWaterMark, lowWaterMark)
}

func (c *DirCache) clean(highWaterMark, lowWaterMark uint64) {
	var entries []entry
	var total int64
	err := filepath.Walk(c.dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(p) != ".zip" {
			return nil
		}
		total += info.Size()
		entries = append(entries, entry{path: p, size: info.Size(), atime: atime.Get(info)})
		return nil
	})
	if err != nil {
		log.Errorf("error walking dir cache: %s", err)
		return
	}
	log.Infof("dir cache size: %s", humanize.Bytes(uint64(total)))
	if uint64(total) < highWaterMark {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		diff := entries[i].atime.Sub(entries[j].atime)
		if diff > -accessTimeGracePeriod && diff < accessTimeGracePeriod {
			return entries[i].size > entries[j].size
		}
		return entries[i].atime.Before(entries[j].atime)
	})
	for _, e := range entries {
		if c.isMarked(e.path) {
			continue
		}
		log.Debugf("evicting %s, last accessed %s, reclaims %s", e.path, humanize.Time(e.atime), humanize.Bytes(uint64(e.size)))
		if err := os.Remove(e.path); err != nil {
			log.Errorf("couldn't remove %s: %s", e.path, err)
			continue
		}
		os.Remove(metaPathForBlob(e.path))
		total -= e.size
		if uint64(total) < lowWaterMark {
			break
		}
	}
}

func metaPathForBlob(blobPath string) string {
	return blobPath[:len(blobPath)-len(".zip")] + ".meta"
}
