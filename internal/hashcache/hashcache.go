// Package hashcache implements the FileHashCache (C1): a memoized
// path→content-hash map with explicit invalidation.
//
// Adapted from the reference tool's src/fs/hash.go PathHasher: the same
// memoize-with-a-pending-wait-channel shape (so N goroutines hashing the
// same never-seen path block on the one hash computation rather than
// duplicating work), trimmed to the narrower get/set/invalidate contract
// the engine requires (§4.1) and generalized to support stacked layering
// (§4.1: "per-filesystem layers consulted in order"). NewPersistent also
// carries over PathHasher's on-disk persistence: a path's hash is stashed
// as an extended attribute via github.com/pkg/xattr so a later process
// invocation can skip rehashing it, not just the in-process memo map.
package hashcache

import (
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/xattr"
)

// symlinkMarker is written into the hash in place of a symlink's contents,
// so that a symlink whose target path changes is seen as a changed input
// without following (and potentially cycling through) the link.
var symlinkMarker = []byte{2}

// Hash is the content hash of a single path. Its width is determined by the
// hash.Hash implementation the Cache was constructed with.
type Hash []byte

// Cache is a single layer of the FileHashCache. The first Get on a path
// hashes the file (directories are hashed by walking their tree);
// subsequent Gets return the memoized value until Invalidate is called.
type Cache struct {
	newHash func() hash.Hash
	mu      sync.RWMutex
	memo    map[string]Hash
	pending map[string]*pendingHash

	// outputRoot/xattrName enable the on-disk persistence layer: a hash
	// this Cache computes for a path under outputRoot is also stashed as
	// an extended attribute on that file, so the next process invocation
	// can skip rehashing it entirely rather than only benefiting from the
	// in-process memo map. Empty outputRoot (the default, via New) leaves
	// this layer disabled.
	outputRoot string
	xattrName  string
}

type pendingHash struct {
	done chan struct{}
	hash Hash
	err  error
}

// New constructs a Cache whose hash function is produced by newHash (e.g.
// sha1.New, or the rule-key sponge's hash constructor — this package does
// not pick the algorithm, per §4.1's contract being algorithm-agnostic).
func New(newHash func() hash.Hash) *Cache {
	return &Cache{
		newHash: newHash,
		memo:    map[string]Hash{},
		pending: map[string]*pendingHash{},
	}
}

// NewPersistent is New plus the on-disk xattr persistence layer, grounded
// on the reference tool's PathHasher (src/fs/hash.go): a hash computed for
// a path under outputRoot is stored as the xattrName extended attribute on
// that file, best-effort (failures silently fall back to rehashing), and
// read through on the next Get before falling back to a full rehash. Only
// paths under outputRoot are ever touched — source files outside the
// managed output tree are never written to, matching the reference's own
// "plz-out/" restriction.
func NewPersistent(newHash func() hash.Hash, outputRoot, xattrName string) *Cache {
	c := New(newHash)
	c.outputRoot = outputRoot
	c.xattrName = xattrName
	return c
}

// managed reports whether path falls under this Cache's outputRoot, the
// only paths the xattr layer reads or writes.
func (c *Cache) managed(path string) bool {
	if c.outputRoot == "" {
		return false
	}
	rel, err := filepath.Rel(c.outputRoot, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Get returns the content hash of path, computing and memoizing it on
// first call. Concurrent Gets of a path that has never been hashed share a
// single computation.
func (c *Cache) Get(path string) (Hash, error) {
	c.mu.RLock()
	if h, ok := c.memo[path]; ok {
		c.mu.RUnlock()
		return h, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	if h, ok := c.memo[path]; ok {
		c.mu.Unlock()
		return h, nil
	}
	if p, ok := c.pending[path]; ok {
		c.mu.Unlock()
		<-p.done
		return p.hash, p.err
	}
	p := &pendingHash{done: make(chan struct{})}
	c.pending[path] = p
	c.mu.Unlock()

	h, err := c.compute(path)

	c.mu.Lock()
	if err == nil {
		c.memo[path] = h
	}
	delete(c.pending, path)
	c.mu.Unlock()

	p.hash, p.err = h, err
	close(p.done)
	return h, err
}

// Set directly installs a hash for path without reading it, used when the
// caller already knows the content hash some other way (e.g. a cache fetch
// verified RECORDED_PATH_HASHES against the freshly-unpacked file, §4.9
// post-build step 5).
func (c *Cache) Set(path string, h Hash) {
	c.mu.Lock()
	c.memo[path] = h
	c.mu.Unlock()
	if c.managed(path) {
		c.storeXattr(path, h)
	}
}

// Invalidate drops any memoized hash for path. The engine guarantees this
// is called after any operation that mutates path and before the next Get
// for it (§4.1 invariant).
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.memo, path)
}

// Move transfers a memoized hash from oldPath to newPath without
// recomputing it, for the one case where a path's hash is known not to
// have changed across a rename: moving a rule's freshly-built output from
// its temporary build directory into its final output location.
func (c *Cache) Move(oldPath, newPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.memo[oldPath]; ok {
		c.memo[newPath] = h
		delete(c.memo, oldPath)
	}
}

func (c *Cache) compute(path string) (Hash, error) {
	managed := c.managed(path)
	if managed {
		if b, err := xattr.LGet(path, c.xattrName); err == nil {
			return Hash(b), nil
		}
	}

	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot hash %s: %w", path, err)
	}
	h := c.newHash()
	var result Hash
	if info.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}
		h.Write(symlinkMarker)
		h.Write([]byte(dest))
		result = h.Sum(nil)
	} else if info.IsDir() {
		if err := c.hashDir(h, path); err != nil {
			return nil, err
		}
		result = h.Sum(nil)
	} else {
		if err := c.hashFile(h, path); err != nil {
			return nil, err
		}
		result = h.Sum(nil)
	}

	if managed {
		c.storeXattr(path, result)
	}
	return result, nil
}

// storeXattr persists hash onto path as an extended attribute, best-effort:
// a permission error or an unsupported filesystem just means the next
// invocation rehashes path from scratch, exactly as if this layer were
// disabled (src/fs/hash.go's storeHash has the same "best-effort" contract).
func (c *Cache) storeXattr(path string, h Hash) {
	if err := xattr.LSet(path, c.xattrName, h); err != nil && os.IsPermission(err) {
		if info, serr := os.Lstat(path); serr == nil {
			if cerr := os.Chmod(path, info.Mode()|0220); cerr == nil {
				_ = xattr.LSet(path, c.xattrName, h)
				_ = os.Chmod(path, info.Mode())
			}
		}
	}
}

func (c *Cache) hashDir(h hash.Hash, dir string) error {
	return filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			h.Write(symlinkMarker)
			return nil
		}
		return c.hashFile(h, p)
	})
}

func (c *Cache) hashFile(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fh := c.newHash()
	if _, err := io.Copy(fh, f); err != nil {
		return err
	}
	h.Write(fh.Sum(nil))
	return nil
}

// LayeredCache consults a stack of Caches in order, returning the first hit
// (§4.1: "stacked layering is permitted"). Writes (Set/Invalidate) apply
// only to the top layer; lower layers are treated as read-only bases (e.g.
// a remotely-populated hash layer beneath the engine's own local one).
type LayeredCache struct {
	layers []*Cache
}

// NewLayered constructs a LayeredCache consulting layers in the given
// order; layers[0] is both the first consulted and the one mutated by
// Set/Invalidate.
func NewLayered(layers ...*Cache) *LayeredCache {
	return &LayeredCache{layers: layers}
}

// Get consults each layer in order, returning the first successful hash.
func (l *LayeredCache) Get(path string) (Hash, error) {
	var lastErr error
	for _, layer := range l.layers {
		if h, err := layer.Get(path); err == nil {
			return h, nil
		} else {
			lastErr = err
		}
	}
	return nil, lastErr
}

// Set installs a hash into the top layer only.
func (l *LayeredCache) Set(path string, h Hash) {
	if len(l.layers) > 0 {
		l.layers[0].Set(path, h)
	}
}

// Invalidate drops path from the top layer only.
func (l *LayeredCache) Invalidate(path string) {
	if len(l.layers) > 0 {
		l.layers[0].Invalidate(path)
	}
}
