// Package indexcache holds compiled matchers and per-target correlation
// scaffolds for the lifetime of one process.
package indexcache

import (
	"fmt"
	"os"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/oicur0t/smlog/internal/matcher"
)

// DefaultCapacity is the entry limit used when none is configured
const DefaultCapacity = 4096

// Key identifies a cache entry. Matcher entries leave Target and Fingerprint
// empty; scaffold entries carry the kind in Query.
type Key struct {
	Target      string
	Fingerprint string
	Query       string
}

func (k Key) String() string {
	return k.Target + "\x00" + k.Fingerprint + "\x00" + k.Query
}

// MatcherKey returns the key under which compiled options are cached
func MatcherKey(opts matcher.Options) Key {
	return Key{Query: "matcher:" + opts.Fingerprint()}
}

// ScaffoldKey returns the key of a target's correlation scaffold for a kind
func ScaffoldKey(target, fingerprint, kind string) Key {
	return Key{Target: target, Fingerprint: fingerprint, Query: "scaffold:" + kind}
}

// Entry is immutable once stored; updates replace it wholesale
type Entry struct {
	Matcher  matcher.Matcher
	Scaffold *Scaffold
}

// Stats reports cache effectiveness
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// Cache is a recency-bounded map with collapsed concurrent builds
type Cache struct {
	entries *lru.Cache[Key, *Entry]
	group   singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache holding at most capacity entries
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entries, err := lru.New[Key, *Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create index cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Get returns a cached entry and marks it recently used
func (c *Cache) Get(key Key) (*Entry, bool) {
	e, ok := c.entries.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

// Put stores or replaces an entry
func (c *Cache) Put(key Key, e *Entry) {
	c.entries.Add(key, e)
}

// Contains reports presence without touching recency or stats
func (c *Cache) Contains(key Key) bool {
	return c.entries.Contains(key)
}

// GetOrBuild returns the cached entry for key or builds and stores it.
// Concurrent callers for the same key share one build. The boolean is true
// when the entry was already present.
func (c *Cache) GetOrBuild(key Key, build func() (*Entry, error)) (*Entry, bool, error) {
	if e, ok := c.Get(key); ok {
		return e, true, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// Another caller may have stored it between Get and Do.
		if e, ok := c.entries.Peek(key); ok {
			return e, nil
		}
		e, err := build()
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, e)
		return e, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Entry), false, nil
}

// Matcher returns a compiled matcher for opts, compiling at most once
func (c *Cache) Matcher(opts matcher.Options) (matcher.Matcher, bool, error) {
	e, hit, err := c.GetOrBuild(MatcherKey(opts), func() (*Entry, error) {
		m, err := matcher.Compile(opts)
		if err != nil {
			return nil, err
		}
		return &Entry{Matcher: m}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return e.Matcher, hit, nil
}

// Stats returns a snapshot of hit and miss counters
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: c.entries.Len()}
}

// Purge drops every entry
func (c *Cache) Purge() {
	c.entries.Purge()
}

// Fingerprint identifies a file's content by size and modification time
func Fingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return FingerprintInfo(info), nil
}

// FingerprintInfo is Fingerprint for an already opened file
func FingerprintInfo(info os.FileInfo) string {
	return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano())
}
