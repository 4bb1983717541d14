// Package cache stores fetched resources keyed by their absolute URL.
//
// A cache is owned by the caller and is usually shared by all embedding calls of one
// document, so each resource is fetched at most once. Map is not safe for concurrent use;
// wrap it with Locked when embedding several stylesheets in parallel.
package cache

import "sync"

// Entry is a fetched resource.
type Entry struct {
	// ContentType is the media type of Data as used in data URIs, e.g. image/png.
	ContentType string
	Data        []byte
}

// Cache maps absolute URLs to fetched resources.
// Entries are never evicted by the embedding engine.
type Cache interface {
	Get(url string) (Entry, bool)
	Set(url string, entry Entry)
}

// Map is an in-memory Cache without locking.
type Map map[string]Entry

func (m Map) Get(url string) (Entry, bool) {
	e, ok := m[url]
	return e, ok
}

func (m Map) Set(url string, entry Entry) {
	m[url] = entry
}

// Locked serializes access to an underlying Cache.
type Locked struct {
	mu    sync.Mutex
	cache Cache
}

// NewLocked returns c guarded by a mutex.
func NewLocked(c Cache) *Locked {
	return &Locked{cache: c}
}

func (l *Locked) Get(url string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Get(url)
}

func (l *Locked) Set(url string, entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Set(url, entry)
}

// Layered is a fast cache in front of a slow one.
// Misses in Front are looked up in Back and copied to Front.
// Set writes to both.
type Layered struct {
	Front Cache
	Back  Cache
}

func (l Layered) Get(url string) (Entry, bool) {
	if e, ok := l.Front.Get(url); ok {
		return e, true
	}
	e, ok := l.Back.Get(url)
	if ok {
		l.Front.Set(url, e)
	}
	return e, ok
}

func (l Layered) Set(url string, entry Entry) {
	l.Front.Set(url, entry)
	l.Back.Set(url, entry)
}
