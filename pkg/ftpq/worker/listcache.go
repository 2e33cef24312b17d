package worker

import (
	"sync"

	"github.com/halwen/ftpq/pkg/ftpq/conn"
)

// ListingCache shares remote directory listings between the workers of
// one operation. Upload explores fill it so per-file existence checks
// need no extra round-trip.
type ListingCache struct {
	mu      sync.Mutex
	entries map[string][]conn.Entry
}

// NewListingCache creates an empty cache.
func NewListingCache() *ListingCache {
	return &ListingCache{entries: make(map[string][]conn.Entry)}
}

// Put stores the listing of a remote directory.
func (lc *ListingCache) Put(path string, entries []conn.Entry) {
	lc.mu.Lock()
	lc.entries[path] = entries
	lc.mu.Unlock()
}

// Lookup reports whether the cache has a listing for path and, when it
// does, whether name appears in it.
func (lc *ListingCache) Lookup(path, name string) (exists, known bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	entries, ok := lc.entries[path]
	if !ok {
		return false, false
	}
	for _, e := range entries {
		if e.Name == name {
			return true, true
		}
	}
	return false, true
}

// Invalidate drops a cached listing after the directory changed.
func (lc *ListingCache) Invalidate(path string) {
	lc.mu.Lock()
	delete(lc.entries, path)
	lc.mu.Unlock()
}
