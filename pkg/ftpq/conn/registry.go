package conn

import (
	"fmt"
	"sync"
)

// Intent describes what a worker is about to do with a remote file.
type Intent int

const (
	// IntentRead downloads the file.
	IntentRead Intent = iota
	// IntentWrite creates or overwrites the file.
	IntentWrite
	// IntentDelete removes the file.
	IntentDelete
)

// String returns a short tag used in errors and logs.
func (i Intent) String() string {
	switch i {
	case IntentRead:
		return "read"
	case IntentWrite:
		return "write"
	case IntentDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Registry is the process-wide registry of in-flight opens on remote
// files, keyed by user@host:port plus path plus name. It serializes
// conflicting accesses: a concurrent delete and download of the same
// remote file are rejected instead of racing. Multiple readers of one
// file coexist; any write or delete intent is exclusive.
type Registry struct {
	mu    sync.Mutex
	files map[string]*registryEntry
}

type registryEntry struct {
	readers int
	excl    Intent
	hasExcl bool
}

// NewRegistry creates an empty registry. One instance serves the whole
// process; every operation's workers share it.
func NewRegistry() *Registry {
	return &Registry{files: make(map[string]*registryEntry)}
}

func registryKey(user, host string, port int, path, name string) string {
	return fmt.Sprintf("%s@%s:%d|%s|%s", user, host, port, path, name)
}

// Acquire registers an intent on a remote file. It fails when the
// intent conflicts with an already registered one; the caller then
// surfaces the item as file-in-use rather than proceeding.
func (r *Registry) Acquire(user, host string, port int, path, name string, intent Intent) error {
	key := registryKey(user, host, port, path, name)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.files[key]
	if e == nil {
		e = &registryEntry{}
		r.files[key] = e
	}
	if e.hasExcl {
		return fmt.Errorf("remote file %s/%s busy: %s in progress", path, name, e.excl)
	}
	if intent == IntentRead {
		e.readers++
		return nil
	}
	if e.readers > 0 {
		return fmt.Errorf("remote file %s/%s busy: %d readers", path, name, e.readers)
	}
	e.excl = intent
	e.hasExcl = true
	return nil
}

// Release withdraws a previously acquired intent.
func (r *Registry) Release(user, host string, port int, path, name string, intent Intent) {
	key := registryKey(user, host, port, path, name)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.files[key]
	if e == nil {
		return
	}
	if intent == IntentRead {
		if e.readers > 0 {
			e.readers--
		}
	} else if e.hasExcl && e.excl == intent {
		e.hasExcl = false
	}
	if e.readers == 0 && !e.hasExcl {
		delete(r.files, key)
	}
}
