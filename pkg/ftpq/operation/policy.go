package operation

import (
	"sync"

	"github.com/halwen/ftpq/pkg/ftpq/core"
)

// ConflictPolicy resolves an expected decision point without asking
// the user; PolicyAsk surfaces the item as UserInputNeeded instead.
type ConflictPolicy int

const (
	// PolicyAsk parks the item until the user decides.
	PolicyAsk ConflictPolicy = iota
	// PolicySkip skips the conflicting item.
	PolicySkip
	// PolicyOverwrite replaces the existing target.
	PolicyOverwrite
	// PolicyResume appends to the existing target.
	PolicyResume
	// PolicyRetry re-runs the step from scratch.
	PolicyRetry
	// PolicyUseBinary switches an ASCII transfer to binary mode.
	PolicyUseBinary
	// PolicyIgnore proceeds as if no conflict existed.
	PolicyIgnore
)

// Policies is one set of conflict resolutions. Operations carry two:
// one for download/delete/chattr work, one for uploads, because the
// dialogs configure them independently.
type Policies struct {
	CannotCreateFile ConflictPolicy
	CannotCreateDir  ConflictPolicy
	AlreadyExists    ConflictPolicy
	RetryOnCreated   ConflictPolicy
	RetryOnResumed   ConflictPolicy
	ASCIIForBinary   ConflictPolicy
}

// PolicySet bundles the two policy groups of one operation.
type PolicySet struct {
	Operations Policies
	Upload     Policies
}

// DiskWork is the request record handed to the external disk-I/O
// worker pool for local file operations; GetDiskOperDefaults fills the
// policy fields from the operation before dispatch.
type DiskWork struct {
	Path string
	Name string

	CannotCreateFile ConflictPolicy
	CannotCreateDir  ConflictPolicy
	AlreadyExists    ConflictPolicy
	RetryOnCreated   ConflictPolicy
	RetryOnResumed   ConflictPolicy
}

// skipLatches tracks per-run "skip all errors of this kind" choices.
// The latches live only for one dialog session; reopening the dialog
// resets them.
type skipLatches struct {
	mu  sync.Mutex
	all map[core.ProblemID]bool
}

func newSkipLatches() *skipLatches {
	return &skipLatches{all: make(map[core.ProblemID]bool)}
}

func (s *skipLatches) set(p core.ProblemID) {
	s.mu.Lock()
	s.all[p] = true
	s.mu.Unlock()
}

func (s *skipLatches) suppressed(p core.ProblemID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all[p]
}

func (s *skipLatches) reset() {
	s.mu.Lock()
	s.all = make(map[core.ProblemID]bool)
	s.mu.Unlock()
}
