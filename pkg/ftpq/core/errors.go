package core

import "fmt"

// ProblemID classifies why an item failed or needs user input. The
// taxonomy mirrors what the operation dialog can present: retryable
// protocol/disk failures, expected decision points, and structural
// problems that no retry can fix.
type ProblemID int

const (
	// ProblemNone means the item has no recorded problem.
	ProblemNone ProblemID = iota

	// ProblemLowMemory is an allocation failure while expanding the queue.
	ProblemLowMemory

	// Local disk problems; OSErr on the item carries the cause.
	ProblemCannotCreateFile
	ProblemCannotCreateDir
	ProblemDiskReadError
	ProblemDiskWriteError
	ProblemFileInUse

	// Remote protocol problems; ErrText on the item carries the raw
	// server reply.
	ProblemUnableToCWD
	ProblemUnableToPWD
	ProblemUnableToDelete
	ProblemUnableToChangeAttrs
	ProblemUnableToList
	ProblemTransferFailed
	ProblemConnectionLost

	// Expected decision points rather than failures.
	ProblemTargetExists
	ProblemASCIIModeForBinary
	ProblemUnknownAttributes
	ProblemRetryOnCreatedTarget
	ProblemRetryOnResumedTarget

	// Structural problems: never retryable, whatever the user picks.
	ProblemInvalidPathToDir
	ProblemInvalidPathToLink
	ProblemExploreEndlessLoop
)

// String returns a short tag used in logs.
func (p ProblemID) String() string {
	switch p {
	case ProblemNone:
		return "none"
	case ProblemLowMemory:
		return "low_memory"
	case ProblemCannotCreateFile:
		return "cannot_create_file"
	case ProblemCannotCreateDir:
		return "cannot_create_dir"
	case ProblemDiskReadError:
		return "disk_read_error"
	case ProblemDiskWriteError:
		return "disk_write_error"
	case ProblemFileInUse:
		return "file_in_use"
	case ProblemUnableToCWD:
		return "unable_to_cwd"
	case ProblemUnableToPWD:
		return "unable_to_pwd"
	case ProblemUnableToDelete:
		return "unable_to_delete"
	case ProblemUnableToChangeAttrs:
		return "unable_to_change_attrs"
	case ProblemUnableToList:
		return "unable_to_list"
	case ProblemTransferFailed:
		return "transfer_failed"
	case ProblemConnectionLost:
		return "connection_lost"
	case ProblemTargetExists:
		return "target_exists"
	case ProblemASCIIModeForBinary:
		return "ascii_mode_for_binary"
	case ProblemUnknownAttributes:
		return "unknown_attributes"
	case ProblemRetryOnCreatedTarget:
		return "retry_on_created_target"
	case ProblemRetryOnResumedTarget:
		return "retry_on_resumed_target"
	case ProblemInvalidPathToDir:
		return "invalid_path_to_dir"
	case ProblemInvalidPathToLink:
		return "invalid_path_to_link"
	case ProblemExploreEndlessLoop:
		return "explore_endless_loop"
	default:
		return "unknown"
	}
}

// Structural reports whether the problem is one no retry can fix.
func (p ProblemID) Structural() bool {
	switch p {
	case ProblemInvalidPathToDir, ProblemInvalidPathToLink, ProblemExploreEndlessLoop:
		return true
	}
	return false
}

// CanRetry reports whether offering a retry for this problem makes
// sense. Structural problems are excluded regardless of user choice.
func (p ProblemID) CanRetry() bool {
	return p != ProblemNone && !p.Structural()
}

// Confirmation reports whether the problem is an expected decision
// point (surfaced as UserInputNeeded) rather than a failure.
func (p ProblemID) Confirmation() bool {
	switch p {
	case ProblemTargetExists, ProblemASCIIModeForBinary, ProblemUnknownAttributes,
		ProblemRetryOnCreatedTarget, ProblemRetryOnResumedTarget:
		return true
	}
	return false
}

// ItemError records the full context of an item-level failure: the
// problem class, the OS-level cause when local disk was involved, and
// the raw server reply when the server rejected a command.
type ItemError struct {
	Problem     ProblemID
	Path        string
	ServerReply string
	Cause       error
}

func (e *ItemError) Error() string {
	switch {
	case e.ServerReply != "":
		return fmt.Sprintf("%s for %s: server said %q", e.Problem, e.Path, e.ServerReply)
	case e.Cause != nil:
		return fmt.Sprintf("%s for %s: %v", e.Problem, e.Path, e.Cause)
	default:
		return fmt.Sprintf("%s for %s", e.Problem, e.Path)
	}
}

func (e *ItemError) Unwrap() error {
	return e.Cause
}
