package ledgerbox

import (
	"errors"
	"fmt"
)

var (
	ErrFileNotFound         = errors.New("file not found")
	ErrIO                   = errors.New("i/o error")
	ErrCompressionFailed    = errors.New("compression failed")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidArchiveFormat = errors.New("invalid archive format")
	ErrVersionIncompatible  = errors.New("backup version incompatible")
	ErrStoreAccess          = errors.New("store access error")
	ErrPipelineBusy         = errors.New("a backup or restore is already running")
	ErrPartialWriteLeftover = errors.New("temporary files left behind")
	ErrRecordNotFound       = errors.New("record not found")
	// ErrStorePaused is returned by a store that is detached for a restore,
	// including one left detached by a restore that failed part way.
	ErrStorePaused = errors.New("store is paused")
)

// IOError wraps an underlying filesystem or network failure so that it
// matches ErrIO while keeping the original cause reachable.
func IOError(detail string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrIO, detail)
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, detail, err)
}

// StageError is the terminal error of a pipeline run.
type StageError struct {
	Stage Stage
	Err   error
	// Mutated is set once a restore has started replacing the live store.
	Mutated bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsFatalStoreError reports whether the live store may have been left
// detached or half-replaced by a restore.
func IsFatalStoreError(err error) bool {
	var se *StageError
	if errors.As(err, &se) && se.Mutated {
		return true
	}
	return false
}

// Retryable reports whether the failed run can simply be started again.
// Create runs never touch the live store; restore runs are only
// retryable when they failed before the snapshot was replaced.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPipelineBusy) {
		return true
	}
	return !IsFatalStoreError(err)
}

// UserMessage is the text shown to an end user for a terminal error.
func UserMessage(err error) string {
	if IsFatalStoreError(err) {
		return "The data store is in an inconsistent state. Restore from a backup manually before using the app."
	}
	switch {
	case errors.Is(err, ErrPipelineBusy):
		return "Another backup or restore is in progress."
	case errors.Is(err, ErrVersionIncompatible):
		return "This backup was made by an incompatible version of the app."
	case errors.Is(err, ErrInvalidArchiveFormat), errors.Is(err, ErrDecompressionFailed):
		return "The backup file is damaged or not a backup."
	case errors.Is(err, ErrFileNotFound):
		return "The backup could not be found."
	default:
		return "The operation failed. It is safe to try again."
	}
}
