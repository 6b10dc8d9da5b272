package engine

import "gitlab.com/NebulousLabs/errors"

// ErrorKind classifies a download or write failure so callers and retry
// logic can distinguish terminal conditions from retryable ones (§7).
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrChecksum
	ErrConnection
	ErrUnauthorized
	ErrMissingChunk
)

func (k ErrorKind) String() string {
	switch k {
	case ErrChecksum:
		return "CHECKSUM"
	case ErrConnection:
		return "CONNECTION"
	case ErrUnauthorized:
		return "UNAUTHORIZED"
	case ErrMissingChunk:
		return "MISSING_CHUNK"
	default:
		return "UNKNOWN"
	}
}

// TaskError wraps an underlying error with the kind the downloader or
// writer assigned it.
type TaskError struct {
	Kind ErrorKind
	Err  error
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError builds a TaskError, composing context the way the rest of
// the engine composes errors.
func NewTaskError(kind ErrorKind, context string, err error) *TaskError {
	return &TaskError{Kind: kind, Err: errors.AddContext(err, context)}
}

var (
	errNoOpenFile     = errors.New("writer received a chunk-bearing task with no file open")
	errUnmatchedClose = errors.New("CLOSE_FILE with no matching OPEN_FILE")
	errPlanInvalid    = errors.New("plan violates a planner invariant")
)
