package engine

import (
	"io"

	nlog "gitlab.com/NebulousLabs/log"
)

// NewLogger wraps w with the structured logger the rest of the module's
// ancestry uses, so resume-journal parse failures, chunk retries, and
// shutdown events are logged consistently rather than through ad hoc
// fmt.Println calls. Callers that don't want logging can pass io.Discard.
func NewLogger(w io.Writer) *nlog.Logger {
	return nlog.NewLogger(w)
}
