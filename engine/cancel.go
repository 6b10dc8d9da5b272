package engine

import "sync/atomic"

// CancelToken is an explicit, per-Run cancellation flag. The source this
// module was distilled from keyed a process-global boolean by install id;
// §9 flags that as a design smell ("never process-global") and asks for an
// explicit token passed into every worker and coordinator instead.
type CancelToken struct {
	flag int32
}

// NewCancelToken returns a token in the not-cancelled state.
func NewCancelToken() *CancelToken { return &CancelToken{} }

// Cancel sets the token. Idempotent.
func (c *CancelToken) Cancel() { atomic.StoreInt32(&c.flag, 1) }

// Cancelled reports whether Cancel has been called.
func (c *CancelToken) Cancelled() bool { return atomic.LoadInt32(&c.flag) == 1 }
