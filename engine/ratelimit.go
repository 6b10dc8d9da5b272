package engine

import (
	"io"

	"gitlab.com/NebulousLabs/ratelimit"
)

// Throttle optionally caps aggregate download throughput. A nil *Throttle
// (the default) leaves reads unmodified.
type Throttle struct {
	rl *ratelimit.RateLimit
}

// NewThrottle builds a Throttle capped at bytesPerSecond. A value <= 0
// means unlimited, returning a nil *Throttle so callers can skip wrapping.
func NewThrottle(bytesPerSecond int64) *Throttle {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &Throttle{rl: ratelimit.NewRateLimit(bytesPerSecond, bytesPerSecond, 0)}
}

// Wrap applies the throttle to r, or returns r unchanged if t is nil.
func (t *Throttle) Wrap(r io.Reader) io.Reader {
	if t == nil || t.rl == nil {
		return r
	}
	return t.rl.RegisterReadStream(r)
}
