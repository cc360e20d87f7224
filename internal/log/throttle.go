package log

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Throttle suppresses repeats of a message kind for a quiet period.
type Throttle struct {
	quiet time.Duration
	seen  *cache.Cache
}

// NewThrottle returns a Throttle that lets one message per key through every quiet period.
func NewThrottle(quiet time.Duration) *Throttle {
	return &Throttle{
		quiet: quiet,
		seen:  cache.New(quiet, 2*quiet),
	}
}

// Allow reports whether a message with this key may be logged now.
func (t *Throttle) Allow(key string) bool {
	return t.seen.Add(key, struct{}{}, t.quiet) == nil
}
