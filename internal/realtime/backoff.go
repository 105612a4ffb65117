package realtime

import (
	"math/rand"
	"time"
)

const (
	// DefaultMaxReconnectDelay caps the linear reconnect backoff.
	DefaultMaxReconnectDelay = 15 * time.Second
	// DefaultReconnectJitter bounds the random jitter added after capping.
	DefaultReconnectJitter = 300 * time.Millisecond
)

// JitterSource returns a pseudo-random value in [0, n).
type JitterSource func(n int64) int64

// ReconnectStrategy computes reconnect delays: base × attempt, capped, plus jitter in [0, MaxJitter).
// Growth is linear so retry delays stay predictable under a hard ceiling.
type ReconnectStrategy struct {
	BaseInterval time.Duration
	MaxDelay     time.Duration
	MaxJitter    time.Duration
	Jitter       JitterSource
}

// DefaultReconnectStrategy returns the strategy with the standard ceiling and jitter window.
func DefaultReconnectStrategy(baseInterval time.Duration) ReconnectStrategy {
	return ReconnectStrategy{
		BaseInterval: baseInterval,
		MaxDelay:     DefaultMaxReconnectDelay,
		MaxJitter:    DefaultReconnectJitter,
		Jitter:       rand.Int63n,
	}
}

// BaseDelay returns the capped delay for attempt before jitter. Attempts below 1 count as 1.
func (s ReconnectStrategy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := s.MaxDelay
	if ceiling <= 0 {
		ceiling = DefaultMaxReconnectDelay
	}
	base := s.BaseInterval
	if base <= 0 {
		return 0
	}
	if int64(attempt) > int64(ceiling/base) {
		return ceiling
	}
	delay := base * time.Duration(attempt)
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// Delay returns the reconnect delay for attempt including jitter.
func (s ReconnectStrategy) Delay(attempt int) time.Duration {
	delay := s.BaseDelay(attempt)
	if s.MaxJitter <= 0 {
		return delay
	}
	jitter := s.Jitter
	if jitter == nil {
		jitter = rand.Int63n
	}
	offset := jitter(int64(s.MaxJitter))
	if offset < 0 || offset >= int64(s.MaxJitter) {
		offset = 0
	}
	return delay + time.Duration(offset)
}

// ReconnectDelay computes the delay for attempt with the default ceiling and jitter window.
func ReconnectDelay(baseInterval time.Duration, attempt int) time.Duration {
	return DefaultReconnectStrategy(baseInterval).Delay(attempt)
}
