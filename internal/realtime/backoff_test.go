package realtime

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestReconnectStrategyLinearGrowthAndCap(t *testing.T) {
	strategy := ReconnectStrategy{BaseInterval: time.Second, MaxDelay: DefaultMaxReconnectDelay, MaxJitter: DefaultReconnectJitter, Jitter: fixedJitter(0)}

	testCases := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: -3, expected: time.Second},
		{attempt: 0, expected: time.Second},
		{attempt: 1, expected: time.Second},
		{attempt: 2, expected: 2 * time.Second},
		{attempt: 7, expected: 7 * time.Second},
		{attempt: 15, expected: 15 * time.Second},
		{attempt: 16, expected: 15 * time.Second},
		{attempt: 1 << 30, expected: 15 * time.Second},
	}

	for _, testCase := range testCases {
		if delay := strategy.Delay(testCase.attempt); delay != testCase.expected {
			t.Fatalf("attempt %d: expected %v, got %v", testCase.attempt, testCase.expected, delay)
		}
	}
}

func TestReconnectStrategyAddsJitterAfterCap(t *testing.T) {
	strategy := ReconnectStrategy{BaseInterval: time.Second, MaxDelay: DefaultMaxReconnectDelay, MaxJitter: DefaultReconnectJitter, Jitter: fixedJitter(int64(299 * time.Millisecond))}
	if delay := strategy.Delay(40); delay != 15*time.Second+299*time.Millisecond {
		t.Fatalf("expected capped delay plus jitter, got %v", delay)
	}
}

func TestReconnectStrategyIgnoresOutOfRangeJitter(t *testing.T) {
	strategy := ReconnectStrategy{BaseInterval: time.Second, MaxJitter: DefaultReconnectJitter, Jitter: func(int64) int64 { return -5 }}
	if delay := strategy.Delay(2); delay != 2*time.Second {
		t.Fatalf("expected negative jitter to be discarded, got %v", delay)
	}
}

func TestReconnectDelayThreeFailedAttempts(t *testing.T) {
	var previous time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		strategy := DefaultReconnectStrategy(2 * time.Second)
		strategy.Jitter = fixedJitter(0)
		base := strategy.Delay(attempt)
		if base < previous {
			t.Fatalf("attempt %d: expected non-decreasing delay, got %v after %v", attempt, base, previous)
		}
		previous = base

		delay := ReconnectDelay(2*time.Second, attempt)
		if delay > 15300*time.Millisecond {
			t.Fatalf("attempt %d: expected delay <= 15.3s, got %v", attempt, delay)
		}
		if delay < time.Duration(attempt)*2*time.Second {
			t.Fatalf("attempt %d: expected delay >= base, got %v", attempt, delay)
		}
	}
}

func TestReconnectDelayProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delay stays within [min(base*n, cap), cap+jitter)", prop.ForAll(
		func(attempt int) bool {
			delay := ReconnectDelay(time.Second, attempt)
			lower := time.Duration(attempt) * time.Second
			if lower > DefaultMaxReconnectDelay {
				lower = DefaultMaxReconnectDelay
			}
			return delay >= lower && delay < DefaultMaxReconnectDelay+DefaultReconnectJitter
		},
		gen.IntRange(1, 500),
	))

	properties.Property("base delay is non-decreasing in attempt", prop.ForAll(
		func(attempt int, baseMillis int) bool {
			strategy := DefaultReconnectStrategy(time.Duration(baseMillis) * time.Millisecond)
			return strategy.BaseDelay(attempt) <= strategy.BaseDelay(attempt+1)
		},
		gen.IntRange(1, 1000),
		gen.IntRange(1, 20000),
	))

	properties.TestingRun(t)
}
