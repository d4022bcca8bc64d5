package retry

import "time"

// Package retry provides the retry policy shared by the transport layer and
// the investigation orchestrator. A Policy is a plain value: it computes
// delays and decides exhaustion, it does not sleep or count on its own. The
// component owning the retry loop holds the attempt counter.

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	// MaxAttempts is the number of attempts allowed before Exhausted
	// reports true. Zero means no attempts at all.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Attempt n waits
	// BaseDelay * 2^(n-1). The growth is deliberately uncapped; the
	// attempt ceiling bounds total wait instead.
	BaseDelay time.Duration
}

// Delay returns the backoff delay preceding the given attempt. Attempts are
// 1-based; out-of-range values return BaseDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseDelay
	}
	return p.BaseDelay << uint(attempt-1)
}

// Exhausted reports whether the given 1-based attempt number exceeds the
// attempt budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}
