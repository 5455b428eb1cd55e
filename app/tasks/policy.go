package tasks

import (
	"time"

	"github.com/lysyi3m/friend-mesh/app/database"
)

const (
	// BackoffBase is the first penalty after a failed poll.
	BackoffBase = time.Minute
	// BackoffCap bounds the exponential failure backoff.
	BackoffCap = 6 * time.Hour
	// PollStaleness is how long a poll claim may sit before another
	// worker is allowed to take the feed over.
	PollStaleness = 10 * time.Minute
)

// Backoff returns the exponential penalty for consecutive failures,
// capped, zero after any success.
func Backoff(failureCount int) time.Duration {
	if failureCount <= 0 {
		return 0
	}
	if failureCount > 30 {
		return BackoffCap
	}

	backoff := BackoffBase << uint(failureCount-1)
	if backoff > BackoffCap {
		return BackoffCap
	}
	return backoff
}

// Interval resolves the feed's polling interval: its own override, or the
// global default when unset. A zero result means the feed is always due.
func Interval(feed *database.Feed, defaultInterval time.Duration) time.Duration {
	if feed.PollInterval > 0 {
		return time.Duration(feed.PollInterval) * time.Second
	}
	return defaultInterval
}

// NextPollAt derives the next due time. It is computed, never stored, so
// it cannot drift from last-poll + interval + backoff.
func NextPollAt(feed *database.Feed, defaultInterval time.Duration) time.Time {
	if feed.LastPolledAt == nil {
		return time.Time{} // never polled, due immediately
	}
	return feed.LastPolledAt.Add(Interval(feed, defaultInterval) + Backoff(feed.FailureCount))
}

// IsDue reports whether the feed should be polled at now.
func IsDue(feed *database.Feed, now time.Time, defaultInterval time.Duration) bool {
	if !feed.Active {
		return false
	}
	if Interval(feed, defaultInterval) == 0 {
		return true
	}
	next := NextPollAt(feed, defaultInterval)
	return !now.Before(next)
}
