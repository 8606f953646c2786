// Package ledger mirrors the progress of a QR batch run into Redis so that a
// long, throttled run can be watched from outside the process.
// The ledger is write-mostly; it is never read back to resume a run.
package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Key suffixes under the run prefix.
const (
	keyOutcomes = "outcomes"
	keyThrottle = "throttle"
	keyMeta     = "meta"
)

// keyPrefix namespaces every ledger key.
const keyPrefix = "qr:run"

// Key builds a deterministic Redis key for a run.
// Format: qr:run:<run-id>:<part>
//
// Example:
//
//	qr:run:run-20250314092653:outcomes
func Key(runID, part string) string {
	runID = strings.Trim(runID, ":")
	return fmt.Sprintf("%s:%s:%s", keyPrefix, runID, part)
}

// ThrottleState is the most recent 429 seen in a run.
type ThrottleState struct {
	// Identifier that was throttled.
	Identifier string `json:"identifier"`

	// Attempt is the zero-based attempt that received the 429.
	Attempt int `json:"attempt"`

	// Backoff is the delay chosen before the next attempt.
	Backoff time.Duration `json:"backoff"`

	// ThrottledAt is when the 429 was recorded.
	ThrottledAt time.Time `json:"throttled_at"`

	// Total counts every 429 in the run so far.
	Total int64 `json:"total"`
}

// ResumesAt returns when the throttled identifier will be retried.
func (s *ThrottleState) ResumesAt() time.Time {
	return s.ThrottledAt.Add(s.Backoff)
}

// IsBackingOff reports whether the run is still waiting out the backoff.
func (s *ThrottleState) IsBackingOff(now time.Time) bool {
	return now.Before(s.ResumesAt())
}
