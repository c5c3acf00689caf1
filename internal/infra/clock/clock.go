// Package clock provides an injectable time source so every periodic driver
// and cooldown computation in the promotion control plane can be driven by a
// fake clock in tests instead of wall time.
package clock

import "time"

// Source returns the current time. Components take a Source instead of
// calling time.Now() directly.
type Source func() time.Time

// System is the real wall-clock Source.
func System() Source { return time.Now }

// NowMillis is a convenience for the epoch-millis timestamps used
// throughout session state and persistence.
func NowMillis(now Source) int64 {
	return now().UnixMilli()
}
