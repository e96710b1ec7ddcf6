// Package ratelimit gates ESI requests on the shared error limit.
// ESI reports the errors left in the current window through the
// X-ESI-Error-Limit-Remain and X-ESI-Error-Limit-Reset headers; exceeding the
// limit gets the caller's IP banned.
package ratelimit

import (
	"time"
)

// Header names consumed from ESI responses.
const (
	HeaderErrorLimitRemain = "X-ESI-Error-Limit-Remain"
	HeaderErrorLimitReset  = "X-ESI-Error-Limit-Reset"
)

// Redis key suffixes, appended to Config.KeyPrefix.
const (
	keyErrorsRemaining = ":errors_remaining"
	keyResetTimestamp  = ":reset_timestamp"
)

// Thresholds holds the error-limit decision points.
type Thresholds struct {
	// Critical blocks requests when errors remaining falls below it.
	Critical int
	// Warning throttles requests when errors remaining falls below it.
	Warning int
	// Healthy marks the state healthy at or above it.
	Healthy int
}

// DefaultThresholds returns the default decision points.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 5, Warning: 20, Healthy: 50}
}

// State is the error-limit window as last reported by ESI.
type State struct {
	ErrorsRemaining int
	ResetAt         time.Time
	// Known is false when no ESI response has been observed in this window.
	Known bool
}

// unknownState is assumed until ESI reports otherwise.
func unknownState() State {
	return State{ErrorsRemaining: 100}
}

// Blocked reports whether requests must be refused.
func (s State) Blocked(th Thresholds) bool {
	return s.ErrorsRemaining < th.Critical
}

// Throttled reports whether requests should be slowed down.
func (s State) Throttled(th Thresholds) bool {
	return s.ErrorsRemaining < th.Warning && !s.Blocked(th)
}

// Healthy reports whether no restriction applies.
func (s State) Healthy(th Thresholds) bool {
	return s.ErrorsRemaining >= th.Healthy
}

// TimeUntilReset returns the duration until the window resets, never negative.
func (s State) TimeUntilReset(now time.Time) time.Duration {
	if d := s.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
