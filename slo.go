package tally

// SLO tiers for completed interactions. Each kind has a latency target;
// ReportCompletion logs slo_class and slo_status (PASS or FAIL) and counts
// the result.

import "time"

// SLOTier represents an SLO classification level.
type SLOTier string

const (
	// SLOCritical is for essential functions (50ms latency).
	SLOCritical SLOTier = "critical"

	// SLOHighFast is for user-facing interactions requiring quick responses (100ms latency).
	SLOHighFast SLOTier = "high_fast"

	// SLOHighSlow is for interactions that can tolerate higher latency (1000ms latency).
	SLOHighSlow SLOTier = "high_slow"

	// SLOLow is for deferred or background work (5000ms latency).
	SLOLow SLOTier = "low"

	// SLOCustom is logged for targets set with WithSLOTarget.
	SLOCustom SLOTier = "custom"
)

var sloTargets = map[SLOTier]time.Duration{
	SLOCritical: 50 * time.Millisecond,
	SLOHighFast: 100 * time.Millisecond,
	SLOHighSlow: 1000 * time.Millisecond,
	SLOLow:      5000 * time.Millisecond,
}

// Target returns the latency target of a predefined tier.
func (t SLOTier) Target() (time.Duration, bool) {
	d, ok := sloTargets[t]
	return d, ok
}

type sloConfig struct {
	tier   SLOTier
	target time.Duration
}

// Autocomplete answers are shown while the user types, so they get the
// tightest default target.
func defaultSLOs() map[Kind]sloConfig {
	return map[Kind]sloConfig{
		KindSlashCommand: {tier: SLOHighSlow, target: sloTargets[SLOHighSlow]},
		KindButton:       {tier: SLOHighSlow, target: sloTargets[SLOHighSlow]},
		KindModal:        {tier: SLOHighSlow, target: sloTargets[SLOHighSlow]},
		KindAutocomplete: {tier: SLOHighFast, target: sloTargets[SLOHighFast]},
	}
}

// sloStatus returns PASS when d is within target.
func sloStatus(d, target time.Duration) string {
	if d > target {
		return "FAIL"
	}
	return "PASS"
}
