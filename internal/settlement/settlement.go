// Package settlement implements the wallet settlement math for a
// terminal session, per the platform-fee / host-penalty split described
// for the session service. All monetary values are float64 currency
// units rounded to 2 fractional digits using banker's rounding
// (round-half-to-even), so repeated settlements do not drift the
// platform's books upward through naive round-half-up accumulation.
package settlement

import "math"

// FailureReason mirrors db.SessionFailureReason without importing the db
// package, keeping this leaf package dependency-free per the component
// dependency order (reliability tracker -> settlement math -> ...).
type FailureReason string

const (
	FailureNone     FailureReason = "NONE"
	FailureHost     FailureReason = "HOST"
	FailureClient   FailureReason = "CLIENT"
	FailurePlatform FailureReason = "PLATFORM"
)

// Input captures everything the settlement computation needs.
type Input struct {
	PricePerHour       float64
	MinutesPurchased   int
	MinutesUsed        int
	PlatformFeePercent float64
	PenaltyPercent     float64
	FailureReason      FailureReason
}

// Result is the monetary split of a session's proportional cost.
type Result struct {
	TotalPurchased float64
	UsageRatio     float64
	Proportional   float64
	PlatformFee    float64
	HostBase       float64
	HostPayout     float64
	ClientCredit   float64
}

// Compute derives the settlement split described in the component design:
// proportional cost by usage ratio, platform fee skimmed off the top,
// and - on a host-caused failure - a penalty that moves part of the
// host's base payout back to the client as a credit.
func Compute(in Input) Result {
	totalPurchased := in.PricePerHour * float64(in.MinutesPurchased) / 60

	usageRatio := 0.0
	if in.MinutesPurchased > 0 {
		usageRatio = float64(in.MinutesUsed) / float64(in.MinutesPurchased)
	}
	usageRatio = clamp(usageRatio, 0, 1)

	proportional := totalPurchased * usageRatio
	platformFee := proportional * in.PlatformFeePercent
	hostBase := proportional - platformFee

	var hostPayout, clientCredit float64
	if in.FailureReason == FailureHost {
		hostPayout = hostBase * (1 - in.PenaltyPercent)
		clientCredit = hostBase - hostPayout
	} else {
		hostPayout = hostBase
		clientCredit = 0
	}

	return Result{
		TotalPurchased: Round2(totalPurchased),
		UsageRatio:     usageRatio,
		Proportional:   Round2(proportional),
		PlatformFee:    Round2(platformFee),
		HostBase:       Round2(hostBase),
		HostPayout:     Round2(hostPayout),
		ClientCredit:   Round2(clientCredit),
	}
}

// ClampMinutesUsed enforces the boundary rule: minutesUsed is clamped to
// [0, minutesPurchased], which also covers the startAt-in-the-future
// clock-skew case (negative elapsed clamps to 0).
func ClampMinutesUsed(minutesUsed, minutesPurchased int) int {
	if minutesUsed < 0 {
		return 0
	}
	if minutesUsed > minutesPurchased {
		return minutesPurchased
	}
	return minutesUsed
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Round2 rounds to 2 fractional digits using round-half-to-even
// (banker's rounding). No decimal library in the dependency set covers
// fixed-point currency rounding, so this is implemented directly on
// float64 via math.RoundToEven rather than pulling in an unrelated
// big-decimal dependency for one function. v is first rounded to 6
// decimal places, so a value such as 1.015 (stored as 1.01499999...)
// rounds as the decimal half it stands for.
func Round2(v float64) float64 {
	return math.RoundToEven(math.Round(v*1e6)/1e4) / 100
}
