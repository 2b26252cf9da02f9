package settlement

import "testing"

func approxEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 0.001
}

func TestComputeHappyPath(t *testing.T) {
	// pricePerHour=10, minutesPurchased=60, ends at minute 30 with no
	// failure: half the booked hour is charged, 10% fee on top.
	r := Compute(Input{
		PricePerHour:       10,
		MinutesPurchased:   60,
		MinutesUsed:        30,
		PlatformFeePercent: 0.1,
		PenaltyPercent:     0.3,
		FailureReason:      FailureNone,
	})
	if !approxEqual(r.Proportional, 5) {
		t.Errorf("Proportional = %v, want 5", r.Proportional)
	}
	if !approxEqual(r.PlatformFee, 0.5) {
		t.Errorf("PlatformFee = %v, want 0.5", r.PlatformFee)
	}
	if !approxEqual(r.HostPayout, 4.5) {
		t.Errorf("HostPayout = %v, want 4.5", r.HostPayout)
	}
	if r.ClientCredit != 0 {
		t.Errorf("ClientCredit = %v, want 0", r.ClientCredit)
	}
}

func TestComputeHostFaultRefund(t *testing.T) {
	// Host-fault end at minute 15: the penalty share of the host's base
	// payout moves back to the client as a credit. The raw split is
	// 1.575 / 0.675; both are exact halves and round to even at 2 digits.
	r := Compute(Input{
		PricePerHour:       10,
		MinutesPurchased:   60,
		MinutesUsed:        15,
		PlatformFeePercent: 0.1,
		PenaltyPercent:     0.3,
		FailureReason:      FailureHost,
	})
	if !approxEqual(r.Proportional, 2.5) {
		t.Errorf("Proportional = %v, want 2.5", r.Proportional)
	}
	if !approxEqual(r.PlatformFee, 0.25) {
		t.Errorf("PlatformFee = %v, want 0.25", r.PlatformFee)
	}
	if !approxEqual(r.HostBase, 2.25) {
		t.Errorf("HostBase = %v, want 2.25", r.HostBase)
	}
	if !approxEqual(r.HostPayout, 1.58) {
		t.Errorf("HostPayout = %v, want 1.58", r.HostPayout)
	}
	if !approxEqual(r.ClientCredit, 0.68) {
		t.Errorf("ClientCredit = %v, want 0.68", r.ClientCredit)
	}
}

func TestComputeConservationProperty(t *testing.T) {
	cases := []Input{
		{PricePerHour: 12.5, MinutesPurchased: 90, MinutesUsed: 45, PlatformFeePercent: 0.15, PenaltyPercent: 0.4, FailureReason: FailureHost},
		{PricePerHour: 7, MinutesPurchased: 240, MinutesUsed: 240, PlatformFeePercent: 0.1, PenaltyPercent: 0.3, FailureReason: FailureNone},
		{PricePerHour: 3.33, MinutesPurchased: 17, MinutesUsed: 0, PlatformFeePercent: 0.2, PenaltyPercent: 0.5, FailureReason: FailureHost},
	}
	for _, in := range cases {
		r := Compute(in)
		sum := r.HostPayout + r.ClientCredit + r.PlatformFee
		if !approxEqual(sum, r.Proportional) {
			t.Errorf("hostPayout+clientCredit+platformFee = %v, want %v (proportional)", sum, r.Proportional)
		}
	}
}

func TestComputeUsageRatioClampsAboveOne(t *testing.T) {
	r := Compute(Input{
		PricePerHour:       10,
		MinutesPurchased:   30,
		MinutesUsed:        90,
		PlatformFeePercent: 0.1,
		PenaltyPercent:     0.3,
		FailureReason:      FailureNone,
	})
	if r.UsageRatio != 1 {
		t.Errorf("UsageRatio = %v, want 1 (clamped)", r.UsageRatio)
	}
}

func TestClampMinutesUsed(t *testing.T) {
	tests := []struct {
		used, purchased, want int
	}{
		{-5, 60, 0},
		{0, 60, 0},
		{30, 60, 30},
		{60, 60, 60},
		{90, 60, 60},
	}
	for _, tt := range tests {
		if got := ClampMinutesUsed(tt.used, tt.purchased); got != tt.want {
			t.Errorf("ClampMinutesUsed(%d, %d) = %d, want %d", tt.used, tt.purchased, got, tt.want)
		}
	}
}

func TestRound2BankersRounding(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{1.005, 1.0}, // exact halves round to even
		{1.015, 1.02},
		{1.025, 1.02},
		{2.675, 2.68},
	}
	for _, tt := range tests {
		if got := Round2(tt.in); !approxEqual(got, tt.want) {
			t.Errorf("Round2(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
