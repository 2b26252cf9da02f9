package reliability

import "testing"

func TestApplyEventClampsToRange(t *testing.T) {
	tests := []struct {
		name    string
		start   int
		event   EventType
		want    int
	}{
		{"ok from base", 100, EventSessionOK, 100}, // clamps at ceiling
		{"ok from 95", 95, EventSessionOK, 96},
		{"failed from base", 100, EventSessionFailed, 98},
		{"host down from 5", 5, EventHostDown, 0}, // clamps at floor
		{"host down from base", 100, EventHostDown, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ApplyEvent(tt.start, tt.event); got != tt.want {
				t.Errorf("ApplyEvent(%d, %s) = %d, want %d", tt.start, tt.event, got, tt.want)
			}
		})
	}
}

func TestApplyEventSequenceStaysInRange(t *testing.T) {
	score := 100
	events := []EventType{EventHostDown, EventHostDown, EventHostDown, EventHostDown, EventHostDown, EventHostDown, EventHostDown, EventHostDown, EventHostDown, EventHostDown, EventHostDown, EventHostDown}
	for _, e := range events {
		score = ApplyEvent(score, e)
		if score < 0 || score > 100 {
			t.Fatalf("score left [0,100] range: %d", score)
		}
	}
	if score != 0 {
		t.Errorf("score = %d, want 0 after repeated host-down events", score)
	}
}

func TestDeriveBadge(t *testing.T) {
	tests := []struct {
		name              string
		total, completed  int
		want              Badge
	}{
		{"new host under threshold", 4, 4, BadgeNovo},
		{"new host with failures", 3, 0, BadgeNovo},
		{"reliable", 10, 9, BadgeConfiavel},
		{"exactly at threshold", 10, 9, BadgeConfiavel},
		{"unstable", 10, 5, BadgeInstavel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveBadge(tt.total, tt.completed); got != tt.want {
				t.Errorf("DeriveBadge(%d, %d) = %s, want %s", tt.total, tt.completed, got, tt.want)
			}
		})
	}
}
