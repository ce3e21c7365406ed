package infra

import (
	"testing"
	"time"
)

func TestBackoffSchedule_Delay(t *testing.T) {
	b := BackoffSchedule{Base: time.Minute, Max: 16 * time.Minute}

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 1 * time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{4, 16 * time.Minute},
		{5, 16 * time.Minute},   // capped
		{100, 16 * time.Minute}, // still capped, no overflow
		{-1, 1 * time.Minute},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.retryCount); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.retryCount, got, tt.want)
		}
	}
}

func TestBackoffSchedule_LargeBaseNeverNegative(t *testing.T) {
	b := BackoffSchedule{Base: 60 * time.Second, Max: 960 * time.Second}

	// A 60s base shifted 28..30 places overflows int64 if clamped too late.
	for n := 25; n <= 35; n++ {
		d := b.Delay(n)
		if d != b.Max {
			t.Errorf("Delay(%d) = %s, want cap %s", n, d, b.Max)
		}
	}
}

func TestBackoffSchedule_BaseAboveCap(t *testing.T) {
	b := BackoffSchedule{Base: 2 * time.Hour, Max: time.Hour}

	if d := b.Delay(0); d != b.Max {
		t.Errorf("Delay(0) = %s, want cap %s", d, b.Max)
	}
}

func TestBackoffSchedule_Monotonic(t *testing.T) {
	b := BackoffSchedule{Base: time.Second, Max: time.Hour}

	prev := time.Duration(0)
	for n := 0; n < 40; n++ {
		d := b.Delay(n)
		if d < prev {
			t.Fatalf("Delay(%d) = %s decreased from %s", n, d, prev)
		}
		prev = d
	}
}
