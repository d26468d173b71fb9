package clock_test

import (
	"testing"
	"time"

	"github.com/reloft/auction-service/internal/clock"
)

func TestReal_Now(t *testing.T) {
	clk := clock.Real{}
	before := time.Now()
	got := clk.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Real.Now() = %v, expected between %v and %v", got, before, after)
	}
}

func TestMock_Now(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.Mock{T: fixed}

	got := clk.Now()
	if !got.Equal(fixed) {
		t.Errorf("Mock.Now() = %v, want %v", got, fixed)
	}
}

func TestUntil(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.Mock{T: fixed}

	if got := clock.Until(clk, fixed.Add(time.Hour)); got != time.Hour {
		t.Errorf("Until(+1h) = %v, want 1h", got)
	}
	if got := clock.Until(clk, fixed.Add(-time.Hour)); got != 0 {
		t.Errorf("Until(-1h) = %v, want 0", got)
	}
}
