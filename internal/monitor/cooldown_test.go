package monitor

import (
	"testing"
	"time"
)

func TestCooldownWindow(t *testing.T) {
	c := NewCooldown(30 * time.Minute)
	c.Record("m1", t0, false)

	tests := []struct {
		after  time.Duration
		active bool
	}{
		{0, true},
		{29 * time.Minute, true},
		{30*time.Minute - time.Nanosecond, true},
		{30 * time.Minute, false},
		{2 * time.Hour, false},
	}
	for _, tt := range tests {
		if got := c.Active("m1", t0.Add(tt.after)); got != tt.active {
			t.Errorf("Active at T+%s = %v, want %v", tt.after, got, tt.active)
		}
	}

	retryAt, ok := c.Until("m1", t0.Add(time.Minute))
	if !ok || !retryAt.Equal(t0.Add(30*time.Minute)) {
		t.Errorf("Until = %s, %v", retryAt, ok)
	}
	if c.Active("unknown", t0) {
		t.Error("unknown message is cooling down")
	}
}

func TestCooldownPermanent(t *testing.T) {
	c := NewCooldown(30 * time.Minute)
	c.Record("m1", t0, true)

	if !c.Active("m1", t0.Add(24*time.Hour)) {
		t.Error("permanent failure expired")
	}
	if n := c.Prune(t0.Add(24 * time.Hour)); n != 0 {
		t.Errorf("Prune removed %d permanent entries", n)
	}
}

func TestCooldownRecordReplaces(t *testing.T) {
	c := NewCooldown(30 * time.Minute)
	c.Record("m1", t0, false)
	c.Record("m1", t0.Add(20*time.Minute), false)

	if !c.Active("m1", t0.Add(40*time.Minute)) {
		t.Error("second failure did not restart the window")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestCooldownPrune(t *testing.T) {
	c := NewCooldown(30 * time.Minute)
	c.Record("old", t0, false)
	c.Record("recent", t0.Add(20*time.Minute), false)

	if n := c.Prune(t0.Add(35 * time.Minute)); n != 1 {
		t.Errorf("Prune = %d, want 1", n)
	}
	if c.Len() != 1 || !c.Active("recent", t0.Add(35*time.Minute)) {
		t.Error("recent entry lost")
	}
}
