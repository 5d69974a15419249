package auction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"marketsync/internal/catalog"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func tender(start, end *time.Time) catalog.Listing {
	return catalog.Listing{ID: "1", IsTender: true, SaleStartTime: start, SaleEndTime: end}
}

func at(d time.Duration) *time.Time {
	t := t0.Add(d)
	return &t
}

func TestPhase_Scenario(t *testing.T) {
	l := tender(at(time.Hour), at(2*time.Hour))

	assert.Equal(t, PhasePending, PhaseAt(l, t0))
	assert.Equal(t, Countdown{Hours: 1, Total: time.Hour}, UntilStart(l, t0))

	now := t0.Add(90 * time.Minute)
	assert.Equal(t, PhaseActive, PhaseAt(l, now))
	rem := RemainingAt(l, now)
	assert.Equal(t, int64(0), rem.Hours)
	assert.Equal(t, int64(30), rem.Minutes)
	assert.Equal(t, int64(0), rem.Seconds)

	end := t0.Add(2 * time.Hour)
	assert.Equal(t, PhaseEnded, PhaseAt(l, end))
	assert.True(t, RemainingAt(l, end).Zero())
	assert.True(t, RemainingAt(l, end.Add(time.Hour)).Zero())
}

func TestPhase_EdgeCases(t *testing.T) {
	assert.Equal(t, PhaseNotAnAuction, PhaseAt(catalog.Listing{SaleEndTime: at(time.Hour)}, t0))
	assert.Equal(t, PhaseEnded, PhaseAt(tender(at(-time.Hour), nil), t0))
	assert.Equal(t, PhaseEnded, PhaseAt(tender(nil, nil), t0))
	assert.Equal(t, PhaseActive, PhaseAt(tender(nil, at(time.Minute)), t0))
	assert.Equal(t, PhaseActive, PhaseAt(tender(at(0), at(time.Minute)), t0))
}

func TestCountdown_HoursNotWrapped(t *testing.T) {
	l := tender(nil, at(50*time.Hour+3*time.Minute+4*time.Second))
	c := RemainingAt(l, t0)
	assert.Equal(t, Countdown{Hours: 50, Minutes: 3, Seconds: 4, Total: c.Total}, c)
	assert.Equal(t, "50h 3m 4s", c.String())
}

func TestFixedClock(t *testing.T) {
	c := NewFixedClock(t0)
	l := tender(at(time.Second), at(2*time.Second))

	assert.Equal(t, PhasePending, PhaseAt(l, c.Now()))
	c.Advance(time.Second)
	assert.Equal(t, PhaseActive, PhaseAt(l, c.Now()))
	c.Set(t0.Add(2 * time.Second))
	assert.Equal(t, PhaseEnded, PhaseAt(l, c.Now()))
}

func TestPhaseProperty_PureAndExactTransitions(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		startOff := time.Duration(rapid.Int64Range(-1e6, 1e6).Draw(t, "start")) * time.Millisecond
		length := time.Duration(rapid.Int64Range(1, 1e6).Draw(t, "length")) * time.Millisecond
		probe := time.Duration(rapid.Int64Range(-3e6, 3e6).Draw(t, "probe")) * time.Millisecond

		start, end := t0.Add(startOff), t0.Add(startOff+length)
		l := tender(&start, &end)
		now := t0.Add(probe)

		p := PhaseAt(l, now)
		if p != PhaseAt(l, now) {
			t.Fatal("phase is not deterministic")
		}

		var want Phase
		switch {
		case now.Before(start):
			want = PhasePending
		case now.Before(end):
			want = PhaseActive
		default:
			want = PhaseEnded
		}
		if p != want {
			t.Fatalf("phase at %s = %s, want %s", now, p, want)
		}

		if PhaseAt(l, start) != PhaseActive || PhaseAt(l, start.Add(-time.Nanosecond)) != PhasePending {
			t.Fatal("transition to active is not exactly at saleStartTime")
		}
		if PhaseAt(l, end) != PhaseEnded || PhaseAt(l, end.Add(-time.Nanosecond)) != PhaseActive {
			t.Fatal("transition to ended is not exactly at saleEndTime")
		}

		rem := RemainingAt(l, now)
		if rem.Total < 0 || (p == PhaseEnded && !rem.Zero()) {
			t.Fatalf("remaining %v invalid in phase %s", rem, p)
		}
	})
}
