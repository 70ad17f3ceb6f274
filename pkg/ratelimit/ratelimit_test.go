package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestAllowAtExactLimitThenOneMore(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := New(map[Tier]TierConfig{
		LowFrequency: {RatePerMinute: 3, Burst: 0, PenaltyBase: time.Minute},
		Global:       {RatePerMinute: 1000, Burst: 0, PenaltyBase: time.Minute},
	}).WithClock(clock)

	for i := 0; i < 3; i++ {
		res := l.Allow("c1", LowFrequency)
		if !res.Admitted() {
			t.Fatalf("request %d: expected admission, got %v", i, res.Decision)
		}
	}

	res := l.Allow("c1", LowFrequency)
	if res.Decision != Limited {
		t.Fatalf("expected Limited on the 4th request, got %v", res.Decision)
	}
}

func TestPenaltyExpiryAllowsTraffic(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := New(map[Tier]TierConfig{
		LowFrequency: {RatePerMinute: 1, Burst: 0, PenaltyBase: time.Minute},
		Global:       {RatePerMinute: 1000, Burst: 0, PenaltyBase: time.Minute},
	}).WithClock(clock)

	if res := l.Allow("c1", LowFrequency); !res.Admitted() {
		t.Fatalf("first request should be admitted, got %v", res.Decision)
	}
	if res := l.Allow("c1", LowFrequency); res.Decision != Limited {
		t.Fatalf("second request should be Limited, got %v", res.Decision)
	}
	if res := l.Allow("c1", LowFrequency); res.Decision != Penalized {
		t.Fatalf("third request during penalty should be Penalized, got %v", res.Decision)
	}

	clock.advance(2 * time.Minute)
	if res := l.Allow("c1", LowFrequency); !res.Admitted() {
		t.Fatalf("request after penalty expiry should be admitted, got %v", res.Decision)
	}
}

func TestGlobalIsMoreRestrictiveThanTier(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := New(map[Tier]TierConfig{
		HighFrequency: {RatePerMinute: 100, Burst: 0, PenaltyBase: time.Minute},
		Global:        {RatePerMinute: 1, Burst: 0, PenaltyBase: time.Minute},
	}).WithClock(clock)

	if res := l.Allow("c1", HighFrequency); !res.Admitted() {
		t.Fatalf("first request should be admitted under the tier limit, got %v", res.Decision)
	}
	res := l.Allow("c1", HighFrequency)
	if res.Decision != Limited {
		t.Fatalf("second request should be Limited by the global cap, got %v", res.Decision)
	}
}

func TestSetTiersAppliesToSubsequentWindows(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := New(map[Tier]TierConfig{
		LowFrequency: {RatePerMinute: 1, Burst: 0, PenaltyBase: time.Minute},
		Global:       {RatePerMinute: 1000, Burst: 0, PenaltyBase: time.Minute},
	}).WithClock(clock)

	if !l.Allow("c1", LowFrequency).Admitted() {
		t.Fatal("expected first request admitted under rate 1")
	}
	if l.Allow("c1", LowFrequency).Admitted() {
		t.Fatal("expected second request limited under rate 1")
	}

	l.SetTiers(map[Tier]TierConfig{
		LowFrequency: {RatePerMinute: 1000, Burst: 0, PenaltyBase: time.Minute},
		Global:       {RatePerMinute: 1000, Burst: 0, PenaltyBase: time.Minute},
	})

	clock.advance(time.Minute)
	if !l.Allow("c2", LowFrequency).Admitted() {
		t.Fatal("expected a fresh client admitted under the updated, looser tier")
	}
}

func TestTierForMethod(t *testing.T) {
	cases := map[string]Tier{
		"tools/call":      HighFrequency,
		"resources/read":  MediumFrequency,
		"prompts/get":     MediumFrequency,
		"tools/list":      LowFrequency,
		"initialize":      LowFrequency,
	}
	for method, want := range cases {
		if got := TierForMethod(method); got != want {
			t.Errorf("TierForMethod(%q) = %v, want %v", method, got, want)
		}
	}
}

func TestDecisionString(t *testing.T) {
	cases := map[Decision]string{
		Allowed:      "allowed",
		AllowedBurst: "allowed_burst",
		Limited:      "limited",
		Penalized:    "penalized",
		Decision(99): "unknown",
	}
	for d, want := range cases {
		if got := d.String(); got != want {
			t.Errorf("Decision(%d).String() = %q, want %q", d, got, want)
		}
	}
}
