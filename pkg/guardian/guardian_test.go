package guardian //nolint:testpackage // white-box tests control the clock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"loom/pkg/protocol"
	"loom/pkg/store"
)

func testConfig() Config {
	return Config{
		Limits: map[string]WindowLimits{
			"alpha/m1": {PerMinute: 1000, PerHour: 10000, PerDay: 100000},
		},
	}
}

func newTestGuardian(cfg Config) (*Guardian, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	g := New(cfg, nil, nil)
	g.nowFunc = clock.Now
	return g, clock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCheckUnconfiguredPairAllowed(t *testing.T) {
	g, _ := newTestGuardian(testConfig())

	d := g.Check(context.Background(), "unknown", "m9", 1_000_000)
	if !d.Allowed || d.Delay != 0 {
		t.Errorf("Check() = %+v, want allowed with zero delay", d)
	}
}

func TestCheckBelowWarningAllowedWithoutDelay(t *testing.T) {
	g, _ := newTestGuardian(testConfig())
	ctx := context.Background()

	d := g.Check(ctx, "alpha", "m1", 600)
	if !d.Allowed {
		t.Fatalf("Check() denied: %+v", d)
	}
	if d.Delay != 0 {
		t.Errorf("Delay = %v, want 0 (600 of 1000 is below warning)", d.Delay)
	}
}

func TestCheckWarningBandAddsSmallDelay(t *testing.T) {
	g, _ := newTestGuardian(testConfig())
	ctx := context.Background()

	g.Record(ctx, "alpha", "m1", 600, "j-1")

	// 600 + 250 = 850 of 1000: past warning (0.80), under critical (0.95).
	d := g.Check(ctx, "alpha", "m1", 250)
	if !d.Allowed {
		t.Fatalf("Check() denied: %+v", d)
	}
	want := time.Duration(float64(2*time.Second) * 1.5)
	if d.Delay != want {
		t.Errorf("Delay = %v, want %v", d.Delay, want)
	}
}

func TestCheckCriticalBandAddsLargerDelay(t *testing.T) {
	g, _ := newTestGuardian(testConfig())
	ctx := context.Background()

	g.Record(ctx, "alpha", "m1", 900, "j-1")

	// 900 + 60 = 960 of 1000: past critical.
	d := g.Check(ctx, "alpha", "m1", 60)
	if !d.Allowed {
		t.Fatalf("Check() denied: %+v", d)
	}
	want := 3 * 2 * time.Second
	if d.Delay != want {
		t.Errorf("Delay = %v, want %v", d.Delay, want)
	}
}

// Two 600-token calls against a 1000-token minute window: the first is
// admitted cleanly, the second projects past the limit and is denied with a
// backoff hint scaled by how far over it would land.
func TestCheckSecondLargeCallDenied(t *testing.T) {
	g, _ := newTestGuardian(testConfig())
	ctx := context.Background()

	first := g.Check(ctx, "alpha", "m1", 600)
	if !first.Allowed || first.Delay != 0 {
		t.Fatalf("first Check() = %+v, want clean admit", first)
	}
	g.Record(ctx, "alpha", "m1", 600, "j-1")

	second := g.Check(ctx, "alpha", "m1", 600)
	if second.Allowed {
		t.Fatalf("second Check() allowed; projected 1200 exceeds 1000")
	}
	if second.Delay <= 0 {
		t.Errorf("Delay = %v, want positive backoff hint", second.Delay)
	}
	// overFraction = 200/1000; delay = 2s * 10 * (1 + 0.2*5) = 40s.
	if want := 40 * time.Second; second.Delay != want {
		t.Errorf("Delay = %v, want %v", second.Delay, want)
	}
}

func TestCheckDenyNeverTriggersBelowEveryLimit(t *testing.T) {
	g, _ := newTestGuardian(testConfig())
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		d := g.Check(ctx, "alpha", "m1", 100)
		if !d.Allowed {
			t.Fatalf("Check() denied at %d00 of 1000 projected", i+1)
		}
		g.Record(ctx, "alpha", "m1", 100, "j-n")
	}
}

func TestShortestWindowTakesPrecedence(t *testing.T) {
	cfg := Config{
		Limits: map[string]WindowLimits{
			// Minute window is tiny compared to the day window.
			"alpha/m1": {PerMinute: 100, PerDay: 1_000_000},
		},
	}
	g, _ := newTestGuardian(cfg)
	ctx := context.Background()

	g.Record(ctx, "alpha", "m1", 90, "j-1")

	d := g.Check(ctx, "alpha", "m1", 50)
	if d.Allowed {
		t.Fatalf("Check() allowed; 140 projected over the 100-token minute window")
	}
	if d.Reason == "" || d.Reason[:2] != "1m" {
		t.Errorf("Reason = %q, want the 1m window named first", d.Reason)
	}
}

func TestWindowSlides(t *testing.T) {
	g, clock := newTestGuardian(testConfig())
	ctx := context.Background()

	g.Record(ctx, "alpha", "m1", 900, "j-1")

	if d := g.Check(ctx, "alpha", "m1", 600); d.Allowed {
		t.Fatal("Check() allowed inside the hot minute")
	}

	// Old spend falls out of the minute window but still counts against the
	// hour window, which is nowhere near its limit.
	clock.Advance(2 * time.Minute)
	if d := g.Check(ctx, "alpha", "m1", 600); !d.Allowed {
		t.Errorf("Check() = %+v, want allowed after the minute window slid", d)
	}
}

func TestHourWindowStillCounts(t *testing.T) {
	cfg := Config{
		Limits: map[string]WindowLimits{
			"alpha/m1": {PerMinute: 1000, PerHour: 1500},
		},
	}
	g, clock := newTestGuardian(cfg)
	ctx := context.Background()

	g.Record(ctx, "alpha", "m1", 900, "j-1")
	clock.Advance(5 * time.Minute)

	// Minute window is clear, hour window projects 1700 > 1500.
	d := g.Check(ctx, "alpha", "m1", 800)
	if d.Allowed {
		t.Fatalf("Check() = %+v, want deny on the 60m window", d)
	}
	if d.Reason[:3] != "60m" {
		t.Errorf("Reason = %q, want the 60m window named", d.Reason)
	}
}

// --- Persistence ---

func TestHistoryReloadedAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir + "/state.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	g1 := New(testConfig(), st, nil)
	g1.Record(ctx, "alpha", "m1", 900, "j-1")

	// A fresh Guardian over the same store must see the earlier spend.
	g2 := New(testConfig(), st, nil)
	d := g2.Check(ctx, "alpha", "m1", 600)
	if d.Allowed {
		t.Errorf("Check() = %+v, want deny from reloaded history", d)
	}
}

// --- Fail-open ---

type brokenStore struct{}

func (brokenStore) InsertUsage(context.Context, string, string, int, string, time.Time) error {
	return errors.New("disk unreachable")
}

func (brokenStore) UsageSince(context.Context, string, string, time.Time) ([]store.UsageSample, error) {
	return nil, errors.New("disk unreachable")
}

func (brokenStore) PruneUsage(context.Context, time.Time) (int64, error) {
	return 0, errors.New("disk unreachable")
}

type captureSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *captureSink) Publish(e protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureSink) byType(typ string) []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestCheckFailsOpenOnStoreError(t *testing.T) {
	sink := &captureSink{}
	g := New(testConfig(), brokenStore{}, sink)

	d := g.Check(context.Background(), "alpha", "m1", 600)
	if !d.Allowed {
		t.Fatalf("Check() = %+v, want fail-open admit", d)
	}
	if d.Delay != time.Second {
		t.Errorf("Delay = %v, want the 1s safety delay", d.Delay)
	}
	if len(sink.byType(protocol.EventGuardianFailOpen)) == 0 {
		t.Error("no guardian_fail_open event published")
	}
}

func TestUtilizationSnapshot(t *testing.T) {
	g, _ := newTestGuardian(testConfig())
	ctx := context.Background()

	g.Record(ctx, "alpha", "m1", 250, "j-1")

	rows := g.Utilization()
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want one per configured window", len(rows))
	}
	for _, r := range rows {
		if r.Used != 250 {
			t.Errorf("window %s Used = %d, want 250", r.Window, r.Used)
		}
		if r.Provider != "alpha" || r.Model != "m1" {
			t.Errorf("row identifies %s/%s, want alpha/m1", r.Provider, r.Model)
		}
	}
}
