// Package guardian implements token-budget backpressure for generation
// providers. Usage is tracked per (provider, model) in three sliding windows
// (1 minute, 1 hour, 1 day); every provider call asks the Guardian for an
// admission decision first and records its actual spend afterwards.
//
// The Guardian never fails closed: when its own bookkeeping breaks (the
// sample store is unreachable, a window cannot be rebuilt) it allows the
// call with a small fixed safety delay. Refusing all traffic over a
// bookkeeping fault is worse than risking a provider-side 429, which the
// circuit breaker handles independently.
package guardian

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loom/pkg/protocol"
	"loom/pkg/store"
)

// window is one sliding admission window.
type window struct {
	name string
	span time.Duration
}

// Windows are checked shortest to longest; the first triggering condition
// wins because a near-term violation is the most immediate throttling risk.
var windows = []window{
	{name: "1m", span: time.Minute},
	{name: "60m", span: time.Hour},
	{name: "1440m", span: 24 * time.Hour},
}

// WindowLimits holds the per-window token ceilings for one (provider, model).
// A zero limit means that window is unbounded.
type WindowLimits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

func (w WindowLimits) limitFor(name string) int {
	switch name {
	case "1m":
		return w.PerMinute
	case "60m":
		return w.PerHour
	default:
		return w.PerDay
	}
}

// Config holds Guardian tuning. All knobs live here so call sites never
// carry their own constants.
type Config struct {
	WarningThreshold    float64       // utilization ratio that starts soft delays (default 0.80)
	CriticalThreshold   float64       // utilization ratio that starts hard delays (default 0.95)
	BaseDelay           time.Duration // unit all delay tiers scale from (default 2s)
	WarningMultiplier   float64       // delay scale in the warning band (default 1.5)
	CriticalMultiplier  float64       // delay scale in the critical band (default 3)
	EmergencyMultiplier float64       // delay scale on an outright denial (default 10)
	SafetyDelay         time.Duration // fixed delay applied on fail-open (default 1s)
	Retention           time.Duration // how long the store keeps samples (default 7 days)
	Limits              map[string]WindowLimits // keyed "provider/model"
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.WarningThreshold == 0 {
		out.WarningThreshold = 0.80
	}
	if out.CriticalThreshold == 0 {
		out.CriticalThreshold = 0.95
	}
	if out.BaseDelay == 0 {
		out.BaseDelay = 2 * time.Second
	}
	if out.WarningMultiplier == 0 {
		out.WarningMultiplier = 1.5
	}
	if out.CriticalMultiplier == 0 {
		out.CriticalMultiplier = 3
	}
	if out.EmergencyMultiplier == 0 {
		out.EmergencyMultiplier = 10
	}
	if out.SafetyDelay == 0 {
		out.SafetyDelay = time.Second
	}
	if out.Retention == 0 {
		out.Retention = 7 * 24 * time.Hour
	}
	return out
}

// Decision is the admission verdict for one prospective call.
type Decision struct {
	Allowed bool
	Delay   time.Duration
	Reason  string
}

// SampleStore persists usage samples. *store.Store satisfies it; a nil store
// keeps the Guardian memory-only (limits loosen across restarts).
type SampleStore interface {
	InsertUsage(ctx context.Context, provider, model string, tokens int, jobID string, at time.Time) error
	UsageSince(ctx context.Context, provider, model string, since time.Time) ([]store.UsageSample, error)
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

// EventSink receives guardian lifecycle events. Satisfied by eventbus.Bus.
type EventSink interface {
	Publish(e protocol.Event)
}

type sample struct {
	tokens int
	at     time.Time
}

type bucket struct {
	mu      sync.Mutex
	samples []sample
	loaded  bool // store history merged in
}

// Guardian tracks token spend and issues admission decisions.
type Guardian struct {
	cfg     Config
	samples SampleStore
	events  EventSink

	mu      sync.Mutex
	buckets map[string]*bucket

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Guardian. samples and events may be nil.
func New(cfg Config, samples SampleStore, events EventSink) *Guardian {
	return &Guardian{
		cfg:     cfg.withDefaults(),
		samples: samples,
		events:  events,
		buckets: make(map[string]*bucket),
		nowFunc: time.Now,
	}
}

// SetLimits swaps the budget table. Called by config hot reload; the rest of
// the tuning is swapped with it.
func (g *Guardian) SetLimits(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg.withDefaults()
}

func key(provider, model string) string { return provider + "/" + model }

func (g *Guardian) bucketFor(provider, model string) *bucket {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[key(provider, model)]
	if !ok {
		b = &bucket{}
		g.buckets[key(provider, model)] = b
	}
	return b
}

func (g *Guardian) limitsFor(provider, model string) (WindowLimits, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.cfg.Limits[key(provider, model)]
	return l, ok
}

func (g *Guardian) tuning() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// Check returns the admission decision for a prospective call that expects
// to spend estimatedTokens. An unconfigured (provider, model) is admitted
// without delay.
func (g *Guardian) Check(ctx context.Context, provider, model string, estimatedTokens int) Decision {
	limits, ok := g.limitsFor(provider, model)
	if !ok {
		return Decision{Allowed: true}
	}
	cfg := g.tuning()

	b := g.bucketFor(provider, model)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := g.ensureLoaded(ctx, b, provider, model); err != nil {
		// Fail open: bookkeeping outage must not stop traffic.
		g.publishFailOpen(provider, model, err)
		return Decision{
			Allowed: true,
			Delay:   cfg.SafetyDelay,
			Reason:  fmt.Sprintf("guardian degraded, admitting with safety delay: %v", err),
		}
	}

	now := g.nowFunc()
	g.pruneLocked(b, now)

	for _, w := range windows {
		limit := limits.limitFor(w.name)
		if limit <= 0 {
			continue
		}
		used := sumSince(b.samples, now.Add(-w.span))
		projected := used + estimatedTokens
		if projected > limit {
			overFraction := float64(projected-limit) / float64(limit)
			delay := scaleDelay(cfg.BaseDelay, cfg.EmergencyMultiplier*(1+overFraction*5))
			return Decision{
				Allowed: false,
				Delay:   delay,
				Reason: fmt.Sprintf("%s window: projected %d over limit %d",
					w.name, projected, limit),
			}
		}
		ratio := float64(projected) / float64(limit)
		if ratio > cfg.CriticalThreshold {
			return Decision{
				Allowed: true,
				Delay:   scaleDelay(cfg.BaseDelay, cfg.CriticalMultiplier),
				Reason:  fmt.Sprintf("%s window critical: %d of %d", w.name, projected, limit),
			}
		}
		if ratio > cfg.WarningThreshold {
			return Decision{
				Allowed: true,
				Delay:   scaleDelay(cfg.BaseDelay, cfg.WarningMultiplier),
				Reason:  fmt.Sprintf("%s window warning: %d of %d", w.name, projected, limit),
			}
		}
	}
	return Decision{Allowed: true}
}

// Record appends a usage sample. The in-memory window is authoritative for
// admission; the store write is best-effort durability.
func (g *Guardian) Record(ctx context.Context, provider, model string, tokens int, jobID string) {
	now := g.nowFunc()
	b := g.bucketFor(provider, model)

	b.mu.Lock()
	// A record before any check still counts against the windows.
	if err := g.ensureLoaded(ctx, b, provider, model); err != nil {
		b.loaded = true // stop retrying a dead store on every call
	}
	b.samples = append(b.samples, sample{tokens: tokens, at: now})
	b.mu.Unlock()

	if g.samples != nil {
		if err := g.samples.InsertUsage(ctx, provider, model, tokens, jobID, now); err != nil {
			g.publishFailOpen(provider, model, fmt.Errorf("persist usage: %w", err))
		}
	}
}

// ensureLoaded merges persisted history into the bucket once, so a restart
// does not loosen limits mid-window. Caller holds b.mu.
func (g *Guardian) ensureLoaded(ctx context.Context, b *bucket, provider, model string) error {
	if b.loaded {
		return nil
	}
	b.loaded = true
	if g.samples == nil {
		return nil
	}
	since := g.nowFunc().Add(-windows[len(windows)-1].span)
	persisted, err := g.samples.UsageSince(ctx, provider, model, since)
	if err != nil {
		b.loaded = false
		return fmt.Errorf("load usage history: %w", err)
	}
	merged := make([]sample, 0, len(persisted)+len(b.samples))
	for _, p := range persisted {
		merged = append(merged, sample{tokens: p.Tokens, at: p.RecordedAt})
	}
	b.samples = append(merged, b.samples...)
	return nil
}

// pruneLocked drops in-memory samples older than the longest window. The
// 7-day store retention is handled separately by Run's sweep.
func (g *Guardian) pruneLocked(b *bucket, now time.Time) {
	cutoff := now.Add(-windows[len(windows)-1].span)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append([]sample(nil), b.samples[i:]...)
	}
}

// Run periodically prunes the sample store. Blocks until ctx is cancelled.
func (g *Guardian) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if g.samples == nil {
				continue
			}
			cutoff := g.nowFunc().Add(-g.tuning().Retention)
			_, _ = g.samples.PruneUsage(ctx, cutoff)
		}
	}
}

// WindowUtilization is one row of the health snapshot.
type WindowUtilization struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Window   string  `json:"window"`
	Used     int     `json:"used"`
	Limit    int     `json:"limit"`
	Ratio    float64 `json:"ratio"`
}

// Utilization reports current usage against every configured limit. Consumed
// by the readiness endpoint and the dashboard, never by admission itself.
func (g *Guardian) Utilization() []WindowUtilization {
	cfg := g.tuning()
	now := g.nowFunc()

	out := make([]WindowUtilization, 0, len(cfg.Limits)*len(windows))
	for k, limits := range cfg.Limits {
		provider, model := splitKey(k)
		b := g.bucketFor(provider, model)
		b.mu.Lock()
		for _, w := range windows {
			limit := limits.limitFor(w.name)
			if limit <= 0 {
				continue
			}
			used := sumSince(b.samples, now.Add(-w.span))
			out = append(out, WindowUtilization{
				Provider: provider,
				Model:    model,
				Window:   w.name,
				Used:     used,
				Limit:    limit,
				Ratio:    float64(used) / float64(limit),
			})
		}
		b.mu.Unlock()
	}
	return out
}

func (g *Guardian) publishFailOpen(provider, model string, err error) {
	if g.events == nil {
		return
	}
	g.events.Publish(protocol.Event{
		Type:      protocol.EventGuardianFailOpen,
		Severity:  protocol.SeverityWarning,
		Timestamp: g.nowFunc(),
		Metadata: map[string]string{
			"provider": provider,
			"model":    model,
			"error":    err.Error(),
		},
	})
}

func sumSince(samples []sample, cutoff time.Time) int {
	total := 0
	for _, s := range samples {
		if !s.at.Before(cutoff) {
			total += s.tokens
		}
	}
	return total
}

func scaleDelay(base time.Duration, factor float64) time.Duration {
	return time.Duration(float64(base) * factor)
}

func splitKey(k string) (provider, model string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '/' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
