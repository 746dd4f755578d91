// Package config loads loom.toml and bridges it into the tuning structs the
// runtime components take. The file is optional; every knob has a default,
// and LOOM_* environment variables override the common ones.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"loom/pkg/access"
	"loom/pkg/gateway"
	"loom/pkg/guardian"
	"loom/pkg/pipeline"
)

// Duration wraps time.Duration for TOML values written as "30s" or "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Provider describes one upstream model API.
type Provider struct {
	Type              string `toml:"type"` // "anthropic", "openai" or "stub"
	BaseURL           string `toml:"base_url,omitempty"`
	APIKeyEnv         string `toml:"api_key_env,omitempty"`
	RequestsPerMinute int    `toml:"requests_per_minute,omitempty"` // 0 = unlimited
}

// Budget sets sliding-window token ceilings for one provider/model pair.
// A zero window is unbounded.
type Budget struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	PerMinute int    `toml:"per_minute,omitempty"`
	PerHour   int    `toml:"per_hour,omitempty"`
	PerDay    int    `toml:"per_day,omitempty"`
}

// Guardian tunes budget admission. Zero fields fall back to the guardian's
// own defaults.
type Guardian struct {
	WarningThreshold    float64  `toml:"warning_threshold,omitempty"`
	CriticalThreshold   float64  `toml:"critical_threshold,omitempty"`
	BaseDelay           Duration `toml:"base_delay,omitempty"`
	WarningMultiplier   float64  `toml:"warning_multiplier,omitempty"`
	CriticalMultiplier  float64  `toml:"critical_multiplier,omitempty"`
	EmergencyMultiplier float64  `toml:"emergency_multiplier,omitempty"`
	SafetyDelay         Duration `toml:"safety_delay,omitempty"`
	MaxAdmissionDelay   Duration `toml:"max_admission_delay,omitempty"`
	Retention           Duration `toml:"retention,omitempty"`
}

// Breaker tunes the per-provider circuit breakers.
type Breaker struct {
	FailureThreshold int      `toml:"failure_threshold,omitempty"`
	Cooldown         Duration `toml:"cooldown,omitempty"`
}

// Pipeline tunes the stage worker pools and retry policy.
type Pipeline struct {
	DefaultWorkers int      `toml:"default_workers,omitempty"`
	PollInterval   Duration `toml:"poll_interval,omitempty"`
	RetryBase      Duration `toml:"retry_base,omitempty"`
	RetryCap       Duration `toml:"retry_cap,omitempty"`
}

// Rule is one [[access.rule]] policy entry.
type Rule struct {
	Principal      string   `toml:"principal"`
	ResourcePrefix string   `toml:"resource_prefix"`
	Operations     []string `toml:"operations"`
}

// Access holds the policy table. No rules means allow-all.
type Access struct {
	Rules []Rule `toml:"rule,omitempty"`
}

// Config is the parsed loom.toml.
type Config struct {
	HTTPAddr        string              `toml:"http_addr,omitempty"`
	DataDir         string              `toml:"data_dir,omitempty"` // default ~/.loom
	StagesFile      string              `toml:"stages_file,omitempty"`
	Failover        []string            `toml:"failover,omitempty"`
	SubmitPerMinute int                 `toml:"submit_per_minute,omitempty"` // per-submitter HTTP admission
	Providers       map[string]Provider `toml:"providers,omitempty"`
	Budgets         []Budget            `toml:"budgets,omitempty"`
	Guardian        Guardian            `toml:"guardian,omitempty"`
	Breaker         Breaker             `toml:"breaker,omitempty"`
	Pipeline        Pipeline            `toml:"pipeline,omitempty"`
	Access          Access              `toml:"access,omitempty"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HTTPAddr == "" {
		out.HTTPAddr = "127.0.0.1:7333"
	}
	if out.SubmitPerMinute == 0 {
		out.SubmitPerMinute = 60
	}
	if len(out.Providers) == 0 {
		out.Providers = map[string]Provider{
			"anthropic": {Type: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY", RequestsPerMinute: 50},
			"openai":    {Type: "openai", APIKeyEnv: "OPENAI_API_KEY", RequestsPerMinute: 60},
		}
	}
	return out
}

// Load reads a config file and applies environment overrides. A missing
// file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("LOOM_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("LOOM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOOM_STAGES_FILE"); v != "" {
		cfg.StagesFile = v
	}

	resolved := cfg.withDefaults()
	if err := resolved.validate(); err != nil {
		return nil, err
	}
	return &resolved, nil
}

func (c *Config) validate() error {
	for name, p := range c.Providers {
		switch p.Type {
		case "anthropic", "openai", "stub":
		default:
			return fmt.Errorf("provider %q: unknown type %q", name, p.Type)
		}
	}
	for _, b := range c.Budgets {
		if b.Provider == "" || b.Model == "" {
			return fmt.Errorf("budget entry needs provider and model")
		}
		if _, ok := c.Providers[b.Provider]; !ok {
			return fmt.Errorf("budget references unknown provider %q", b.Provider)
		}
	}
	for _, f := range c.Failover {
		if _, ok := c.Providers[f]; !ok {
			return fmt.Errorf("failover references unknown provider %q", f)
		}
	}
	return nil
}

// --- Bridges into component tuning ---

// GuardianConfig maps the budget table and guardian tuning into the token
// guardian's shape.
func (c *Config) GuardianConfig() guardian.Config {
	limits := make(map[string]guardian.WindowLimits, len(c.Budgets))
	for _, b := range c.Budgets {
		limits[b.Provider+"/"+b.Model] = guardian.WindowLimits{
			PerMinute: b.PerMinute,
			PerHour:   b.PerHour,
			PerDay:    b.PerDay,
		}
	}
	return guardian.Config{
		WarningThreshold:    c.Guardian.WarningThreshold,
		CriticalThreshold:   c.Guardian.CriticalThreshold,
		BaseDelay:           c.Guardian.BaseDelay.Std(),
		WarningMultiplier:   c.Guardian.WarningMultiplier,
		CriticalMultiplier:  c.Guardian.CriticalMultiplier,
		EmergencyMultiplier: c.Guardian.EmergencyMultiplier,
		SafetyDelay:         c.Guardian.SafetyDelay.Std(),
		Retention:           c.Guardian.Retention.Std(),
		Limits:              limits,
	}
}

// GatewayConfig maps provider and breaker settings into the gateway's shape.
func (c *Config) GatewayConfig() gateway.Config {
	perMinute := make(map[string]int, len(c.Providers))
	for name, p := range c.Providers {
		if p.RequestsPerMinute > 0 {
			perMinute[name] = p.RequestsPerMinute
		}
	}
	return gateway.Config{
		Breaker: gateway.BreakerConfig{
			Threshold: c.Breaker.FailureThreshold,
			Cooldown:  c.Breaker.Cooldown.Std(),
		},
		RequestsPerMinute: perMinute,
		Failover:          c.Failover,
		MaxAdmissionDelay: c.Guardian.MaxAdmissionDelay.Std(),
	}
}

// PipelineConfig maps the pipeline tuning block.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		DefaultWorkers: c.Pipeline.DefaultWorkers,
		PollInterval:   c.Pipeline.PollInterval.Std(),
		RetryBase:      c.Pipeline.RetryBase.Std(),
		RetryCap:       c.Pipeline.RetryCap.Std(),
	}
}

// AccessController builds the policy controller: the static table when
// rules are configured, allow-all otherwise.
func (c *Config) AccessController() access.Controller {
	if len(c.Access.Rules) == 0 {
		return access.AllowAll{}
	}
	rules := make([]access.Rule, len(c.Access.Rules))
	for i, r := range c.Access.Rules {
		rules[i] = access.Rule{
			Principal:      r.Principal,
			ResourcePrefix: r.ResourcePrefix,
			Operations:     r.Operations,
		}
	}
	return access.NewStaticPolicy(rules)
}
