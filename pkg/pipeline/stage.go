package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"loom/pkg/protocol"
)

// Duration wraps time.Duration for YAML stage files ("30s", "2m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Stage is the static configuration for one pipeline step. Stages are
// loaded once at startup; they are never persisted.
type Stage struct {
	Name        string   `yaml:"name"`
	After       []string `yaml:"after,omitempty"`        // predecessor stage names
	When        string   `yaml:"when,omitempty"`         // predicate: "", "tests", "typefix", "style_gate"
	SettleDelay Duration `yaml:"settle_delay,omitempty"` // minimum wait after predecessors complete
	Timeout     Duration `yaml:"timeout,omitempty"`      // per-call deadline
	MaxRetries  int      `yaml:"max_retries,omitempty"`
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	BaseTokens  int      `yaml:"base_tokens,omitempty"` // estimate before complexity scaling
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Workers     int      `yaml:"workers,omitempty"` // pool size for this stage's queue
}

// AppliesTo reports whether this stage runs for the given story. Stages
// without a predicate always run.
func (s Stage) AppliesTo(story protocol.Story) bool {
	switch s.When {
	case "":
		return true
	case "tests":
		return story.Needs.Tests
	case "typefix":
		return story.Needs.Typefix
	case "style_gate":
		return story.Needs.StyleGate
	default:
		return false
	}
}

// EstimateTokens scales the stage's base estimate by the story's
// complexity.
func (s Stage) EstimateTokens(story protocol.Story) int {
	return int(float64(s.BaseTokens) * story.Complexity.TokenFactor())
}

// DefaultStages is the built-in code-generation pipeline: draft, then
// logic, then the optional style / test / typefix gates, then a report
// over whatever ran.
func DefaultStages() []Stage {
	return []Stage{
		{
			Name: "draft", Provider: "anthropic", Model: "claude-sonnet-4-5",
			SettleDelay: 0, Timeout: Duration(120 * time.Second),
			MaxRetries: 3, BaseTokens: 2000, MaxTokens: 8192, Workers: 3,
		},
		{
			Name: "logic", After: []string{"draft"}, Provider: "anthropic", Model: "claude-sonnet-4-5",
			SettleDelay: Duration(2 * time.Second), Timeout: Duration(180 * time.Second),
			MaxRetries: 3, BaseTokens: 3000, MaxTokens: 8192, Workers: 3,
		},
		{
			Name: "style", After: []string{"logic"}, When: "style_gate",
			Provider: "openai", Model: "gpt-4o-mini",
			SettleDelay: Duration(2 * time.Second), Timeout: Duration(60 * time.Second),
			MaxRetries: 2, BaseTokens: 1000, MaxTokens: 4096, Workers: 2,
		},
		{
			Name: "test", After: []string{"logic"}, When: "tests",
			Provider: "anthropic", Model: "claude-sonnet-4-5",
			SettleDelay: Duration(2 * time.Second), Timeout: Duration(180 * time.Second),
			MaxRetries: 3, BaseTokens: 2500, MaxTokens: 8192, Workers: 2,
		},
		{
			Name: "typefix", After: []string{"test"}, When: "typefix",
			Provider: "anthropic", Model: "claude-haiku-4-5",
			SettleDelay: Duration(2 * time.Second), Timeout: Duration(90 * time.Second),
			MaxRetries: 3, BaseTokens: 1200, MaxTokens: 4096, Workers: 2,
		},
		{
			Name: "report", After: []string{"logic", "style", "test", "typefix"},
			Provider: "openai", Model: "gpt-4o-mini",
			SettleDelay: Duration(time.Second), Timeout: Duration(60 * time.Second),
			MaxRetries: 2, BaseTokens: 800, MaxTokens: 2048, Workers: 2,
		},
	}
}

// Defaults for stage fields a user-supplied graph may omit.
const (
	defaultMaxRetries = 3
	defaultMaxTokens  = 4096
)

// withDefaults returns a copy with zero-valued limits filled in.
func (s Stage) withDefaults() Stage {
	if s.MaxRetries == 0 {
		s.MaxRetries = defaultMaxRetries
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = defaultMaxTokens
	}
	return s
}

// Graph is a validated stage-dependency graph in topological order.
type Graph struct {
	stages []Stage // topological order, declaration order preserved among peers
	byName map[string]Stage
}

// NewGraph applies per-stage defaults, validates stages (unique names,
// known predecessors, no cycles) and fixes a topological order.
func NewGraph(stages []Stage) (*Graph, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("stage graph is empty")
	}
	normalized := make([]Stage, len(stages))
	for i, s := range stages {
		normalized[i] = s.withDefaults()
	}
	stages = normalized

	byName := make(map[string]Stage, len(stages))
	for _, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("stage with empty name")
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", s.Name)
		}
		if s.Provider == "" || s.Model == "" {
			return nil, fmt.Errorf("stage %q: provider and model are required", s.Name)
		}
		byName[s.Name] = s
	}
	for _, s := range stages {
		for _, pred := range s.After {
			if _, ok := byName[pred]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", s.Name, pred)
			}
		}
	}

	order, err := topoSort(stages)
	if err != nil {
		return nil, err
	}
	return &Graph{stages: order, byName: byName}, nil
}

// LoadGraph reads a stages YAML file.
func LoadGraph(path string) (*Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stages file: %w", err)
	}
	var doc struct {
		Stages []Stage `yaml:"stages"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse stages file: %w", err)
	}
	return NewGraph(doc.Stages)
}

// Stages returns the stages in topological order.
func (g *Graph) Stages() []Stage {
	out := make([]Stage, len(g.stages))
	copy(out, g.stages)
	return out
}

// Stage looks up one stage by name.
func (g *Graph) Stage(name string) (Stage, bool) {
	s, ok := g.byName[name]
	return s, ok
}

// topoSort is Kahn's algorithm, keeping declaration order among stages
// whose dependencies are equally satisfied so the planner's walk is stable.
func topoSort(stages []Stage) ([]Stage, error) {
	indegree := make(map[string]int, len(stages))
	for _, s := range stages {
		indegree[s.Name] = len(s.After)
	}

	var order []Stage
	placed := make(map[string]bool, len(stages))
	for len(order) < len(stages) {
		progressed := false
		for _, s := range stages {
			if placed[s.Name] || indegree[s.Name] > 0 {
				continue
			}
			placed[s.Name] = true
			order = append(order, s)
			for _, t := range stages {
				for _, pred := range t.After {
					if pred == s.Name {
						indegree[t.Name]--
					}
				}
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("stage graph has a cycle")
		}
	}
	return order, nil
}
