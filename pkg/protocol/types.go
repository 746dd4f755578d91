package protocol

// Priority orders competing jobs inside a stage queue. Lower rank wins.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the three known priority values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank maps a priority to its numeric queue rank. Smaller is more urgent.
// Unknown values rank last so a stray priority never starves known work.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 5
	default:
		return 10
	}
}

// Complexity is the submitter's sizing estimate for a story. It scales the
// token estimates used for budget admission; it never changes which stages
// run.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

// Valid reports whether c is one of the three known complexity values.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexitySimple, ComplexityStandard, ComplexityComplex:
		return true
	default:
		return false
	}
}

// TokenFactor returns the multiplier applied to a stage's base token
// estimate for stories of this complexity.
func (c Complexity) TokenFactor() float64 {
	switch c {
	case ComplexitySimple:
		return 1.0
	case ComplexityComplex:
		return 2.5
	default:
		return 1.5
	}
}

// Needs records which optional stages a story asked for. Stages guarded by
// a predicate are skipped when the corresponding flag is false.
type Needs struct {
	Tests     bool `json:"tests" yaml:"tests"`
	Typefix   bool `json:"typefix" yaml:"typefix"`
	StyleGate bool `json:"style_gate" yaml:"style_gate"`
}

// Story is a unit of submitted work. One story fans out into one job per
// applicable pipeline stage.
type Story struct {
	ID          string     `json:"id" yaml:"id"`
	ProjectID   string     `json:"project_id" yaml:"project_id"`
	Title       string     `json:"title" yaml:"title"`
	Priority    Priority   `json:"priority" yaml:"priority"`
	Complexity  Complexity `json:"complexity" yaml:"complexity"`
	Needs       Needs      `json:"needs" yaml:"needs"`
	PromptSeed  string     `json:"prompt_seed,omitempty" yaml:"prompt_seed,omitempty"`
	SubmittedBy string     `json:"submitted_by,omitempty" yaml:"submitted_by,omitempty"`
}

// Normalized returns a copy of s with blank optional fields filled in:
// medium priority, standard complexity, anonymous submitter.
func (s Story) Normalized() Story {
	if s.Priority == "" {
		s.Priority = PriorityMedium
	}
	if s.Complexity == "" {
		s.Complexity = ComplexityStandard
	}
	if s.SubmittedBy == "" {
		s.SubmittedBy = "anonymous"
	}
	return s
}

// Validate checks a story for submission. Callers normally run Normalized
// first; Validate rejects the blanks it does not default.
func (s Story) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if s.ProjectID == "" {
		return &ValidationError{Field: "project_id", Reason: "required"}
	}
	if !s.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "unknown value " + string(s.Priority)}
	}
	if !s.Complexity.Valid() {
		return &ValidationError{Field: "complexity", Reason: "unknown value " + string(s.Complexity)}
	}
	return nil
}
