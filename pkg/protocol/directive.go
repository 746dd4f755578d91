package protocol

// Directive represents an operator-issued instruction to the orchestrator.
type Directive string

const (
	DirectivePause  Directive = "pause"  // Hold new dispatch, in-flight jobs keep running.
	DirectiveResume Directive = "resume" // Resume dispatching queued jobs.
	DirectiveDrain  Directive = "drain"  // Finish in-flight jobs, dispatch nothing new.
)

// Valid reports whether d is one of the three known directive values.
func (d Directive) Valid() bool {
	switch d {
	case DirectivePause, DirectiveResume, DirectiveDrain:
		return true
	default:
		return false
	}
}
