package domain

// Phase is a task's position in its state machine
type Phase string

const (
	PhaseParsing               Phase = "parsing"
	PhaseAnalyzingRequirements Phase = "analyzing_requirements"
	PhaseGenerating            Phase = "generating"
	PhaseValidating            Phase = "validating"
	PhaseAwaitingReview        Phase = "awaiting_review"
	PhaseReviewing             Phase = "reviewing"
	PhaseRevising              Phase = "revising"
	PhaseCompleted             Phase = "completed"
	PhaseFailed                Phase = "failed"
	PhaseCancelled             Phase = "cancelled"
	PhaseExhausted             Phase = "exhausted"
)

// transitions is the closed transition table. Cancelled is reachable from every
// non-terminal phase and is handled separately.
var transitions = map[Phase][]Phase{
	PhaseParsing:               {PhaseAnalyzingRequirements, PhaseFailed},
	PhaseAnalyzingRequirements: {PhaseGenerating, PhaseFailed},
	PhaseGenerating:            {PhaseValidating, PhaseFailed},
	PhaseValidating:            {PhaseAwaitingReview, PhaseGenerating, PhaseFailed},
	PhaseAwaitingReview:        {PhaseReviewing, PhaseFailed},
	PhaseReviewing:             {PhaseCompleted, PhaseRevising, PhaseExhausted, PhaseFailed},
	PhaseRevising:              {PhaseGenerating, PhaseFailed},
}

// AllPhases lists every phase in state machine order
var AllPhases = []Phase{
	PhaseParsing, PhaseAnalyzingRequirements, PhaseGenerating, PhaseValidating,
	PhaseAwaitingReview, PhaseReviewing, PhaseRevising,
	PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseExhausted,
}

// IsTerminal returns true for phases no transition leaves
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseExhausted:
		return true
	}
	return false
}

// Valid reports whether p is a known phase
func (p Phase) Valid() bool {
	for _, known := range AllPhases {
		if p == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is in the transition table
func CanTransition(from, to Phase) bool {
	if from.IsTerminal() {
		return false
	}
	if to == PhaseCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OutcomeKind classifies how a task ended
type OutcomeKind string

const (
	OutcomeApproved                OutcomeKind = "approved"
	OutcomeUnparsableWorkItem      OutcomeKind = "unparsable_work_item"
	OutcomeGenerationUnrecoverable OutcomeKind = "generation_unrecoverable"
	OutcomeExternalFailure         OutcomeKind = "external_failure"
	OutcomeExhausted               OutcomeKind = "exhausted"
	OutcomeCancelled               OutcomeKind = "cancelled"
)

// PhaseFor returns the terminal phase an outcome kind lands in
func (k OutcomeKind) PhaseFor() Phase {
	switch k {
	case OutcomeApproved:
		return PhaseCompleted
	case OutcomeExhausted:
		return PhaseExhausted
	case OutcomeCancelled:
		return PhaseCancelled
	default:
		return PhaseFailed
	}
}

// ReviewDecision is the verdict of one review pass
type ReviewDecision string

const (
	DecisionApprove        ReviewDecision = "approve"
	DecisionRequestChanges ReviewDecision = "request_changes"
	DecisionComment        ReviewDecision = "comment"
)

// Severity tags a review issue
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// ParseSeverity maps loose reviewer output onto a Severity, defaulting to minor
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityCritical, SeverityMajor, SeverityMinor, SeverityInfo:
		return Severity(s)
	case "high", "blocker", "error":
		return SeverityMajor
	case "low", "nit", "suggestion", "warning":
		return SeverityMinor
	}
	return SeverityMinor
}

// CIStatus is the aggregated CI signal for a pull request
type CIStatus string

const (
	CISuccess CIStatus = "success"
	CIFailure CIStatus = "failure"
	CIPending CIStatus = "pending"
)
