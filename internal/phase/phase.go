// Package phase defines the execution phase state machine for worker runs
// and the durable status projection, plus the parser that infers phase
// transitions from raw worker output.
//
// The phase machine is:
//
//	idle → planning → coding → qa_review ⇄ qa_fixing → complete
//	                                               └─→ failed
//
// complete and failed are terminal: no transition out of them is accepted.
package phase

// Phase is a named stage of task execution.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePlanning Phase = "planning"
	PhaseCoding   Phase = "coding"
	PhaseQAReview Phase = "qa_review"
	PhaseQAFixing Phase = "qa_fixing"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Terminal reports whether the phase accepts no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIdle, PhasePlanning, PhaseCoding, PhaseQAReview, PhaseQAFixing, PhaseComplete, PhaseFailed:
		return true
	}
	return false
}

// Status is the durable projection of a phase, persisted to the task's
// status record. human_review is never produced by a phase directly; it is
// set by the exit-path subtask heuristic.
type Status string

const (
	StatusPending     Status = "pending"
	StatusPlanning    Status = "planning"
	StatusCoding      Status = "coding"
	StatusQAReview    Status = "qa_review"
	StatusQAFixing    Status = "qa_fixing"
	StatusHumanReview Status = "human_review"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// StatusForPhase maps a phase onto its durable status.
// The second return is false for phases with no durable projection (idle).
func StatusForPhase(p Phase) (Status, bool) {
	switch p {
	case PhasePlanning:
		return StatusPlanning, true
	case PhaseCoding:
		return StatusCoding, true
	case PhaseQAReview:
		return StatusQAReview, true
	case PhaseQAFixing:
		return StatusQAFixing, true
	case PhaseComplete:
		return StatusCompleted, true
	case PhaseFailed:
		return StatusFailed, true
	}
	return "", false
}

// rank orders statuses for the regression guard. qa_review and qa_fixing
// share a rank so the QA loop can oscillate between them.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusPlanning:
		return 1
	case StatusCoding:
		return 2
	case StatusQAReview, StatusQAFixing:
		return 3
	case StatusHumanReview:
		return 4
	case StatusCompleted, StatusFailed:
		return 5
	}
	return -1
}

// Terminal reports whether the status accepts no further legitimate updates.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from one status to another is a
// legitimate forward (or lateral) move. It rejects any move out of a
// terminal status and any move to a lower-ranked status, which guards
// against out-of-order or duplicate log lines flipping a task backwards.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	return to.rank() >= from.rank()
}

// AllowPhaseTransition applies the regression guard at the phase level.
// A transition is allowed if the source phase is not terminal and the
// implied status does not move backwards.
func AllowPhaseTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	fromStatus, ok := StatusForPhase(from)
	if !ok {
		// idle accepts any first transition
		return true
	}
	toStatus, ok := StatusForPhase(to)
	if !ok {
		return false
	}
	return CanTransition(fromStatus, toStatus)
}

// Overall progress bands per phase. Each active phase owns a slice of the
// 0-100 scale; intra-phase progress interpolates within the band.
var progressBands = map[Phase][2]int{
	PhasePlanning: {5, 25},
	PhaseCoding:   {25, 70},
	PhaseQAReview: {70, 85},
	PhaseQAFixing: {85, 95},
}

// OverallProgress maps (phase, intra-phase progress) deterministically onto
// the 0-100 scale spanning all phases in order. complete pins to 100.
// failed owns no band: the progress stream freezes at the last value
// reported before the failure, which the parser tracks.
func OverallProgress(p Phase, phaseProgress int) int {
	if p == PhaseComplete {
		return 100
	}
	band, ok := progressBands[p]
	if !ok {
		return 0
	}
	if phaseProgress < 0 {
		phaseProgress = 0
	}
	if phaseProgress > 100 {
		phaseProgress = 100
	}
	return band[0] + (band[1]-band[0])*phaseProgress/100
}
