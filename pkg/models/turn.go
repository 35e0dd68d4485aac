package models

import "time"

// TurnPhase names a step in the turn orchestrator's state machine. Phases
// run in the order they are declared below, with ACT/REASON able to repeat
// until the model stops requesting tools or the iteration bound is hit.
type TurnPhase string

const (
	// TurnPhaseInput is the initial phase: the inbound message has been
	// received but not yet classified.
	TurnPhaseInput TurnPhase = "input"

	// TurnPhaseFastPath is a short-circuit for turns that match a canned
	// reply (e.g. a bare greeting) without invoking the LLM.
	TurnPhaseFastPath TurnPhase = "fast_path"

	// TurnPhaseReason is the LLM completion step: history plus the new
	// message are sent to the provider and a response is streamed back.
	TurnPhaseReason TurnPhase = "reason"

	// TurnPhaseAct is the tool-execution step: any tool calls requested
	// during REASON are fanned out and their results collected.
	TurnPhaseAct TurnPhase = "act"

	// TurnPhaseFormat is the final response-shaping step before the turn
	// is considered complete (e.g. TTS synthesis for audio-out pipelines).
	TurnPhaseFormat TurnPhase = "format"

	// TurnPhaseError indicates the turn terminated abnormally; see
	// TurnState.Err for the classified cause.
	TurnPhaseError TurnPhase = "error"

	// TurnPhaseDone is the terminal phase for a turn that completed,
	// successfully or not.
	TurnPhaseDone TurnPhase = "done"
)

// TurnState is the orchestrator's ephemeral, in-memory bookkeeping for a
// single turn. It is never persisted: only the resulting Messages (and the
// Session's updated LastActivity) outlive the turn.
type TurnState struct {
	// SessionID is the session this turn belongs to.
	SessionID string

	// TurnID uniquely identifies this turn, for log correlation and
	// stream event sequencing.
	TurnID string

	// Phase is the current step in the state machine.
	Phase TurnPhase

	// Iteration counts REASON/ACT round trips within this turn, starting
	// at 0. Bounded by the configured max_tool_iterations.
	Iteration int

	// PendingToolCalls holds tool calls requested by the most recent
	// REASON step that have not yet been executed.
	PendingToolCalls []ToolCall

	// ToolResults accumulates results from every ACT phase run so far in
	// this turn, in request order.
	ToolResults []ToolResult

	// Response accumulates the assistant's response text across
	// streaming deltas.
	Response string

	// Err holds the classified failure, set only when Phase is
	// TurnPhaseError.
	Err error

	// StartedAt is when the turn began processing.
	StartedAt time.Time

	// UpdatedAt is when Phase or Iteration last changed.
	UpdatedAt time.Time
}

// NewTurnState creates a TurnState in TurnPhaseInput for the given session.
func NewTurnState(sessionID, turnID string) *TurnState {
	now := time.Now()
	return &TurnState{
		SessionID: sessionID,
		TurnID:    turnID,
		Phase:     TurnPhaseInput,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Advance moves the turn to the given phase and bumps UpdatedAt.
func (t *TurnState) Advance(phase TurnPhase) {
	t.Phase = phase
	t.UpdatedAt = time.Now()
}

// Fail moves the turn to TurnPhaseError with the given cause.
func (t *TurnState) Fail(err error) {
	t.Err = err
	t.Advance(TurnPhaseError)
}

// Done reports whether the turn has reached a terminal phase.
func (t *TurnState) Done() bool {
	return t.Phase == TurnPhaseDone || t.Phase == TurnPhaseError
}
