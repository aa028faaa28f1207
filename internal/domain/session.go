// Package domain contains core domain types for the Aegis application.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Phase is one of the sequential stages of a session's lifecycle.
type Phase string

const (
	// PhaseGenerate is the initial phase: a challenge is being generated.
	PhaseGenerate Phase = "generate"
	// PhaseAssessment is the assisted-work phase.
	PhaseAssessment Phase = "assessment"
	// PhaseResults holds the scored outcome of a submission.
	PhaseResults Phase = "results"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseGenerate, PhaseAssessment, PhaseResults:
		return true
	}
	return false
}

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry of the assistance transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Challenge is the generated assessment prompt shown to a candidate.
type Challenge struct {
	Text           string    `json:"text"`
	JobDescription string    `json:"job_description"`
	CreatedAt      time.Time `json:"created_at"`
}

// Session is the aggregate root for one candidate's run through
// generate, assessment and results.
type Session struct {
	ID         string
	OwnerID    string
	Phase      Phase
	Challenge  *Challenge
	Transcript []Message

	// SubmittedCode and Execution are the submission snapshot; both are set
	// only in the results phase, together with Evaluation.
	SubmittedCode string
	Execution     *ExecutionResult
	Evaluation    *EvaluationRecord

	StartTime *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSession returns a session in its initial empty state.
func NewSession(id, ownerID string, now time.Time) *Session {
	return &Session{
		ID:         id,
		OwnerID:    ownerID,
		Phase:      PhaseGenerate,
		Transcript: []Message{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clear returns the session to the initial generate phase and drops every
// piece of per-run state. Identity and creation time are kept.
func (s *Session) Clear() {
	s.Phase = PhaseGenerate
	s.Challenge = nil
	s.Transcript = []Message{}
	s.SubmittedCode = ""
	s.Execution = nil
	s.Evaluation = nil
	s.StartTime = nil
}

// Elapsed returns the time spent since the assessment started.
// Returns 0 if the assessment has not started.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.StartTime == nil {
		return 0
	}
	d := now.Sub(*s.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// ErrInvariant is returned by Validate when session fields disagree with its phase.
var ErrInvariant = errors.New("session invariant violated")

// Validate checks the phase-dependent field invariants.
func (s *Session) Validate() error {
	if !s.Phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvariant, s.Phase)
	}
	inResults := s.Phase == PhaseResults
	if (s.Evaluation != nil) != inResults {
		return fmt.Errorf("%w: evaluation present=%t in phase %s", ErrInvariant, s.Evaluation != nil, s.Phase)
	}
	if (s.Execution != nil) != inResults {
		return fmt.Errorf("%w: execution present=%t in phase %s", ErrInvariant, s.Execution != nil, s.Phase)
	}
	if s.Phase == PhaseGenerate && len(s.Transcript) > 0 {
		return fmt.Errorf("%w: transcript not empty in phase %s", ErrInvariant, s.Phase)
	}
	if s.Phase != PhaseGenerate && s.Challenge == nil {
		return fmt.Errorf("%w: no challenge in phase %s", ErrInvariant, s.Phase)
	}
	if s.Phase != PhaseGenerate && s.StartTime == nil {
		return fmt.Errorf("%w: no start time in phase %s", ErrInvariant, s.Phase)
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	c.Transcript = append([]Message{}, s.Transcript...)
	if s.Challenge != nil {
		ch := *s.Challenge
		c.Challenge = &ch
	}
	if s.Execution != nil {
		ex := *s.Execution
		c.Execution = &ex
	}
	if s.Evaluation != nil {
		ev := *s.Evaluation
		c.Evaluation = &ev
	}
	if s.StartTime != nil {
		st := *s.StartTime
		c.StartTime = &st
	}
	return &c
}
