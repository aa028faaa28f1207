// Package session sequences a candidate session through challenge
// generation, assisted work and scored results.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/aegis/internal/domain"
	"github.com/ashureev/aegis/internal/evaluation"
	"github.com/ashureev/aegis/internal/runner"
)

// Completer produces text for one prompt role.
type Completer interface {
	Complete(ctx context.Context, input string) (string, error)
}

// Agents holds the three role completers.
type Agents struct {
	Architect Completer
	Helper    Completer
	Assessor  Completer
}

// Recorder receives action and execution outcomes. metrics.Metrics
// implements it.
type Recorder interface {
	ObserveAction(action, outcome string)
	ObserveExecution(status string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAction(string, string) {}
func (nopRecorder) ObserveExecution(string)      {}

// Action names.
const (
	ActionGenerate = "generate"
	ActionStart    = "start"
	ActionAsk      = "ask"
	ActionSubmit   = "submit"
	ActionReset    = "reset"
)

// Machine applies phase transitions to a session. A transition either
// succeeds and mutates the session, or fails and leaves it untouched.
// Machine holds no session state; callers serialize actions per session.
type Machine struct {
	agents   Agents
	runner   runner.Runner
	parser   *evaluation.Parser
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithRecorder reports outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(m *Machine) {
		m.recorder = r
	}
}

// WithParser replaces the evaluation parser.
func WithParser(p *evaluation.Parser) Option {
	return func(m *Machine) {
		m.parser = p
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// NewMachine creates a Machine.
func NewMachine(agents Agents, r runner.Runner, opts ...Option) *Machine {
	m := &Machine{
		agents:   agents,
		runner:   r,
		recorder: nopRecorder{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.parser == nil {
		m.parser = evaluation.NewParser(m.logger, nil)
	}
	return m
}

// Generate asks the architect for a challenge. Allowed only in the
// generate phase; a repeated call replaces the previous challenge.
func (m *Machine) Generate(ctx context.Context, s *domain.Session, jobDescription string) (err error) {
	defer m.observe(ActionGenerate, s, &err)

	if s.Phase != domain.PhaseGenerate {
		return fmt.Errorf("%w: generate in phase %s", ErrInvalidTransition, s.Phase)
	}
	if strings.TrimSpace(jobDescription) == "" {
		return fmt.Errorf("%w: job description", ErrEmptyInput)
	}

	text, err := m.agents.Architect.Complete(ctx, jobDescription)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCompletion, err)
	}

	now := m.now()
	s.Challenge = &domain.Challenge{Text: text, JobDescription: jobDescription, CreatedAt: now}
	s.UpdatedAt = now
	return nil
}

// StartAssessment moves from generate to assessment and starts the clock.
func (m *Machine) StartAssessment(s *domain.Session) (err error) {
	defer m.observe(ActionStart, s, &err)

	if s.Phase != domain.PhaseGenerate {
		return fmt.Errorf("%w: start in phase %s", ErrInvalidTransition, s.Phase)
	}
	if s.Challenge == nil {
		return ErrNoChallenge
	}

	now := m.now()
	s.Phase = domain.PhaseAssessment
	s.StartTime = &now
	s.UpdatedAt = now
	return nil
}

// Ask forwards a question to the helper. The question and the answer are
// appended together, only when the helper succeeds.
func (m *Machine) Ask(ctx context.Context, s *domain.Session, question string) (answer domain.Message, err error) {
	defer m.observe(ActionAsk, s, &err)

	if s.Phase != domain.PhaseAssessment {
		return domain.Message{}, fmt.Errorf("%w: ask in phase %s", ErrInvalidTransition, s.Phase)
	}
	if strings.TrimSpace(question) == "" {
		return domain.Message{}, fmt.Errorf("%w: question", ErrEmptyInput)
	}

	text, err := m.agents.Helper.Complete(ctx, question)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %w", ErrCompletion, err)
	}

	answer = domain.Message{Role: domain.RoleAssistant, Content: text}
	s.Transcript = append(s.Transcript,
		domain.Message{Role: domain.RoleUser, Content: question},
		answer)
	s.UpdatedAt = m.now()
	return answer, nil
}

// Submit runs the evaluation pipeline on code and moves to results.
// A malformed assessor response still reaches results with the error
// variant record; a completion failure aborts with no mutation.
func (m *Machine) Submit(ctx context.Context, s *domain.Session, code string) (err error) {
	defer m.observe(ActionSubmit, s, &err)

	if s.Phase != domain.PhaseAssessment {
		return fmt.Errorf("%w: submit in phase %s", ErrInvalidTransition, s.Phase)
	}

	sub, err := m.Evaluate(ctx, code, s.Transcript)
	if err != nil {
		return err
	}

	exec := sub.Execution
	rec := sub.Record
	s.SubmittedCode = code
	s.Execution = &exec
	s.Evaluation = &rec
	s.Phase = domain.PhaseResults
	s.UpdatedAt = m.now()
	return nil
}

// Reset returns the session to its initial state from any phase.
func (m *Machine) Reset(s *domain.Session) {
	var err error
	defer m.observe(ActionReset, s, &err)

	s.Clear()
	s.UpdatedAt = m.now()
}

func (m *Machine) observe(action string, s *domain.Session, errp *error) {
	outcome := outcomeOf(*errp)
	m.recorder.ObserveAction(action, outcome)
	if *errp != nil {
		m.logger.Info("Session action failed",
			"action", action,
			"session_id", s.ID,
			"phase", s.Phase,
			"outcome", outcome,
			"error", *errp)
		return
	}
	m.logger.Info("Session action completed",
		"action", action,
		"session_id", s.ID,
		"phase", s.Phase)
}
