package completion

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Provider sends a fully rendered prompt to a completion service.
type Provider interface {
	Complete(ctx context.Context, prompt string, temperature float64) (string, error)
}

// Observer receives the duration of each completion call.
type Observer interface {
	ObserveCompletion(role string, d time.Duration, err error)
}

// Agent binds a Provider to one Role.
type Agent struct {
	provider Provider
	role     Role
	observer Observer
	logger   *slog.Logger
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithObserver reports call durations to o.
func WithObserver(o Observer) AgentOption {
	return func(a *Agent) {
		a.observer = o
	}
}

// WithAgentLogger sets the agent's logger.
func WithAgentLogger(logger *slog.Logger) AgentOption {
	return func(a *Agent) {
		a.logger = logger
	}
}

// NewAgent creates an Agent.
func NewAgent(provider Provider, role Role, opts ...AgentOption) *Agent {
	a := &Agent{provider: provider, role: role, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Role returns the role name.
func (a *Agent) Role() RoleName {
	return a.role.Name
}

// Complete renders input into the role template and returns the provider's
// text unchanged. Provider errors keep their Transient/Fatal class.
func (a *Agent) Complete(ctx context.Context, input string) (string, error) {
	prompt, err := a.role.Render(input)
	if err != nil {
		return "", NewFatalError(err)
	}

	start := time.Now()
	out, err := a.provider.Complete(ctx, prompt, a.role.Temperature)
	elapsed := time.Since(start)
	if a.observer != nil {
		a.observer.ObserveCompletion(string(a.role.Name), elapsed, err)
	}
	if err != nil {
		a.logger.Warn("Completion failed",
			"role", a.role.Name,
			"duration_ms", elapsed.Milliseconds(),
			"transient", IsTransient(err),
			"error", err)
		return "", fmt.Errorf("%s completion: %w", a.role.Name, err)
	}

	a.logger.Info("Completion succeeded",
		"role", a.role.Name,
		"duration_ms", elapsed.Milliseconds(),
		"output_bytes", len(out))
	return out, nil
}

// Agents builds the three role agents over one provider.
func Agents(provider Provider, roles Roles, opts ...AgentOption) (architect, helper, assessor *Agent) {
	return NewAgent(provider, roles.Architect, opts...),
		NewAgent(provider, roles.Helper, opts...),
		NewAgent(provider, roles.Assessor, opts...)
}
