package session

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/aegis/internal/domain"
	"github.com/ashureev/aegis/internal/evidence"
)

// Submission carries the intermediate products of the evaluation pipeline.
type Submission struct {
	Code       string
	Transcript []domain.Message
	Execution  domain.ExecutionResult
	Evidence   string
	Raw        string
	Record     domain.EvaluationRecord
}

// Evaluate runs the submission pipeline without touching any session:
// execute, assemble evidence, assess, parse. The steps run strictly in
// order; only the assess step can fail.
func (m *Machine) Evaluate(ctx context.Context, code string, transcript []domain.Message) (Submission, error) {
	sub := Submission{Code: code, Transcript: transcript}

	sub.Execution = m.execute(ctx, code)
	sub.Evidence = evidence.Assemble(sub.Execution, code, transcript)

	raw, err := m.assess(ctx, sub.Evidence)
	if err != nil {
		return Submission{}, err
	}
	sub.Raw = raw
	sub.Record = m.parser.Parse(raw, sub.Execution)
	return sub, nil
}

func (m *Machine) execute(ctx context.Context, code string) domain.ExecutionResult {
	start := time.Now()
	res := m.runner.Execute(ctx, code)
	m.recorder.ObserveExecution(string(res.Status))
	m.logger.Info("Code executed",
		"status", res.Status,
		"output_bytes", len(res.Output),
		"duration_ms", time.Since(start).Milliseconds())
	return res
}

func (m *Machine) assess(ctx context.Context, doc string) (string, error) {
	raw, err := m.agents.Assessor.Complete(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCompletion, err)
	}
	return raw, nil
}
