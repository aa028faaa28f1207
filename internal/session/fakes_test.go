package session

import (
	"context"
	"sync"

	"github.com/ashureev/aegis/internal/domain"
)

type fakeCompleter struct {
	mu     sync.Mutex
	out    string
	err    error
	inputs []string
	block  chan struct{}
}

func (f *fakeCompleter) Complete(ctx context.Context, input string) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	return f.out, f.err
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

type fakeRunner struct {
	mu     sync.Mutex
	result domain.ExecutionResult
	codes  []string
}

func (f *fakeRunner) Execute(_ context.Context, code string) domain.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	return f.result
}

type countingRecorder struct {
	mu         sync.Mutex
	actions    map[string]int
	executions map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{actions: map[string]int{}, executions: map[string]int{}}
}

func (c *countingRecorder) ObserveAction(action, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[action+"/"+outcome]++
}

func (c *countingRecorder) ObserveExecution(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executions[status]++
}

const scoredJSON = `{"technical_score": 7, "ai_fluency_score": 8, "code_validation_summary": "ok",
"strengths": "clean", "weaknesses": "none"}`

type fixture struct {
	architect *fakeCompleter
	helper    *fakeCompleter
	assessor  *fakeCompleter
	runner    *fakeRunner
	recorder  *countingRecorder
	machine   *Machine
}

func newFixture() *fixture {
	f := &fixture{
		architect: &fakeCompleter{out: "# Challenge\nBuild a rate limiter in 60 minutes."},
		helper:    &fakeCompleter{out: "Consider a token bucket."},
		assessor:  &fakeCompleter{out: scoredJSON},
		runner:    &fakeRunner{result: domain.Succeeded("hello\n")},
		recorder:  newCountingRecorder(),
	}
	f.machine = NewMachine(
		Agents{Architect: f.architect, Helper: f.helper, Assessor: f.assessor},
		f.runner,
		WithRecorder(f.recorder),
	)
	return f
}
