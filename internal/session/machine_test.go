package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/aegis/internal/domain"
	"github.com/ashureev/aegis/internal/evidence"
)

func assessing(t *testing.T, f *fixture) *domain.Session {
	t.Helper()
	s := domain.NewSession("s-1", "cand-1", time.Now())
	if err := f.machine.Generate(context.Background(), s, "Backend engineer, Go"); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if err := f.machine.StartAssessment(s); err != nil {
		t.Fatalf("StartAssessment() error = %v", err)
	}
	return s
}

func TestGenerateStoresChallenge(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := domain.NewSession("s-1", "cand-1", time.Now())
	if err := f.machine.Generate(context.Background(), s, "Data analyst, SQL"); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if s.Phase != domain.PhaseGenerate {
		t.Fatalf("generate must not change phase, got %s", s.Phase)
	}
	if s.Challenge == nil || s.Challenge.Text != f.architect.out || s.Challenge.JobDescription != "Data analyst, SQL" {
		t.Fatalf("unexpected challenge %+v", s.Challenge)
	}
	if f.architect.inputs[0] != "Data analyst, SQL" {
		t.Fatalf("architect got %q", f.architect.inputs[0])
	}
}

func TestGenerateCanBeRepeated(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := domain.NewSession("s-1", "cand-1", time.Now())
	_ = f.machine.Generate(context.Background(), s, "first")
	f.architect.out = "second challenge"
	if err := f.machine.Generate(context.Background(), s, "second"); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if s.Challenge.Text != "second challenge" {
		t.Fatalf("challenge not replaced: %+v", s.Challenge)
	}
}

func TestGenerateRejections(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := domain.NewSession("s-1", "cand-1", time.Now())
	if err := f.machine.Generate(context.Background(), s, "  \n\t"); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if f.architect.calls() != 0 || s.Challenge != nil {
		t.Fatal("blank job description reached the architect or mutated the session")
	}

	f.architect.err = errors.New("connection refused")
	if err := f.machine.Generate(context.Background(), s, "Go dev"); !errors.Is(err, ErrCompletion) {
		t.Fatalf("expected ErrCompletion, got %v", err)
	}
	if s.Challenge != nil {
		t.Fatal("failed generation mutated the session")
	}

	s2 := assessing(t, newFixture())
	if err := f.machine.Generate(context.Background(), s2, "Go dev"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStartAssessment(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := domain.NewSession("s-1", "cand-1", time.Now())
	if err := f.machine.StartAssessment(s); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("expected ErrNoChallenge, got %v", err)
	}
	if s.Phase != domain.PhaseGenerate || s.StartTime != nil {
		t.Fatalf("rejected start mutated session: %+v", s)
	}

	s = assessing(t, f)
	if s.Phase != domain.PhaseAssessment || s.StartTime == nil {
		t.Fatalf("unexpected state after start: %+v", s)
	}
	if err := f.machine.StartAssessment(s); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second start, got %v", err)
	}
}

func TestAskAppendsPair(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := assessing(t, f)
	answer, err := f.machine.Ask(context.Background(), s, "What is a token bucket?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.Role != domain.RoleAssistant || answer.Content != f.helper.out {
		t.Fatalf("unexpected answer %+v", answer)
	}
	want := []domain.Message{
		{Role: domain.RoleUser, Content: "What is a token bucket?"},
		{Role: domain.RoleAssistant, Content: f.helper.out},
	}
	if len(s.Transcript) != 2 || s.Transcript[0] != want[0] || s.Transcript[1] != want[1] {
		t.Fatalf("unexpected transcript %+v", s.Transcript)
	}
}

func TestAskFailureAppendsNothing(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := assessing(t, f)
	f.helper.err = errors.New("503")

	if _, err := f.machine.Ask(context.Background(), s, "hello?"); !errors.Is(err, ErrCompletion) {
		t.Fatalf("expected ErrCompletion, got %v", err)
	}
	if len(s.Transcript) != 0 {
		t.Fatalf("failed ask appended messages: %+v", s.Transcript)
	}
	if _, err := f.machine.Ask(context.Background(), s, " "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestAskOutsideAssessment(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := domain.NewSession("s-1", "cand-1", time.Now())
	if _, err := f.machine.Ask(context.Background(), s, "q"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if f.helper.calls() != 0 {
		t.Fatal("helper called outside assessment")
	}
}

func TestSubmitHappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := assessing(t, f)
	if _, err := f.machine.Ask(context.Background(), s, "How do I print?"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if err := f.machine.Submit(context.Background(), s, `print("hello")`); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if s.Phase != domain.PhaseResults {
		t.Fatalf("expected results phase, got %s", s.Phase)
	}
	if *s.Execution != domain.Succeeded("hello\n") || s.SubmittedCode != `print("hello")` {
		t.Fatalf("unexpected submission snapshot: %+v %q", s.Execution, s.SubmittedCode)
	}
	if s.Evaluation.Failed() || !s.Evaluation.CodeAccepted || s.Evaluation.TechnicalScore != 7 {
		t.Fatalf("unexpected evaluation %+v", s.Evaluation)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("results session invalid: %v", err)
	}

	if len(f.assessor.inputs) != 1 {
		t.Fatalf("expected one assessor call, got %d", len(f.assessor.inputs))
	}
	want := evidence.Assemble(domain.Succeeded("hello\n"), `print("hello")`, s.Transcript)
	if f.assessor.inputs[0] != want {
		t.Fatalf("assessor received unexpected evidence:\n%s", f.assessor.inputs[0])
	}
}

func TestSubmitFaultingCode(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.runner.result = domain.Faulted("ValueError: bad")
	s := assessing(t, f)

	if err := f.machine.Submit(context.Background(), s, `raise ValueError("bad")`); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if s.Execution.Status != domain.ExecutionError || !strings.Contains(s.Execution.Output, "bad") {
		t.Fatalf("unexpected execution %+v", s.Execution)
	}
	if s.Evaluation.CodeAccepted {
		t.Fatal("faulting code must not be accepted")
	}
	if f.recorder.executions["error"] != 1 {
		t.Fatalf("execution not recorded: %+v", f.recorder.executions)
	}
}

func TestSubmitMalformedAssessment(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.assessor.out = "Great candidate, 9/10!"
	s := assessing(t, f)

	if err := f.machine.Submit(context.Background(), s, "print(1)"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if s.Phase != domain.PhaseResults {
		t.Fatalf("malformed assessment must still reach results, got %s", s.Phase)
	}
	if !s.Evaluation.Failed() || s.Evaluation.RawOutput != "Great candidate, 9/10!" {
		t.Fatalf("expected error variant, got %+v", s.Evaluation)
	}
}

func TestSubmitAssessorFailureLeavesSession(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.assessor.err = errors.New("timeout")
	s := assessing(t, f)
	_, _ = f.machine.Ask(context.Background(), s, "q")
	before := s.Clone()

	if err := f.machine.Submit(context.Background(), s, "print(1)"); !errors.Is(err, ErrCompletion) {
		t.Fatalf("expected ErrCompletion, got %v", err)
	}
	if s.Phase != domain.PhaseAssessment || s.Evaluation != nil || s.Execution != nil || s.SubmittedCode != "" {
		t.Fatalf("failed submit mutated session: %+v", s)
	}
	if len(s.Transcript) != len(before.Transcript) {
		t.Fatalf("transcript changed: %+v", s.Transcript)
	}
	if len(f.runner.codes) != 1 {
		t.Fatalf("code should have run exactly once, got %d", len(f.runner.codes))
	}
	if f.recorder.actions["submit/completion_error"] != 1 {
		t.Fatalf("expected completion_error outcome, got %+v", f.recorder.actions)
	}
}

func TestSubmitOutsideAssessment(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := domain.NewSession("s-1", "cand-1", time.Now())
	if err := f.machine.Submit(context.Background(), s, "print(1)"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(f.runner.codes) != 0 {
		t.Fatal("code ran outside assessment")
	}
}

func TestResetFromAnyPhase(t *testing.T) {
	t.Parallel()

	build := map[string]func(*testing.T, *fixture) *domain.Session{
		"generate empty": func(*testing.T, *fixture) *domain.Session {
			return domain.NewSession("s", "c", time.Now())
		},
		"generate with challenge": func(_ *testing.T, f *fixture) *domain.Session {
			s := domain.NewSession("s", "c", time.Now())
			_ = f.machine.Generate(context.Background(), s, "jd")
			return s
		},
		"assessment": func(t *testing.T, f *fixture) *domain.Session {
			s := assessing(t, f)
			_, _ = f.machine.Ask(context.Background(), s, "q")
			return s
		},
		"results": func(t *testing.T, f *fixture) *domain.Session {
			s := assessing(t, f)
			_ = f.machine.Submit(context.Background(), s, "print(1)")
			return s
		},
	}

	for name, mk := range build {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			s := mk(t, f)
			f.machine.Reset(s)
			if s.Phase != domain.PhaseGenerate || s.Challenge != nil || len(s.Transcript) != 0 ||
				s.Evaluation != nil || s.StartTime != nil || s.Execution != nil {
				t.Fatalf("reset left state behind: %+v", s)
			}
			if err := s.Validate(); err != nil {
				t.Fatalf("reset session invalid: %v", err)
			}
		})
	}
}

func TestOutcomeOf(t *testing.T) {
	t.Parallel()

	tests := map[error]string{
		nil:                        OutcomeOK,
		ErrBusy:                    OutcomeRejected,
		ErrNoChallenge:             OutcomeRejected,
		context.DeadlineExceeded:   OutcomeTimeout,
		errors.New("disk full"):    OutcomeError,
		errors.Join(ErrCompletion): OutcomeCompletion,
	}
	for err, want := range tests {
		if got := outcomeOf(err); got != want {
			t.Fatalf("outcomeOf(%v) = %q, want %q", err, got, want)
		}
	}
}
