package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/aegis/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "aegis.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func repositories(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"sqlite": newTestSQLite(t),
		"memory": NewMemory(),
	}
}

func resultsSession(now time.Time) *domain.Session {
	s := domain.NewSession("sess-results", "cand-1", now)
	start := now.Add(-30 * time.Minute)
	exec := domain.Faulted("ValueError: bad")
	eval := domain.EvaluationRecord{
		TechnicalScore:        4,
		AIFluencyScore:        7,
		CodeValidationSummary: "raises",
		Strengths:             "asked good questions",
		Weaknesses:            "unhandled error",
		CodeAccepted:          false,
	}
	s.Phase = domain.PhaseResults
	s.Challenge = &domain.Challenge{Text: "# Build a cache", JobDescription: "Go dev", CreatedAt: now.Add(-time.Hour)}
	s.Transcript = []domain.Message{
		{Role: domain.RoleUser, Content: "what is LRU?"},
		{Role: domain.RoleAssistant, Content: "least recently used"},
	}
	s.SubmittedCode = `raise ValueError("bad")`
	s.Execution = &exec
	s.Evaluation = &eval
	s.StartTime = &start
	return s
}

func TestRepositorySaveAndGet(t *testing.T) {
	now := time.UnixMilli(time.Now().UnixMilli())
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := resultsSession(now)
			if err := repo.SaveSession(ctx, want); err != nil {
				t.Fatalf("SaveSession() error = %v", err)
			}

			got, err := repo.GetSession(ctx, want.ID)
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if got == nil {
				t.Fatal("expected session, got nil")
			}
			if got.Phase != domain.PhaseResults || got.OwnerID != "cand-1" {
				t.Fatalf("unexpected identity/phase: %+v", got)
			}
			if got.Challenge == nil || got.Challenge.Text != "# Build a cache" {
				t.Fatalf("challenge not stored: %+v", got.Challenge)
			}
			if len(got.Transcript) != 2 || got.Transcript[1].Content != "least recently used" {
				t.Fatalf("transcript not stored: %+v", got.Transcript)
			}
			if got.Execution == nil || *got.Execution != *want.Execution {
				t.Fatalf("execution not stored: %+v", got.Execution)
			}
			if got.Evaluation == nil || *got.Evaluation != *want.Evaluation {
				t.Fatalf("evaluation not stored: %+v", got.Evaluation)
			}
			if got.StartTime == nil || !got.StartTime.Equal(*want.StartTime) {
				t.Fatalf("start time not stored: %v", got.StartTime)
			}
			if err := got.Validate(); err != nil {
				t.Fatalf("loaded session invalid: %v", err)
			}
		})
	}
}

func TestRepositoryFailedEvaluationRoundTrip(t *testing.T) {
	now := time.Now()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := resultsSession(now)
			failed := domain.UnparsableEvaluation("not json at all")
			s.Evaluation = &failed
			if err := repo.SaveSession(ctx, s); err != nil {
				t.Fatalf("SaveSession() error = %v", err)
			}
			got, err := repo.GetSession(ctx, s.ID)
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if !got.Evaluation.Failed() || got.Evaluation.RawOutput != "not json at all" {
				t.Fatalf("failed evaluation not preserved: %+v", got.Evaluation)
			}
		})
	}
}

func TestRepositoryGetMissing(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			got, err := repo.GetSession(context.Background(), "nope")
			if err != nil || got != nil {
				t.Fatalf("expected (nil, nil), got (%v, %v)", got, err)
			}
		})
	}
}

func TestRepositoryOverwriteAndDelete(t *testing.T) {
	now := time.Now()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := resultsSession(now)
			if err := repo.SaveSession(ctx, s); err != nil {
				t.Fatalf("SaveSession() error = %v", err)
			}

			s.Clear()
			if err := repo.SaveSession(ctx, s); err != nil {
				t.Fatalf("SaveSession() after Clear error = %v", err)
			}
			got, err := repo.GetSession(ctx, s.ID)
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if got.Phase != domain.PhaseGenerate || got.Challenge != nil || got.Evaluation != nil ||
				got.Execution != nil || got.StartTime != nil || len(got.Transcript) != 0 {
				t.Fatalf("cleared session not persisted: %+v", got)
			}

			if err := repo.DeleteSession(ctx, s.ID); err != nil {
				t.Fatalf("DeleteSession() error = %v", err)
			}
			if err := repo.DeleteSession(ctx, s.ID); err != nil {
				t.Fatalf("second DeleteSession() error = %v", err)
			}
			if got, _ := repo.GetSession(ctx, s.ID); got != nil {
				t.Fatalf("session still present after delete: %+v", got)
			}
		})
	}
}

func TestRepositoryListSessions(t *testing.T) {
	base := time.Now()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []string{"a", "b", "c"} {
				s := domain.NewSession(id, "cand-1", base.Add(time.Duration(i)*time.Second))
				if err := repo.SaveSession(ctx, s); err != nil {
					t.Fatalf("SaveSession() error = %v", err)
				}
			}
			if err := repo.SaveSession(ctx, domain.NewSession("other", "cand-2", base)); err != nil {
				t.Fatalf("SaveSession() error = %v", err)
			}

			got, err := repo.ListSessions(ctx, "cand-1")
			if err != nil {
				t.Fatalf("ListSessions() error = %v", err)
			}
			if len(got) != 3 || got[0].ID != "c" || got[2].ID != "a" {
				ids := make([]string, 0, len(got))
				for _, s := range got {
					ids = append(ids, s.ID)
				}
				t.Fatalf("unexpected listing %v", ids)
			}
		})
	}
}

func TestRepositoryCleanupExpired(t *testing.T) {
	now := time.Now()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stale := domain.NewSession("stale", "cand-1", now.Add(-2*time.Hour))
			fresh := domain.NewSession("fresh", "cand-1", now)
			for _, s := range []*domain.Session{stale, fresh} {
				if err := repo.SaveSession(ctx, s); err != nil {
					t.Fatalf("SaveSession() error = %v", err)
				}
			}

			ids, err := repo.CleanupExpiredSessions(ctx, time.Hour)
			if err != nil {
				t.Fatalf("CleanupExpiredSessions() error = %v", err)
			}
			if len(ids) != 1 || ids[0] != "stale" {
				t.Fatalf("expected [stale], got %v", ids)
			}
			if got, _ := repo.GetSession(ctx, "fresh"); got == nil {
				t.Fatal("fresh session was removed")
			}
		})
	}
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemory()
	s := domain.NewSession("s", "cand", time.Now())
	if err := repo.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	s.Transcript = append(s.Transcript, domain.Message{Role: domain.RoleUser, Content: "leak"})

	got, _ := repo.GetSession(ctx, "s")
	if len(got.Transcript) != 0 {
		t.Fatalf("store shares transcript with caller: %+v", got.Transcript)
	}
}

type flakyRepo struct {
	*MemoryStore
	failures atomic.Int32
}

func (f *flakyRepo) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("database is locked (5) (SQLITE_BUSY)")
	}
	return f.MemoryStore.CleanupExpiredSessions(ctx, ttl)
}

func TestSweepExpiredRetriesOnBusy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := &flakyRepo{MemoryStore: NewMemory()}
	repo.failures.Store(2)
	if err := repo.SaveSession(ctx, domain.NewSession("old", "cand", time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	ids := sweepExpired(ctx, repo, time.Minute)
	if len(ids) != 1 || ids[0] != "old" {
		t.Fatalf("expected [old] after retries, got %v", ids)
	}
}

func TestStartTTLWorkerReportsExpired(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := NewMemory()
	if err := repo.SaveSession(ctx, domain.NewSession("old", "cand", time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	expired := make(chan []string, 1)
	StartTTLWorker(ctx, repo, time.Minute, 10*time.Millisecond, func(ids []string) {
		select {
		case expired <- ids:
		default:
		}
	})

	select {
	case ids := <-expired:
		if len(ids) != 1 || ids[0] != "old" {
			t.Fatalf("unexpected expired ids %v", ids)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("TTL worker did not report expired session")
	}
}
