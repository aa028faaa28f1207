package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/aegis/internal/domain"
	"github.com/ashureev/aegis/internal/shared"
	"github.com/ashureev/aegis/internal/store"
	"github.com/google/uuid"
)

// Service runs machine transitions against stored sessions. It loads the
// session, applies one transition to a copy under a per-session lock and
// saves the copy only if the transition succeeded.
type Service struct {
	repo    store.Repository
	machine *Machine
	locks   *keyLocks
	logger  *slog.Logger
	now     func() time.Time

	closeMu  sync.RWMutex
	onClosed []func(sessionID string)
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithServiceClock replaces time.Now.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service.
func NewService(repo store.Repository, machine *Machine, opts ...ServiceOption) *Service {
	s := &Service{
		repo:    repo,
		machine: machine,
		locks:   newKeyLocks(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnClosed registers fn to run after a session is reset, deleted or expired.
func (s *Service) OnClosed(fn func(sessionID string)) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.onClosed = append(s.onClosed, fn)
}

func (s *Service) notifyClosed(sessionID string) {
	s.closeMu.RLock()
	hooks := append([]func(string){}, s.onClosed...)
	s.closeMu.RUnlock()
	for _, fn := range hooks {
		fn(sessionID)
	}
}

// Expired notifies listeners about sessions removed by the TTL worker.
func (s *Service) Expired(ids []string) {
	for _, id := range ids {
		s.notifyClosed(id)
	}
}

// Create starts a new session for ownerID.
func (s *Service) Create(ctx context.Context, ownerID string) (*domain.Session, error) {
	sess := domain.NewSession(uuid.NewString(), ownerID, s.now())
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("Session created", "session_id", sess.ID, "owner_id", ownerID)
	return sess, nil
}

// Get returns a session owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*domain.Session, error) {
	return s.load(ctx, ownerID, id)
}

// List returns the sessions owned by ownerID.
func (s *Service) List(ctx context.Context, ownerID string) ([]*domain.Session, error) {
	sessions, err := s.repo.ListSessions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Generate produces or replaces the session's challenge.
func (s *Service) Generate(ctx context.Context, ownerID, id, jobDescription string) (*domain.Session, error) {
	return s.act(ctx, ownerID, id, func(sess *domain.Session) error {
		return s.machine.Generate(ctx, sess, jobDescription)
	})
}

// Start begins the assessment.
func (s *Service) Start(ctx context.Context, ownerID, id string) (*domain.Session, error) {
	return s.act(ctx, ownerID, id, func(sess *domain.Session) error {
		return s.machine.StartAssessment(sess)
	})
}

// Ask sends a question to the helper and returns its answer.
func (s *Service) Ask(ctx context.Context, ownerID, id, question string) (domain.Message, *domain.Session, error) {
	var answer domain.Message
	sess, err := s.act(ctx, ownerID, id, func(sess *domain.Session) error {
		var err error
		answer, err = s.machine.Ask(ctx, sess, question)
		return err
	})
	if err != nil {
		return domain.Message{}, nil, err
	}
	return answer, sess, nil
}

// Submit evaluates code and moves the session to results.
func (s *Service) Submit(ctx context.Context, ownerID, id, code string) (*domain.Session, error) {
	return s.act(ctx, ownerID, id, func(sess *domain.Session) error {
		return s.machine.Submit(ctx, sess, code)
	})
}

// Reset clears the session back to the generate phase.
func (s *Service) Reset(ctx context.Context, ownerID, id string) (*domain.Session, error) {
	sess, err := s.act(ctx, ownerID, id, func(sess *domain.Session) error {
		s.machine.Reset(sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyClosed(id)
	return sess, nil
}

// Delete removes the session.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	release, ok := s.locks.tryLock(id)
	if !ok {
		return ErrBusy
	}
	defer release()

	if _, err := s.load(ctx, ownerID, id); err != nil {
		return err
	}
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "delete session", func(ctx context.Context) error {
		return s.repo.DeleteSession(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info("Session deleted", "session_id", id)
	s.notifyClosed(id)
	return nil
}

// act runs fn on a copy of the stored session under the session lock.
func (s *Service) act(ctx context.Context, ownerID, id string, fn func(*domain.Session) error) (*domain.Session, error) {
	release, ok := s.locks.tryLock(id)
	if !ok {
		return nil, ErrBusy
	}
	defer release()

	sess, err := s.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if err := sess.Validate(); err != nil {
		s.logger.Error("Transition produced invalid session", "session_id", id, "error", err)
		return nil, err
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

func (s *Service) load(ctx context.Context, ownerID, id string) (*domain.Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil || sess.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *Service) save(ctx context.Context, sess *domain.Session) error {
	// A submission may have used most of ctx; the save must not be lost to it.
	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	err := shared.RetryOnConflict(saveCtx, shared.DefaultRetryPolicy, "save session", func(ctx context.Context) error {
		return s.repo.SaveSession(ctx, sess)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Failed to save session", "session_id", sess.ID, "error", err)
	}
	return err
}
