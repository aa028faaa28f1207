package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/ashureev/aegis/internal/domain"
	"github.com/ashureev/aegis/internal/identity"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the session API on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/config", h.GetConfig)
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/generate", h.Generate)
			r.Post("/start", h.Start)
			r.Post("/ask", h.Ask)
			r.Post("/submit", h.Submit)
			r.Post("/reset", h.Reset)
		})
	})
}

type sessionView struct {
	ID             string                   `json:"id"`
	Phase          domain.Phase             `json:"phase"`
	Challenge      *domain.Challenge        `json:"challenge"`
	Transcript     []domain.Message         `json:"transcript"`
	SubmittedCode  string                   `json:"submitted_code,omitempty"`
	Execution      *domain.ExecutionResult  `json:"execution,omitempty"`
	Evaluation     *domain.EvaluationRecord `json:"evaluation,omitempty"`
	StartTime      *time.Time               `json:"start_time"`
	ElapsedSeconds int64                    `json:"elapsed_seconds"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

func (h *Handler) view(s *domain.Session) sessionView {
	return sessionView{
		ID:             s.ID,
		Phase:          s.Phase,
		Challenge:      s.Challenge,
		Transcript:     s.Transcript,
		SubmittedCode:  s.SubmittedCode,
		Execution:      s.Execution,
		Evaluation:     s.Evaluation,
		StartTime:      s.StartTime,
		ElapsedSeconds: int64(s.Elapsed(h.now()).Seconds()),
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// GetConfig reports the configured model and runner mode.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.info)
}

// CreateSession starts a new session for the caller.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	owner := identity.CandidateIDFromContext(r.Context())
	sess, err := h.svc.Create(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, h.view(sess))
}

// ListSessions returns the caller's sessions, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	owner := identity.CandidateIDFromContext(r.Context())
	sessions, err := h.svc.List(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, h.view(s))
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// GetSession returns one session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	owner := identity.CandidateIDFromContext(r.Context())
	sess, err := h.svc.Get(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.view(sess))
}

// DeleteSession removes one session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	owner := identity.CandidateIDFromContext(r.Context())
	if err := h.svc.Delete(r.Context(), owner, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type generateRequest struct {
	JobDescription string `json:"job_description"`
}

// Generate asks the architect for a challenge.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	ctx, cancel := h.actionContext(r)
	defer cancel()

	owner := identity.CandidateIDFromContext(r.Context())
	sess, err := h.svc.Generate(ctx, owner, chi.URLParam(r, "id"), req.JobDescription)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.view(sess))
}

// Start begins the assessment phase.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	owner := identity.CandidateIDFromContext(r.Context())
	sess, err := h.svc.Start(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.view(sess))
}

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	Message    domain.Message   `json:"message"`
	Transcript []domain.Message `json:"transcript"`
}

// Ask forwards a question to the helper.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	ctx, cancel := h.actionContext(r)
	defer cancel()

	owner := identity.CandidateIDFromContext(r.Context())
	answer, sess, err := h.svc.Ask(ctx, owner, chi.URLParam(r, "id"), req.Question)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, askResponse{Message: answer, Transcript: sess.Transcript})
}

type submitRequest struct {
	Code string `json:"code"`
}

// Submit evaluates the candidate's final code.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	ctx, cancel := h.actionContext(r)
	defer cancel()

	owner := identity.CandidateIDFromContext(r.Context())
	sess, err := h.svc.Submit(ctx, owner, chi.URLParam(r, "id"), req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.view(sess))
}

// Reset clears the session back to challenge generation.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	owner := identity.CandidateIDFromContext(r.Context())
	sess, err := h.svc.Reset(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.view(sess))
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		writeError(w, r, err)
		return
	}
	Error(w, http.StatusBadRequest, "invalid_request")
}
