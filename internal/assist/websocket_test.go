package assist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/aegis/internal/domain"
	"github.com/ashureev/aegis/internal/identity"
	"github.com/ashureev/aegis/internal/session"
	"github.com/ashureev/aegis/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

const candidate = "cand_0123456789abcdef0123456789abcdef"

type stubCompleter struct{ out string }

func (s stubCompleter) Complete(context.Context, string) (string, error) {
	return s.out, nil
}

type stubRunner struct{}

func (stubRunner) Execute(context.Context, string) domain.ExecutionResult {
	return domain.Succeeded("")
}

type countingGauge struct {
	mu sync.Mutex
	n  int
}

func (g *countingGauge) AssistConnected(delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n += delta
}

func (g *countingGauge) value() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

type harness struct {
	srv   *httptest.Server
	svc   *session.Service
	mgr   *Manager
	gauge *countingGauge
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	agents := session.Agents{
		Architect: stubCompleter{out: "Build a cache."},
		Helper:    stubCompleter{out: "Use a map."},
		Assessor:  stubCompleter{out: "{}"},
	}
	svc := session.NewService(store.NewMemory(), session.NewMachine(agents, stubRunner{}))
	gauge := &countingGauge{}
	mgr := NewManager(gauge)
	svc.OnClosed(mgr.Close)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	NewHandler(svc, mgr, nil, true, time.Second).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, svc: svc, mgr: mgr, gauge: gauge}
}

func (h *harness) session(t *testing.T, started bool) string {
	t.Helper()
	ctx := context.Background()
	sess, err := h.svc.Create(ctx, candidate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if started {
		if _, err := h.svc.Generate(ctx, candidate, sess.ID, "Go dev"); err != nil {
			t.Fatalf("generate: %v", err)
		}
		if _, err := h.svc.Start(ctx, candidate, sess.ID); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	return sess.ID
}

func (h *harness) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/sessions/" + sessionID + "/assist"
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Cookie": []string{identity.CookieName + "=" + candidate}},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, in Frame) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, conn, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out Frame
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected connection to be closed")
	} else if ctx.Err() != nil {
		t.Fatal("timed out waiting for close")
	}
}

func TestAskOverWebSocket(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id := h.session(t, true)
	conn := h.dial(t, id)

	out := roundTrip(t, conn, Frame{Type: FrameAsk, Content: "Which structure?"})
	if out.Type != FrameAnswer || out.Message == nil || out.Message.Content != "Use a map." {
		t.Fatalf("unexpected frame %+v", out)
	}
	if len(out.Transcript) != 2 || out.Transcript[0].Content != "Which structure?" {
		t.Fatalf("unexpected transcript %+v", out.Transcript)
	}

	if pong := roundTrip(t, conn, Frame{Type: FramePing}); pong.Type != FramePong {
		t.Fatalf("expected pong, got %+v", pong)
	}
}

func TestAskErrorsAreFrames(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id := h.session(t, false)
	conn := h.dial(t, id)

	out := roundTrip(t, conn, Frame{Type: FrameAsk, Content: "hi"})
	if out.Type != FrameError || out.Content != "invalid_transition" {
		t.Fatalf("expected invalid_transition error frame, got %+v", out)
	}
	if out := roundTrip(t, conn, Frame{Type: "bogus"}); out.Content != "unknown_frame" {
		t.Fatalf("expected unknown_frame, got %+v", out)
	}
}

func TestUnknownSessionRejectedBeforeUpgrade(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/sessions/missing/assist"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %+v", resp)
	}
}

func TestResetClosesConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id := h.session(t, true)
	conn := h.dial(t, id)
	eventually(t, func() bool { return h.mgr.Active(id) }, "connection never registered")

	if _, err := h.svc.Reset(context.Background(), candidate, id); err != nil {
		t.Fatalf("reset: %v", err)
	}
	expectClosed(t, conn)
	eventually(t, func() bool { return h.gauge.value() == 0 }, "gauge did not return to zero")
}

func TestNewerConnectionReplacesOlder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id := h.session(t, true)

	first := h.dial(t, id)
	eventually(t, func() bool { return h.gauge.value() == 1 }, "first connection not counted")
	second := h.dial(t, id)

	expectClosed(t, first)
	if out := roundTrip(t, second, Frame{Type: FramePing}); out.Type != FramePong {
		t.Fatalf("second connection not usable: %+v", out)
	}
	eventually(t, func() bool { return h.gauge.value() == 1 }, "gauge should count one live connection")
}
