package diagram

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/inklet-app/diagramchat/backend/internal/generate"
	"github.com/inklet-app/diagramchat/backend/internal/mermaid"
	"github.com/inklet-app/diagramchat/backend/internal/model/chat"
	"github.com/inklet-app/diagramchat/backend/internal/orchestrator"
	"github.com/inklet-app/diagramchat/backend/internal/render"
	"github.com/inklet-app/diagramchat/backend/internal/session"
	"github.com/inklet-app/diagramchat/backend/internal/store"
)

type stubClient struct {
	fragments []string
}

func (c *stubClient) Stream(ctx context.Context, messages []chat.APIMessage, onFragment func(string)) (generate.Result, error) {
	var res generate.Result
	for _, f := range c.fragments {
		res.Text += f
		onFragment(f)
	}
	return res, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(*mermaid.Scene) {}

func setupRouter(t *testing.T, client orchestrator.GenerationClient) (*chi.Mux, *session.Session) {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	sess := session.New()
	renderer := render.NewRenderer(mermaid.FlowchartConverter{}, nopPublisher{}, logger)
	renderer.OnValid(sess.SetLastValid)
	throttle := render.NewThrottle(render.Config{
		FastDelay:  time.Millisecond,
		RetryDelay: time.Millisecond,
	}, renderer.Render, mermaid.Validate, logger)
	svc := store.NewService(db, sess, store.DefaultMaxConversations, logger)
	orch := orchestrator.New(orchestrator.Config{}, sess, client, throttle, renderer, svc, logger)

	r := chi.NewRouter()
	New(orch, sess, logger).RegisterRoutes(r)
	return r, sess
}

// sseEvents splits an SSE body into its decoded frames.
func sseEvents(t *testing.T, body string) []StreamResponse {
	t.Helper()
	var events []StreamResponse
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var resp StreamResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &resp); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		events = append(events, resp)
	}
	return events
}

func TestGenerateStreamsServerSentEvents(t *testing.T) {
	r, _ := setupRouter(t, &stubClient{fragments: []string{"flow", "chart TD\n", "A-->B"}})

	payload, _ := json.Marshal(map[string]string{"prompt": "draw a flow"})
	req := httptest.NewRequest(http.MethodPost, "/diagram/generate", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	events := sseEvents(t, resp.Body.String())
	if len(events) != 4 {
		t.Fatalf("got %d frames, want 3 fragments + end", len(events))
	}
	var content strings.Builder
	for _, ev := range events[:3] {
		if ev.Event != "message" {
			t.Fatalf("frame event = %q, want message", ev.Event)
		}
		content.WriteString(ev.Content)
	}
	if content.String() != "flowchart TD\nA-->B" {
		t.Fatalf("relayed content = %q", content.String())
	}

	end := events[3]
	if !end.Finished || end.State != string(orchestrator.StateSucceeded) {
		t.Fatalf("end frame = %+v", end)
	}
}

func TestGenerateRejectsShortPromptAsJSON(t *testing.T) {
	r, _ := setupRouter(t, &stubClient{})

	payload, _ := json.Marshal(map[string]string{"prompt": "ab"})
	req := httptest.NewRequest(http.MethodPost, "/diagram/generate", bytes.NewReader(payload))
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want plain JSON error", ct)
	}
	if !strings.Contains(resp.Body.String(), "3") {
		t.Fatalf("error body %q does not mention the minimum", resp.Body.String())
	}
}

func TestGenerateRejectedWhenQuotaKnownExhausted(t *testing.T) {
	r, sess := setupRouter(t, &stubClient{fragments: []string{"never"}})
	sess.SetRateLimits(50, 0)

	payload, _ := json.Marshal(map[string]string{"prompt": "draw a flow"})
	req := httptest.NewRequest(http.MethodPost, "/diagram/generate", bytes.NewReader(payload))
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
}

func TestRepairWithoutFailureRejected(t *testing.T) {
	r, _ := setupRouter(t, &stubClient{})

	req := httptest.NewRequest(http.MethodPost, "/diagram/repair", nil)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestStateReportsLedger(t *testing.T) {
	r, sess := setupRouter(t, &stubClient{})
	sess.SetDraft("half-typed prompt")

	req := httptest.NewRequest(http.MethodGet, "/diagram/state", nil)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var state struct {
		ConversationID string         `json:"conversationId"`
		State          string         `json:"state"`
		Messages       []chat.Message `json:"messages"`
		DraftPrompt    string         `json:"draftPrompt"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.State != string(orchestrator.StateIdle) {
		t.Fatalf("state = %q", state.State)
	}
	if state.Messages == nil || len(state.Messages) != 0 {
		t.Fatalf("messages = %v, want empty array", state.Messages)
	}
	if state.DraftPrompt != "half-typed prompt" {
		t.Fatalf("draft = %q", state.DraftPrompt)
	}
}

func TestSourceBeforeAnyGeneration(t *testing.T) {
	r, _ := setupRouter(t, &stubClient{})

	req := httptest.NewRequest(http.MethodGet, "/diagram/source", nil)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestDeleteUnknownMessage(t *testing.T) {
	r, _ := setupRouter(t, &stubClient{})

	req := httptest.NewRequest(http.MethodDelete, "/diagram/messages/nope", nil)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
