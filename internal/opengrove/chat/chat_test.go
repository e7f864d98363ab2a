package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/opengrove/opengrove/internal/opengrove/memory"
	"github.com/opengrove/opengrove/internal/opengrove/store"
)

type fakeProvider struct {
	reply string
	err   error

	mu    sync.Mutex
	model string
	turns []memory.Turn
}

func (f *fakeProvider) Complete(_ context.Context, model string, turns []memory.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.model = model
	f.turns = turns
	return f.reply, f.err
}

type fakeSubmitter struct {
	conversationID string
	overflow       []store.Message
}

func (f *fakeSubmitter) Submit(_ context.Context, id string, overflow []store.Message) bool {
	f.conversationID = id
	f.overflow = overflow
	return true
}

func newTestService(t *testing.T, p Provider, sub OverflowSubmitter, limit int) (*Service, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir() + "/opengrove-test.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	pipeline := memory.NewPipeline(s, nil, nil, memory.PipelineConfig{}, nil)
	o := memory.NewOrchestrator(pipeline, s, memory.RAGConfig{}, nil)
	svc := New(s, o, p, sub, nil, Config{
		DefaultModel:         "default-model",
		ResponseBufferTokens: 10,
		Limits:               ContextLimits{Default: limit},
	}, nil)
	return svc, s
}

func TestTurn_NewConversation(t *testing.T) {
	p := &fakeProvider{reply: "Hello there."}
	svc, s := newTestService(t, p, nil, 1000)
	ctx := context.Background()

	res, err := svc.Turn(ctx, TurnRequest{Message: "Hi, can you help me plan a trip?"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.ConversationID == "" || res.Message.Role != store.RoleAssistant || res.Message.Content != "Hello there." {
		t.Errorf("result: %+v", res)
	}

	conv, _ := s.GetConversation(ctx, res.ConversationID)
	if conv == nil {
		t.Fatal("conversation not created")
	}
	if conv.Title != "Hi, can you help me plan a trip?" || conv.Model != "default-model" {
		t.Errorf("conversation: %+v", conv)
	}
	if p.model != "default-model" {
		t.Errorf("provider model: got %q", p.model)
	}
	if len(p.turns) != 1 || p.turns[0].Role != store.RoleUser {
		t.Errorf("provider turns: %+v", p.turns)
	}

	hist, _ := s.ResolveHistory(ctx, res.ConversationID)
	if len(hist) != 2 || hist[1].ID != res.Message.ID {
		t.Errorf("history: %+v", hist)
	}
}

func TestTurn_ExistingConversation(t *testing.T) {
	p := &fakeProvider{reply: "ok"}
	svc, _ := newTestService(t, p, nil, 1000)
	ctx := context.Background()

	first, err := svc.Turn(ctx, TurnRequest{Message: "one", Model: "m1"})
	if err != nil {
		t.Fatalf("first Turn: %v", err)
	}
	if _, err := svc.Turn(ctx, TurnRequest{ConversationID: first.ConversationID, Message: "two"}); err != nil {
		t.Fatalf("second Turn: %v", err)
	}
	if p.model != "m1" {
		t.Errorf("model not inherited from conversation: %q", p.model)
	}
	if len(p.turns) != 3 || p.turns[2].Content != "two" {
		t.Errorf("turns: %+v", p.turns)
	}
}

func TestTurn_Errors(t *testing.T) {
	svc, _ := newTestService(t, &fakeProvider{}, nil, 1000)
	ctx := context.Background()

	if _, err := svc.Turn(ctx, TurnRequest{ConversationID: "missing", Message: "hi"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown conversation: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Turn(ctx, TurnRequest{Message: "   "}); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("empty message: expected ErrInvalidArgument, got %v", err)
	}
}

func TestTurn_ProviderFailureKeepsUserTurn(t *testing.T) {
	p := &fakeProvider{err: errors.New("upstream 503")}
	svc, s := newTestService(t, p, nil, 1000)
	ctx := context.Background()

	if _, err := svc.Turn(ctx, TurnRequest{Message: "hello"}); err == nil {
		t.Fatal("expected provider error")
	}
	convs, _ := s.ListConversations(ctx)
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	hist, _ := s.ResolveHistory(ctx, convs[0].ID)
	if len(hist) != 1 || hist[0].Role != store.RoleUser {
		t.Errorf("history: %+v", hist)
	}
}

func TestTurn_SubmitsOverflow(t *testing.T) {
	p := &fakeProvider{reply: strings.Repeat("r", 200)}
	sub := &fakeSubmitter{}
	// 100 tokens minus a 10-token buffer holds roughly one long exchange.
	svc, _ := newTestService(t, p, sub, 100)
	ctx := context.Background()

	res, err := svc.Turn(ctx, TurnRequest{Message: strings.Repeat("a", 200)})
	if err != nil {
		t.Fatalf("first Turn: %v", err)
	}
	if _, err := svc.Turn(ctx, TurnRequest{ConversationID: res.ConversationID, Message: strings.Repeat("b", 200)}); err != nil {
		t.Fatalf("second Turn: %v", err)
	}
	if sub.conversationID != res.ConversationID || len(sub.overflow) == 0 {
		t.Errorf("overflow not submitted: %+v", sub)
	}
}

func TestBranchAndDelete(t *testing.T) {
	svc, s := newTestService(t, &fakeProvider{reply: "A1"}, nil, 1000)
	ctx := context.Background()

	res, err := svc.Turn(ctx, TurnRequest{Message: "U1"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}

	if _, err := svc.Branch(ctx, res.ConversationID, -1); !errors.Is(err, store.ErrInvalidIndex) {
		t.Errorf("negative index: expected ErrInvalidIndex, got %v", err)
	}
	br, err := svc.Branch(ctx, res.ConversationID, 0)
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	hist, _ := s.ResolveHistory(ctx, br.ID)
	if len(hist) != 1 || hist[0].Content != "U1" {
		t.Errorf("branch history: %+v", hist)
	}

	if err := svc.Delete(ctx, res.ConversationID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if c, _ := s.GetConversation(ctx, br.ID); c != nil {
		t.Error("branch survived parent deletion")
	}
	if err := svc.Delete(ctx, res.ConversationID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Delete: expected ErrNotFound, got %v", err)
	}
}

func TestTurn_LogsTraceIDOnce(t *testing.T) {
	s, err := store.New(t.TempDir() + "/opengrove-test.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	o := memory.NewOrchestrator(memory.NewPipeline(s, nil, nil, memory.PipelineConfig{}, nil), s, memory.RAGConfig{}, nil)
	svc := New(s, o, &fakeProvider{reply: "ok"}, nil, nil, Config{DefaultModel: "m"}, logger)

	if _, err := svc.Turn(context.Background(), TurnRequest{Message: "hello"}); err != nil {
		t.Fatalf("Turn: %v", err)
	}

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "chat: turn complete") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("turn log line missing from %q", buf.String())
	}
	if n := strings.Count(line, `"trace_id"`); n != 1 {
		t.Errorf("trace_id appears %d times in %s", n, line)
	}
}

func TestAssemble_UsesConversationModelLimit(t *testing.T) {
	s, err := store.New(t.TempDir() + "/opengrove-test.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	o := memory.NewOrchestrator(memory.NewPipeline(s, nil, nil, memory.PipelineConfig{}, nil), s, memory.RAGConfig{}, nil)
	svc := New(s, o, &fakeProvider{}, nil, nil, Config{
		DefaultModel:         "small",
		ResponseBufferTokens: 10,
		Limits:               ContextLimits{Default: 1000, Models: map[string]int{"small": 500, "big": 2000}},
	}, nil)

	if _, err := s.CreateConversation(ctx, "c", "big", "t"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	res, err := svc.Assemble(ctx, "c", "query", "")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if res.RecentBudget != 1990 {
		t.Errorf("RecentBudget: got %d, want 1990 from the conversation's model", res.RecentBudget)
	}

	res, err = svc.Assemble(ctx, "c", "query", "small")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if res.RecentBudget != 490 {
		t.Errorf("RecentBudget with explicit model: got %d, want 490", res.RecentBudget)
	}
}

func TestContextLimits(t *testing.T) {
	l := ContextLimits{Default: 4000, Models: map[string]int{"big": 128000}}
	if l.For("big") != 128000 || l.For("other") != 4000 {
		t.Errorf("limits: big=%d other=%d", l.For("big"), l.For("other"))
	}
	if (ContextLimits{}).For("x") != DefaultContextTokens {
		t.Error("zero limits must fall back to DefaultContextTokens")
	}
}

func TestOpenAIProvider_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("Authorization: %q", r.Header.Get("Authorization"))
		}
		var req oaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != "gpt-test" || len(req.Messages) != 2 {
			t.Errorf("request: %+v", req)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "key", BaseURL: srv.URL})
	reply, err := p.Complete(context.Background(), "gpt-test", []memory.Turn{
		{Role: "user", Content: "ping"}, {Role: "assistant", Content: "..."},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "pong" {
		t.Errorf("reply: got %q", reply)
	}
}

func TestOpenAIProvider_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"context too long","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL})
	if _, err := p.Complete(context.Background(), "m", nil); err == nil || !strings.Contains(err.Error(), "context too long") {
		t.Errorf("expected API error, got %v", err)
	}
}
