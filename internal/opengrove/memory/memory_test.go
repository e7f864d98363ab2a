package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/opengrove/opengrove/internal/opengrove/embedding"
	"github.com/opengrove/opengrove/internal/opengrove/store"
	"github.com/opengrove/opengrove/internal/opengrove/vectorindex"
)

// fakeEmbedder maps any text mentioning "apple" to [1,0] and everything
// else to [0,1].
type fakeEmbedder struct {
	model string
	dims  int

	mu         sync.Mutex
	batchCalls int
	embedCalls int
	batchErr   error
	embedErr   error
}

func newFakeEmbedder() *fakeEmbedder { return &fakeEmbedder{model: "fake", dims: 2} }

func (f *fakeEmbedder) vector(text string) []float32 {
	v := make([]float32, f.dims)
	if strings.Contains(text, "apple") {
		v[0] = 1
	} else {
		v[f.dims-1] = 1
	}
	return v
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.vector(text), nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string   { return f.model }
func (f *fakeEmbedder) Dimensions() int { return f.dims }

func (f *fakeEmbedder) batches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls
}

type fixture struct {
	store    *store.Store
	index    *vectorindex.SQLite
	embedder *fakeEmbedder
	pipeline *Pipeline
}

func newFixture(t *testing.T, cfg PipelineConfig) *fixture {
	t.Helper()
	s, err := store.New(t.TempDir() + "/opengrove-test.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s, index: vectorindex.NewSQLite(s.DB(), nil), embedder: newFakeEmbedder()}
	f.pipeline = NewPipeline(s, f.index, f.embedder, cfg, nil)
	return f
}

// pad makes every message the same 40-byte length.
func pad(s string) string { return fmt.Sprintf("%-40s", s) }

func (f *fixture) seed(t *testing.T, id string, contents ...string) []store.Message {
	t.Helper()
	ctx := context.Background()
	if c, _ := f.store.GetConversation(ctx, id); c == nil {
		if _, err := f.store.CreateConversation(ctx, id, "m", ""); err != nil {
			t.Fatalf("CreateConversation: %v", err)
		}
	}
	f.appendTo(t, id, contents...)
	own, _ := f.store.OwnMessages(ctx, id, -1)
	return own
}

func (f *fixture) appendTo(t *testing.T, id string, contents ...string) {
	t.Helper()
	ctx := context.Background()
	own, _ := f.store.OwnMessages(ctx, id, -1)
	for i, c := range contents {
		n := len(own) + i
		role := store.RoleUser
		if n%2 == 1 {
			role = store.RoleAssistant
		}
		if _, err := f.store.InsertMessage(ctx, fmt.Sprintf("%s-m%d", id, n), id, role, c); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}
}

// --- Chunking ---

func TestChunk(t *testing.T) {
	msgs := []store.Message{
		{ID: "a", Role: store.RoleUser, Content: "hi"},
		{ID: "b", Role: store.RoleAssistant, Content: "hello"},
		{ID: "c", Role: store.RoleUser, Content: "bye"},
	}
	drafts := Chunk(msgs, 2, 10)
	if len(drafts) != 2 {
		t.Fatalf("expected 2 drafts, got %d", len(drafts))
	}
	if drafts[0].Text != "USER: hi\nASSISTANT: hello" {
		t.Errorf("text: got %q", drafts[0].Text)
	}
	if drafts[0].Start != 10 || drafts[0].End != 12 || drafts[1].Start != 12 || drafts[1].End != 13 {
		t.Errorf("ranges: got [%d,%d) [%d,%d)", drafts[0].Start, drafts[0].End, drafts[1].Start, drafts[1].End)
	}
	if strings.Join(drafts[1].MessageIDs, ",") != "c" {
		t.Errorf("ids: got %v", drafts[1].MessageIDs)
	}
	if got := Chunk(nil, 4, 0); len(got) != 0 {
		t.Errorf("empty input: got %d drafts", len(got))
	}
	if got := Chunk(msgs, 0, 0); len(got) != 1 {
		t.Errorf("default size: got %d drafts", len(got))
	}
}

func TestContiguousRuns(t *testing.T) {
	msgs := []store.Message{{Seq: 0}, {Seq: 1}, {Seq: 3}, {Seq: 4}, {Seq: 7}}
	runs := contiguousRuns(msgs)
	if len(runs) != 3 || len(runs[0]) != 2 || len(runs[1]) != 2 || len(runs[2]) != 1 {
		t.Errorf("runs: got %v", runs)
	}
}

// --- Embedding config ---

func TestEnsureEmbeddingConfig_Unavailable(t *testing.T) {
	p := NewPipeline(nil, nil, embedding.Noop{}, PipelineConfig{}, nil)
	if err := p.EnsureEmbeddingConfig(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if p.State() != StateUnconfigured {
		t.Errorf("state: got %s", p.State())
	}
	// Never panics and never does anything.
	p.EmbedAndStoreOverflow(context.Background(), "c", []store.Message{{ID: "x"}})
}

func TestEnsureEmbeddingConfig_Lifecycle(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	ctx := context.Background()

	if f.pipeline.State() != StateUnconfigured {
		t.Fatalf("initial state: got %s", f.pipeline.State())
	}
	if err := f.pipeline.EnsureEmbeddingConfig(ctx); err != nil {
		t.Fatalf("EnsureEmbeddingConfig: %v", err)
	}
	if f.pipeline.State() != StateConfigured {
		t.Errorf("state: got %s", f.pipeline.State())
	}
	cfg, _ := f.index.LoadConfig(ctx)
	if cfg == nil || cfg.Model != "fake" || cfg.Dimensions != 2 {
		t.Fatalf("persisted config: got %+v", cfg)
	}

	// A second pipeline over the same database with the same model keeps
	// existing chunks.
	msgs := f.seed(t, "c1", "a", "b", "c", "d")
	f.pipeline.EmbedAndStoreOverflow(ctx, "c1", msgs)
	same := NewPipeline(f.store, f.index, newFakeEmbedder(), PipelineConfig{}, nil)
	if err := same.EnsureEmbeddingConfig(ctx); err != nil {
		t.Fatalf("EnsureEmbeddingConfig (same model): %v", err)
	}
	if n, _ := f.index.CountChunks(ctx, ""); n != 1 {
		t.Errorf("matching config dropped chunks: %d left", n)
	}
}

func TestEnsureEmbeddingConfig_DimensionChangeWipesChunks(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	ctx := context.Background()
	msgs := f.seed(t, "c1", "a", "b", "c", "d")
	f.pipeline.EmbedAndStoreOverflow(ctx, "c1", msgs)
	if n, _ := f.index.CountChunks(ctx, ""); n != 1 {
		t.Fatalf("setup: expected 1 chunk, got %d", n)
	}

	wider := newFakeEmbedder()
	wider.model, wider.dims = "fake-v2", 3
	p := NewPipeline(f.store, f.index, wider, PipelineConfig{}, nil)
	if err := p.EnsureEmbeddingConfig(ctx); err != nil {
		t.Fatalf("EnsureEmbeddingConfig: %v", err)
	}
	if p.State() != StateConfigured {
		t.Errorf("state after rebuild: got %s", p.State())
	}
	if n, _ := f.index.CountChunks(ctx, ""); n != 0 {
		t.Errorf("stale chunks survived: %d", n)
	}
	own, _ := f.store.OwnMessages(ctx, "c1", -1)
	for _, m := range own {
		if m.IsEmbedded {
			t.Errorf("%s still marked embedded", m.ID)
		}
	}
	cfg, _ := f.index.LoadConfig(ctx)
	if cfg.Model != "fake-v2" || cfg.Dimensions != 3 {
		t.Errorf("config not updated: %+v", cfg)
	}

	// Old content is re-embedded on demand at the new width.
	p.EmbedAndStoreOverflow(ctx, "c1", own)
	if n, _ := f.index.CountChunks(ctx, ""); n != 1 {
		t.Errorf("re-embedding: expected 1 chunk, got %d", n)
	}
}

// --- Overflow embedding ---

func TestEmbedAndStoreOverflow_Idempotent(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	ctx := context.Background()
	msgs := f.seed(t, "c1", "a", "b", "c", "d", "e", "f")

	f.pipeline.EmbedAndStoreOverflow(ctx, "c1", msgs)
	if n, _ := f.index.CountChunks(ctx, "c1"); n != 2 {
		t.Fatalf("expected 2 chunks, got %d", n)
	}
	calls := f.embedder.batches()

	// The caller's stale copies still say IsEmbedded=false.
	f.pipeline.EmbedAndStoreOverflow(ctx, "c1", msgs)
	if n, _ := f.index.CountChunks(ctx, "c1"); n != 2 {
		t.Errorf("second call changed chunk count to %d", n)
	}
	if f.embedder.batches() != calls {
		t.Errorf("second call hit the embedder")
	}
	own, _ := f.store.OwnMessages(ctx, "c1", -1)
	for _, m := range own {
		if !m.IsEmbedded {
			t.Errorf("%s not marked embedded", m.ID)
		}
	}
}

func TestEmbedAndStoreOverflow_Batches(t *testing.T) {
	f := newFixture(t, PipelineConfig{ChunkSize: 2, BatchSize: 2})
	ctx := context.Background()
	msgs := f.seed(t, "c1", "1", "2", "3", "4", "5", "6", "7", "8", "9", "10")

	f.pipeline.EmbedAndStoreOverflow(ctx, "c1", msgs)
	if n, _ := f.index.CountChunks(ctx, "c1"); n != 5 {
		t.Errorf("expected 5 chunks, got %d", n)
	}
	if got := f.embedder.batches(); got != 3 {
		t.Errorf("expected 3 batch calls, got %d", got)
	}
}

func TestEmbedAndStoreOverflow_ProviderFailure(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	ctx := context.Background()
	msgs := f.seed(t, "c1", "a", "b")
	f.embedder.batchErr = errors.New("provider down")

	f.pipeline.EmbedAndStoreOverflow(ctx, "c1", msgs)

	if n, _ := f.index.CountChunks(ctx, ""); n != 0 {
		t.Errorf("chunks written despite failure: %d", n)
	}
	flags, _ := f.store.EmbeddedFlags(ctx, []string{msgs[0].ID})
	if flags[msgs[0].ID] {
		t.Error("message marked embedded despite failure")
	}
}

func TestEmbedAndStoreOverflow_BranchHistory(t *testing.T) {
	f := newFixture(t, PipelineConfig{ChunkSize: 2})
	ctx := context.Background()
	f.seed(t, "root", "r0", "r1", "r2", "r3")
	br, err := f.store.CreateBranch(ctx, "root", 3)
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	f.appendTo(t, br.ID, "b0", "b1")

	hist, _ := f.store.ResolveHistory(ctx, br.ID)
	f.pipeline.EmbedAndStoreOverflow(ctx, br.ID, hist)

	if n, _ := f.index.CountChunks(ctx, "root"); n != 2 {
		t.Errorf("root chunks: got %d, want 2", n)
	}
	if n, _ := f.index.CountChunks(ctx, br.ID); n != 1 {
		t.Errorf("branch chunks: got %d, want 1", n)
	}

	hits, err := f.index.Search(ctx, []float32{0, 1}, []vectorindex.Scope{vectorindex.Unrestricted(br.ID)}, 10)
	if err != nil || len(hits) != 1 {
		t.Fatalf("Search: %v, %d hits", err, len(hits))
	}
	if hits[0].StartMsgIndex != 0 || hits[0].EndMsgIndex != 2 {
		t.Errorf("branch chunk positions must be own-sequence: got [%d,%d)", hits[0].StartMsgIndex, hits[0].EndMsgIndex)
	}
}

// --- Orchestrator ---

func TestBuildContext_Unconfigured(t *testing.T) {
	s, err := store.New(t.TempDir() + "/opengrove-test.db")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	p := NewPipeline(s, nil, nil, PipelineConfig{}, nil)
	o := NewOrchestrator(p, s, RAGConfig{}, nil)
	history := []store.Message{{ID: "a", Role: store.RoleUser, Content: "hi"}}

	res := o.BuildContext(context.Background(), "c", history, strings.Repeat("long query ", 10), 1000, 200)
	if res.RAGBudget != 0 || res.RecentBudget != 800 {
		t.Errorf("budgets: rag %d recent %d", res.RAGBudget, res.RecentBudget)
	}
	if res.RAGText != "" {
		t.Errorf("unexpected RAG text %q", res.RAGText)
	}
	if len(res.Recent) != 1 {
		t.Errorf("recent: got %d messages", len(res.Recent))
	}
}

func TestBuildContext_BudgetSplit(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	o := NewOrchestrator(f.pipeline, f.store, RAGConfig{}, nil)

	res := o.BuildContext(context.Background(), "c", nil, "q", 1100, 100)
	if res.RAGBudget != 200 || res.RecentBudget != 800 {
		t.Errorf("budgets: rag %d recent %d, want 200/800", res.RAGBudget, res.RecentBudget)
	}

	// A buffer larger than the limit leaves nothing, not a negative budget.
	res = o.BuildContext(context.Background(), "c", nil, "q", 100, 500)
	if res.RAGBudget != 0 || res.RecentBudget != 0 {
		t.Errorf("budgets: rag %d recent %d, want 0/0", res.RAGBudget, res.RecentBudget)
	}
}

// ancestorFixture seeds a root whose first four messages talk about bananas
// and last four about apples, embeds all of it, and forks a branch after the
// banana part with two long messages of its own.
func ancestorFixture(t *testing.T) (*fixture, *Orchestrator, string) {
	t.Helper()
	f := newFixture(t, PipelineConfig{})
	ctx := context.Background()

	root := f.seed(t, "root",
		pad("banana one"), pad("banana two"), pad("banana three"), pad("banana four"),
		pad("apple one"), pad("apple two"), pad("apple three"), pad("apple four"),
	)
	f.pipeline.EmbedAndStoreOverflow(ctx, "root", root)

	br, err := f.store.CreateBranch(ctx, "root", 3)
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	f.appendTo(t, br.ID, strings.Repeat("q", 400), strings.Repeat("r", 400))

	return f, NewOrchestrator(f.pipeline, f.store, RAGConfig{}, nil), br.ID
}

const appleQuery = "what did we say about the apple earlier today?"

func TestBuildContext_AncestorCap(t *testing.T) {
	f, o, branchID := ancestorFixture(t)
	ctx := context.Background()

	hist, _ := f.store.ResolveHistory(ctx, branchID)
	res := o.BuildContext(ctx, branchID, hist, appleQuery, 300, 0)
	if len(res.Overflow) == 0 {
		t.Fatal("setup: expected overflow")
	}
	if !strings.Contains(res.RAGText, "banana") {
		t.Errorf("expected pre-branch content, got %q", res.RAGText)
	}
	if strings.Contains(res.RAGText, "apple") {
		t.Errorf("content added after the branch point leaked: %q", res.RAGText)
	}
}

func TestBuildContext_ChunkStraddlingBranchPoint(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	ctx := context.Background()

	// One chunk covers all four root messages, but the branch forks after
	// the second one.
	root := f.seed(t, "root", pad("apple one"), pad("apple two"), pad("banana three"), pad("banana four"))
	f.pipeline.EmbedAndStoreOverflow(ctx, "root", root)
	if n, _ := f.index.CountChunks(ctx, "root"); n != 1 {
		t.Fatalf("setup: expected 1 chunk, got %d", n)
	}

	br, err := f.store.CreateBranch(ctx, "root", 1)
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	f.appendTo(t, br.ID, strings.Repeat("q", 440), strings.Repeat("r", 440))

	o := NewOrchestrator(f.pipeline, f.store, RAGConfig{}, nil)
	hist, _ := f.store.ResolveHistory(ctx, br.ID)
	res := o.BuildContext(ctx, br.ID, hist, appleQuery, 300, 0)
	if len(res.Overflow) == 0 {
		t.Fatal("setup: expected overflow")
	}
	if !strings.Contains(res.RAGText, "apple one") || !strings.Contains(res.RAGText, "apple two") {
		t.Errorf("expected the visible part of the straddling chunk, got %q", res.RAGText)
	}
	if strings.Contains(res.RAGText, "banana") {
		t.Errorf("content after the branch point leaked: %q", res.RAGText)
	}
}

func TestBuildContext_RootSeesEverything(t *testing.T) {
	f, o, _ := ancestorFixture(t)
	ctx := context.Background()

	// Synthesise a root history with overflow by padding it.
	hist, _ := f.store.ResolveHistory(ctx, "root")
	hist = append(hist, store.Message{ID: "big", Role: store.RoleUser, Content: strings.Repeat("z", 900)})

	res := o.BuildContext(ctx, "root", hist, appleQuery, 300, 0)
	if !strings.HasPrefix(res.RAGText, "USER: apple one") {
		t.Errorf("expected closest chunk first, got %q", res.RAGText)
	}
	// Only one chunk fits into the 60-token retrieval budget.
	if strings.Contains(res.RAGText, ragSeparator) {
		t.Errorf("budget exceeded: %q", res.RAGText)
	}
}

func TestBuildContext_ShortQuerySkipsRetrieval(t *testing.T) {
	f, o, branchID := ancestorFixture(t)
	ctx := context.Background()
	hist, _ := f.store.ResolveHistory(ctx, branchID)
	before := f.embedder.embedCalls

	res := o.BuildContext(ctx, branchID, hist, "apple?", 300, 0)
	if res.RAGText != "" {
		t.Errorf("short query produced RAG text %q", res.RAGText)
	}
	if f.embedder.embedCalls != before {
		t.Error("short query was embedded")
	}
	if res.RAGBudget == 0 {
		t.Error("retrieval budget should still be reserved")
	}
}

func TestBuildContext_RetrievalFailureDegrades(t *testing.T) {
	f, o, branchID := ancestorFixture(t)
	ctx := context.Background()
	hist, _ := f.store.ResolveHistory(ctx, branchID)
	f.embedder.embedErr = errors.New("provider timeout")

	res := o.BuildContext(ctx, branchID, hist, appleQuery, 300, 0)
	if res.RAGText != "" {
		t.Errorf("expected no RAG text, got %q", res.RAGText)
	}
	if len(res.Recent) == 0 {
		t.Error("recency window missing after retrieval failure")
	}
}

// --- Prompt ---

func TestProviderTurns(t *testing.T) {
	res := ContextResult{
		RAGText: "USER: old",
		Recent:  []store.Message{{Role: store.RoleUser, Content: "new"}},
	}
	turns := ProviderTurns(res)
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].Role != store.RoleUser || !strings.HasSuffix(turns[0].Content, "USER: old") {
		t.Errorf("preamble: got %+v", turns[0])
	}
	if turns[1].Role != store.RoleAssistant {
		t.Errorf("acknowledgement role: got %q", turns[1].Role)
	}
	if turns[2].Content != "new" {
		t.Errorf("recent turn: got %+v", turns[2])
	}

	if got := ProviderTurns(ContextResult{Recent: res.Recent}); len(got) != 1 {
		t.Errorf("without RAG: got %d turns", len(got))
	}
}
