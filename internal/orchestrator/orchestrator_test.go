package orchestrator

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/conversa/internal/agent"
	"github.com/haasonsaas/conversa/internal/cache"
	"github.com/haasonsaas/conversa/internal/conversaerr"
	"github.com/haasonsaas/conversa/internal/sessions"
	"github.com/haasonsaas/conversa/pkg/models"
)

// scriptedProvider replays a fixed sequence of chunk batches, one batch per
// Complete call, so tests can script multi-iteration REASON/ACT exchanges.
type scriptedProvider struct {
	batches [][]*agent.CompletionChunk
	calls   int32
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	idx := int(atomic.AddInt32(&p.calls, 1)) - 1
	if idx >= len(p.batches) {
		idx = len(p.batches) - 1
	}
	ch := make(chan *agent.CompletionChunk, len(p.batches[idx]))
	for _, c := range p.batches[idx] {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string            { return "scripted" }
func (p *scriptedProvider) Models() []agent.Model    { return nil }
func (p *scriptedProvider) SupportsTools() bool      { return true }

type failingProvider struct{ t *testing.T }

func (p failingProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.t.Fatal("provider should not be called on the fast path")
	return nil, nil
}
func (p failingProvider) Name() string         { return "failing" }
func (p failingProvider) Models() []agent.Model { return nil }
func (p failingProvider) SupportsTools() bool  { return true }

// echoTool records how many times it executed and echoes its input.
type echoTool struct {
	calls int32
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echoes input" }
func (t *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (t *echoTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	atomic.AddInt32(&t.calls, 1)
	return &agent.ToolResult{Content: string(params)}, nil
}

func newExecutor(tools ...agent.Tool) *agent.Executor {
	registry := agent.NewToolRegistry()
	for _, t := range tools {
		registry.Register(t)
	}
	return agent.NewExecutor(registry, agent.DefaultExecutorConfig())
}

func TestRunTurn_FastPath(t *testing.T) {
	o := New(failingProvider{t: t}, newExecutor(), nil, nil, agent.ToolResultGuard{}, nil, DefaultConfig())

	var events []Event
	state, err := o.RunTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		TurnID:    "t1",
		UserText:  "Hello!",
	}, func(e Event) { events = append(events, e) })

	if err != nil {
		t.Fatalf("RunTurn error = %v", err)
	}
	if state.Phase != models.TurnPhaseDone {
		t.Errorf("Phase = %v, want Done", state.Phase)
	}
	if state.Response == "" {
		t.Error("expected a canned fast-path response")
	}
	if events[0].Kind != EventStart || events[len(events)-1].Kind != EventEnd {
		t.Errorf("expected Start...End event bracket, got %+v", events)
	}
}

func TestRunTurn_SimpleTextReply(t *testing.T) {
	provider := &scriptedProvider{
		batches: [][]*agent.CompletionChunk{
			{
				{Text: "Paris is the capital of France."},
				{Done: true},
			},
		},
	}
	o := New(provider, newExecutor(), nil, nil, agent.ToolResultGuard{}, nil, DefaultConfig())

	state, err := o.RunTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		TurnID:    "t1",
		UserText:  "what is the capital of france?",
	}, nil)

	if err != nil {
		t.Fatalf("RunTurn error = %v", err)
	}
	if state.Phase != models.TurnPhaseDone {
		t.Fatalf("Phase = %v, want Done", state.Phase)
	}
	if state.Response != "Paris is the capital of France." {
		t.Errorf("Response = %q", state.Response)
	}
}

func TestRunTurn_ToolCallThenReply(t *testing.T) {
	tool := &echoTool{}
	provider := &scriptedProvider{
		batches: [][]*agent.CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}},
				{Done: true},
			},
			{
				{Text: "done"},
				{Done: true},
			},
		},
	}
	cfg := DefaultConfig()
	cfg.ToolCacheEnabled = false
	o := New(provider, newExecutor(tool), nil, nil, agent.ToolResultGuard{}, nil, cfg)

	var events []Event
	state, err := o.RunTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		TurnID:    "t1",
		UserText:  "echo this",
	}, func(e Event) { events = append(events, e) })

	if err != nil {
		t.Fatalf("RunTurn error = %v", err)
	}
	if state.Phase != models.TurnPhaseDone {
		t.Fatalf("Phase = %v, want Done, Err=%v", state.Phase, state.Err)
	}
	if state.Iteration != 1 {
		t.Errorf("Iteration = %d, want 1", state.Iteration)
	}
	if atomic.LoadInt32(&tool.calls) != 1 {
		t.Errorf("tool executed %d times, want 1", tool.calls)
	}

	var sawToolStart, sawToolEnd bool
	for _, e := range events {
		if e.Kind == EventToolStart {
			sawToolStart = true
		}
		if e.Kind == EventToolEnd {
			sawToolEnd = true
		}
	}
	if !sawToolStart || !sawToolEnd {
		t.Error("expected tool.start and tool.end events")
	}
}

func TestRunTurn_MaxIterationsExceeded(t *testing.T) {
	tool := &echoTool{}
	loopingBatch := []*agent.CompletionChunk{
		{ToolCall: &models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{}`)}},
		{Done: true},
	}
	provider := &scriptedProvider{
		batches: [][]*agent.CompletionChunk{loopingBatch, loopingBatch, loopingBatch},
	}
	cfg := DefaultConfig()
	cfg.MaxIterations = 1
	cfg.ToolCacheEnabled = false
	o := New(provider, newExecutor(tool), nil, nil, agent.ToolResultGuard{}, nil, cfg)

	var sawErrorEvent bool
	state, err := o.RunTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		TurnID:    "t1",
		UserText:  "loop forever",
	}, func(e Event) {
		if e.Kind == EventError {
			sawErrorEvent = true
		}
	})

	if err != nil {
		t.Fatalf("RunTurn error = %v", err)
	}
	if state.Phase != models.TurnPhaseError {
		t.Fatalf("Phase = %v, want Error", state.Phase)
	}
	if conversaerr.KindOf(state.Err) != conversaerr.KindTimeout {
		t.Errorf("Err kind = %v, want KindTimeout", conversaerr.KindOf(state.Err))
	}
	if !sawErrorEvent {
		t.Error("expected an error event to be emitted")
	}
}

func TestRunTurn_ToolCacheCoalescesAcrossTurns(t *testing.T) {
	tool := &echoTool{}
	batch := []*agent.CompletionChunk{
		{ToolCall: &models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"q":"weather"}`)}},
		{Done: true},
	}
	finalBatch := []*agent.CompletionChunk{{Text: "ok"}, {Done: true}}
	provider := &scriptedProvider{
		batches: [][]*agent.CompletionChunk{batch, finalBatch, batch, finalBatch},
	}
	cfg := DefaultConfig()
	cfg.ToolCacheEnabled = true
	cfg.ToolCacheTTL = time.Minute
	toolCache := cache.NewToolCache(time.Minute)
	o := New(provider, newExecutor(tool), toolCache, nil, agent.ToolResultGuard{}, nil, cfg)

	_, err := o.RunTurn(context.Background(), TurnRequest{SessionID: "s1", TurnID: "t1", UserText: "q1"}, nil)
	if err != nil {
		t.Fatalf("first RunTurn error = %v", err)
	}

	var cachedSeen bool
	_, err = o.RunTurn(context.Background(), TurnRequest{SessionID: "s1", TurnID: "t2", UserText: "q1"}, func(e Event) {
		if e.Kind == EventToolEnd && e.Cached {
			cachedSeen = true
		}
	})
	if err != nil {
		t.Fatalf("second RunTurn error = %v", err)
	}

	if atomic.LoadInt32(&tool.calls) != 1 {
		t.Errorf("tool executed %d times across two turns, want 1 (second should hit cache)", tool.calls)
	}
	if !cachedSeen {
		t.Error("expected second turn's tool.end event to report Cached=true")
	}
}

func TestRunTurn_SessionLockFailure(t *testing.T) {
	locker := sessions.NewLocalLocker(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(failingProvider{t: t}, newExecutor(), nil, locker, agent.ToolResultGuard{}, nil, DefaultConfig())
	state, err := o.RunTurn(ctx, TurnRequest{SessionID: "s1", TurnID: "t1", UserText: "hello"}, nil)
	if err != nil {
		t.Fatalf("RunTurn error = %v", err)
	}
	if state.Phase != models.TurnPhaseError {
		t.Fatalf("Phase = %v, want Error", state.Phase)
	}
}

func TestMatchFastPath_NormalizesPunctuationAndCase(t *testing.T) {
	o := New(failingProvider{t: t}, newExecutor(), nil, nil, agent.ToolResultGuard{}, nil, DefaultConfig())
	if _, ok := o.matchFastPath("  HELLO!!  "); !ok {
		t.Error("expected normalized greeting to match")
	}
	if _, ok := o.matchFastPath("hello, how are you today"); ok {
		t.Error("a longer message should not match the bare-greeting fast path")
	}
}
