// Package orchestrator drives a single conversation turn through the
// INPUT/FAST_PATH/REASON/ACT/FORMAT/ERROR/DONE state machine: it classifies
// the inbound message, optionally short-circuits with a canned reply,
// otherwise round-trips with an LLM provider and fans out any requested
// tool calls (consulting the tool-result cache first) until the model
// stops asking for tools or the configured iteration bound is hit.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conversa/internal/agent"
	"github.com/haasonsaas/conversa/internal/cache"
	conv "github.com/haasonsaas/conversa/internal/context"
	"github.com/haasonsaas/conversa/internal/conversaerr"
	"github.com/haasonsaas/conversa/internal/observability"
	"github.com/haasonsaas/conversa/internal/sessions"
	"github.com/haasonsaas/conversa/pkg/models"
)

// EventKind names one of the fixed set of turn-lifecycle events the
// orchestrator emits as a turn progresses. A gateway transport (SSE or WS)
// maps these directly onto its wire envelope.
type EventKind string

const (
	EventStart      EventKind = "start"
	EventTextDelta  EventKind = "text.delta"
	EventToolStart  EventKind = "tool.start"
	EventToolEnd    EventKind = "tool.end"
	EventAudioChunk EventKind = "audio.chunk"
	EventWarning    EventKind = "warning"
	EventError      EventKind = "error"
	EventEnd        EventKind = "end"
)

// Event is a single notification about turn progress, handed to the
// caller-supplied EventSink as the turn advances.
type Event struct {
	Kind      EventKind
	SessionID string
	TurnID    string
	Seq       int

	Text       string
	ToolCallID string
	ToolName   string
	Audio      []byte
	Err        *conversaerr.Error
	Cached     bool
}

// EventSink receives turn lifecycle events in order. Implementations must
// not block for long; the orchestrator calls it synchronously from the
// turn's goroutine.
type EventSink func(Event)

// Config configures an Orchestrator's limits and fast-path behavior.
type Config struct {
	// MaxIterations bounds how many REASON/ACT round trips a turn may take
	// before it is failed with KindTimeout.
	MaxIterations int

	// Model is the default model passed to the provider when a request
	// doesn't specify one.
	Model string

	// MaxTokens bounds a single completion request.
	MaxTokens int

	// ContextWindowTokens sizes the truncator's budget; 0 uses the
	// provider-agnostic context.DefaultContextWindow.
	ContextWindowTokens int

	// ToolCacheEnabled turns on consulting/populating the tool-result cache
	// during ACT.
	ToolCacheEnabled bool

	// ToolCacheTTL is the default freshness window for cached tool results.
	ToolCacheTTL time.Duration

	// NonCacheableTools lists tool name patterns (see agent's pattern
	// matching) that must always execute live, bypassing the cache.
	NonCacheableTools []string

	// LockTimeout bounds how long RunTurn waits to acquire the per-session
	// lock before failing with KindTimeout.
	LockTimeout time.Duration

	// Greetings maps a normalized (lowercased, trimmed) inbound message to
	// a canned reply, enabling the FAST_PATH short-circuit. A message not
	// present here always proceeds to REASON.
	Greetings map[string]string
}

// DefaultGreetings returns a small built-in canned-reply pool for common
// bare greetings, sparing a full LLM round trip for the cheapest turns.
func DefaultGreetings() map[string]string {
	return map[string]string{
		"hi":           "Hey there! What can I help you with?",
		"hello":        "Hello! What can I help you with?",
		"hey":          "Hey! What can I help you with?",
		"yo":           "Hey! What's up?",
		"good morning": "Good morning! What can I help you with?",
		"good evening": "Good evening! What can I help you with?",
	}
}

// DefaultConfig returns an Orchestrator configuration with sensible
// defaults, matching the tool execution defaults in internal/config.
func DefaultConfig() Config {
	return Config{
		MaxIterations:    5,
		MaxTokens:        4096,
		ToolCacheEnabled: true,
		ToolCacheTTL:     5 * time.Minute,
		LockTimeout:      30 * time.Second,
		Greetings:        DefaultGreetings(),
	}
}

// TurnRequest is the input to a single RunTurn call.
type TurnRequest struct {
	SessionID    string
	TurnID       string
	SystemPrompt string
	Model        string
	UserText     string
	History      []agent.CompletionMessage
}

// Orchestrator executes turns against an LLM provider and a tool registry,
// applying the iteration bound, tool-result cache, and result guard
// configured at construction.
type Orchestrator struct {
	provider agent.LLMProvider
	executor *agent.Executor
	toolCache *cache.ToolCache
	locker   sessions.Locker
	guard    agent.ToolResultGuard
	logger   *observability.Logger
	cfg      Config

	mu       sync.RWMutex
	greetings map[string]string
}

// New constructs an Orchestrator. provider and executor must be non-nil;
// toolCache and locker may be nil to disable caching and per-session
// serialization respectively (accepting the resulting race exposure is the
// caller's choice, e.g. in tests).
func New(provider agent.LLMProvider, executor *agent.Executor, toolCache *cache.ToolCache, locker sessions.Locker, guard agent.ToolResultGuard, logger *observability.Logger, cfg Config) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}
	if cfg.Greetings == nil {
		cfg.Greetings = DefaultGreetings()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Orchestrator{
		provider:  provider,
		executor:  executor,
		toolCache: toolCache,
		locker:    locker,
		guard:     guard,
		logger:    logger,
		cfg:       cfg,
		greetings: cfg.Greetings,
	}
}

// RunTurn executes the INPUT/FAST_PATH/REASON/ACT/FORMAT/ERROR/DONE state
// machine for a single turn and returns the resulting TurnState. RunTurn
// itself never returns a non-nil error for turn-level failures — those are
// recorded on the returned TurnState via Fail — it only errors for
// caller-level misuse (empty SessionID) or session-lock acquisition
// failure.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest, emit EventSink) (*models.TurnState, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, conversaerr.New(conversaerr.KindInputInvalid, "session id required")
	}
	if emit == nil {
		emit = func(Event) {}
	}

	state := models.NewTurnState(req.SessionID, req.TurnID)
	seq := 0
	emitSeq := func(ev Event) {
		ev.SessionID = req.SessionID
		ev.TurnID = req.TurnID
		ev.Seq = seq
		seq++
		emit(ev)
	}

	if o.locker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, o.cfg.LockTimeout)
		defer cancel()
		if err := o.locker.Lock(lockCtx, req.SessionID); err != nil {
			cerr := conversaerr.Wrap(conversaerr.KindTimeout, err, "could not acquire session lock")
			state.Fail(cerr)
			o.logger.Warn(ctx, "turn failed to acquire session lock", "session_id", req.SessionID, "turn_id", req.TurnID, "error", err)
			emitSeq(Event{Kind: EventError, Err: cerr})
			return state, nil
		}
		defer o.locker.Unlock(req.SessionID)
	}

	emitSeq(Event{Kind: EventStart})

	if reply, ok := o.matchFastPath(req.UserText); ok {
		state.Advance(models.TurnPhaseFastPath)
		state.Response = reply
		emitSeq(Event{Kind: EventTextDelta, Text: reply})
		state.Advance(models.TurnPhaseFormat)
		state.Advance(models.TurnPhaseDone)
		emitSeq(Event{Kind: EventEnd})
		return state, nil
	}

	state.Advance(models.TurnPhaseReason)
	messages := append(append([]agent.CompletionMessage{}, req.History...), agent.CompletionMessage{
		Role:    "user",
		Content: req.UserText,
	})

	window := conv.NewWindow(o.cfg.ContextWindowTokens, "config")
	truncator := conv.NewTruncator(conv.TruncateOldest, window.Remaining())

	for {
		if ctx.Err() != nil {
			cerr := conversaerr.Wrap(conversaerr.KindCancelled, ctx.Err(), "turn cancelled")
			state.Fail(cerr)
			emitSeq(Event{Kind: EventError, Err: cerr})
			return state, nil
		}

		if state.Iteration >= o.cfg.MaxIterations {
			cerr := conversaerr.New(conversaerr.KindTimeout, fmt.Sprintf("exceeded max_tool_iterations (%d)", o.cfg.MaxIterations))
			state.Fail(cerr)
			emitSeq(Event{Kind: EventError, Err: cerr})
			return state, nil
		}

		messages = truncateMessages(truncator, messages)

		model := req.Model
		if model == "" {
			model = o.cfg.Model
		}

		chunks, err := o.provider.Complete(ctx, &agent.CompletionRequest{
			Model:     model,
			System:    req.SystemPrompt,
			Messages:  messages,
			MaxTokens: o.cfg.MaxTokens,
		})
		if err != nil {
			cerr := conversaerr.Wrap(conversaerr.KindExternalUnavailable, err, "provider completion failed")
			state.Fail(cerr)
			o.logger.Error(ctx, "provider completion failed", "session_id", req.SessionID, "turn_id", req.TurnID, "error", err)
			emitSeq(Event{Kind: EventError, Err: cerr})
			return state, nil
		}

		var turnText strings.Builder
		var pendingCalls []models.ToolCall
		var streamErr error

		for chunk := range chunks {
			if chunk.Error != nil {
				streamErr = chunk.Error
				break
			}
			if chunk.Text != "" {
				turnText.WriteString(chunk.Text)
				emitSeq(Event{Kind: EventTextDelta, Text: chunk.Text})
			}
			if chunk.ToolCall != nil {
				pendingCalls = append(pendingCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				break
			}
		}

		if streamErr != nil {
			cerr := conversaerr.Wrap(conversaerr.KindExternalUnavailable, streamErr, "provider stream failed")
			state.Fail(cerr)
			o.logger.Error(ctx, "provider stream failed", "session_id", req.SessionID, "turn_id", req.TurnID, "error", streamErr)
			emitSeq(Event{Kind: EventError, Err: cerr})
			return state, nil
		}

		state.Response += turnText.String()
		messages = append(messages, agent.CompletionMessage{
			Role:      "assistant",
			Content:   turnText.String(),
			ToolCalls: pendingCalls,
		})

		if len(pendingCalls) == 0 {
			state.Advance(models.TurnPhaseFormat)
			state.Advance(models.TurnPhaseDone)
			emitSeq(Event{Kind: EventEnd})
			return state, nil
		}

		state.PendingToolCalls = pendingCalls
		state.Advance(models.TurnPhaseAct)

		results := o.runToolCalls(ctx, pendingCalls, emitSeq)
		state.ToolResults = append(state.ToolResults, results...)
		state.PendingToolCalls = nil
		state.Iteration++

		messages = append(messages, agent.CompletionMessage{
			Role:        "tool",
			ToolResults: results,
		})

		state.Advance(models.TurnPhaseReason)
	}
}

// matchFastPath reports whether text matches a configured canned-reply
// greeting, after normalizing case and surrounding whitespace/punctuation.
func (o *Orchestrator) matchFastPath(text string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, "!.? ")
	if normalized == "" {
		return "", false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	reply, ok := o.greetings[normalized]
	return reply, ok
}

// runToolCalls executes calls via the cache (when enabled and the tool is
// cacheable) or the executor, applying the result guard and emitting
// tool.start/tool.end events for each call, in call order.
func (o *Orchestrator) runToolCalls(ctx context.Context, calls []models.ToolCall, emit func(Event)) []models.ToolResult {
	for _, call := range calls {
		emit(Event{Kind: EventToolStart, ToolCallID: call.ID, ToolName: call.Name})
	}

	var uncached []models.ToolCall
	cachedResults := make(map[string]models.ToolResult)

	if o.toolCache != nil && o.cfg.ToolCacheEnabled {
		for _, call := range calls {
			if agent.MatchesNonCacheable(o.cfg.NonCacheableTools, call.Name) {
				uncached = append(uncached, call)
				continue
			}
			fp := cache.Fingerprint(call.Name, call.Input)
			if res, ok := o.toolCache.Get(fp, o.cfg.ToolCacheTTL); ok {
				cachedResults[call.ID] = res
				continue
			}
			uncached = append(uncached, call)
		}
	} else {
		uncached = calls
	}

	execResults := o.executor.ExecuteAll(ctx, uncached)
	toolResults := agent.ResultsToMessages(execResults)
	toolResults = guardResults(o.guard, uncached, toolResults)

	if o.toolCache != nil && o.cfg.ToolCacheEnabled {
		for i, call := range uncached {
			if i >= len(toolResults) {
				break
			}
			if agent.MatchesNonCacheable(o.cfg.NonCacheableTools, call.Name) {
				continue
			}
			fp := cache.Fingerprint(call.Name, call.Input)
			o.toolCache.Put(fp, toolResults[i])
		}
	}

	byID := make(map[string]models.ToolResult, len(toolResults))
	for i, call := range uncached {
		if i < len(toolResults) {
			byID[call.ID] = toolResults[i]
		}
	}
	for id, res := range cachedResults {
		byID[id] = models.ToolResult{ToolCallID: id, Content: res.Content, IsError: res.IsError}
	}

	ordered := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		res, ok := byID[call.ID]
		if !ok {
			res = models.ToolResult{ToolCallID: call.ID, Content: "tool did not produce a result", IsError: true}
		}
		res.ToolCallID = call.ID
		ordered = append(ordered, res)
		_, fromCache := cachedResults[call.ID]
		emit(Event{Kind: EventToolEnd, ToolCallID: call.ID, ToolName: call.Name, Cached: fromCache})
	}
	return ordered
}

func guardResults(guard agent.ToolResultGuard, calls []models.ToolCall, results []models.ToolResult) []models.ToolResult {
	return agent.GuardToolResults(guard, calls, results)
}

func truncateMessages(truncator *conv.Truncator, messages []agent.CompletionMessage) []agent.CompletionMessage {
	converted := make([]conv.Message, len(messages))
	for i, m := range messages {
		converted[i] = conv.Message{
			Role:     m.Role,
			Content:  m.Content,
			IsSystem: m.Role == "system",
		}
	}
	kept, _ := truncator.Truncate(converted)
	if len(kept) == len(messages) {
		return messages
	}

	keptSet := make(map[int]bool, len(kept))
	ki := 0
	for i := range messages {
		if ki < len(kept) && converted[i].Content == kept[ki].Content && converted[i].Role == kept[ki].Role {
			keptSet[i] = true
			ki++
		}
	}

	out := make([]agent.CompletionMessage, 0, len(kept))
	for i, m := range messages {
		if keptSet[i] {
			out = append(out, m)
		}
	}
	return out
}

// AsJSON re-exports agent.AsJSON for callers building tool call inputs
// outside the agent package (gateway/conversation handlers).
func AsJSON(v any) json.RawMessage {
	return agent.AsJSON(v)
}
