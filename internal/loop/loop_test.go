package loop

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wardenhq/warden/internal/agentdef"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/observability"
	"github.com/wardenhq/warden/internal/providers"
	"github.com/wardenhq/warden/internal/retry"
	"github.com/wardenhq/warden/internal/sessions"
	"github.com/wardenhq/warden/internal/tools"
	"github.com/wardenhq/warden/pkg/models"
)

// scriptedLLM replays canned responses; the last one repeats.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []providers.ChatResponse
	requests  []providers.ChatRequest
	calls     int
}

func (s *scriptedLLM) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.requests = append(s.requests, req)
	idx := s.calls - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

func textResponse(content string) providers.ChatResponse {
	return providers.ChatResponse{
		Content: content,
		Usage:   &models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func toolResponse(id, name, args string) providers.ChatResponse {
	return providers.ChatResponse{
		ToolCalls: []models.ToolCall{{ID: id, Name: name, Arguments: json.RawMessage(args)}},
		Usage:     &models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

type fixture struct {
	runner    *Runner
	agentPath string
	llm       *scriptedLLM
	locker    *sessions.Locker
	store     *sessions.Store
	memory    *memory.Store
	manager   *retry.Manager
	metrics   *observability.Metrics
	bus       *events.Bus
}

func newFixture(t *testing.T, config Config, llm *scriptedLLM, registry *tools.Registry) *fixture {
	t.Helper()

	agentPath := t.TempDir()
	def := &agentdef.Definition{
		ID:           "researcher",
		Name:         "Researcher",
		Type:         agentdef.TypeProject,
		Scope:        "projects/research",
		Instructions: "You are a research assistant.",
		Sections: map[string]string{
			"identity":   "A careful research agent.",
			"guidelines": "Cite sources.",
		},
	}
	if err := agentdef.Save(agentPath, def); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	bus := events.NewBus(events.Config{}, nil)
	store := sessions.NewStore(nil, nil)
	locker := sessions.NewLocker()

	manager := retry.NewManager(retry.ManagerConfig{
		Retry: retry.Linear(2, time.Millisecond),
	}, bus, nil, nil)

	var toolSource ToolSource
	if registry != nil {
		toolSource = registry
	}
	memStore := memory.NewStore(memory.Limits{})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	runner, err := NewRunner(config, Deps{
		Sessions: store,
		Locker:   locker,
		Memory:   memStore,
		LLM:      llm,
		Tools:    toolSource,
		Retries:  manager,
		Bus:      bus,
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return &fixture{
		runner:    runner,
		agentPath: agentPath,
		llm:       llm,
		locker:    locker,
		store:     store,
		memory:    memStore,
		manager:   manager,
		metrics:   metrics,
		bus:       bus,
	}
}

func TestRunPlainTurn(t *testing.T) {
	llm := &scriptedLLM{responses: []providers.ChatResponse{textResponse("hello there")}}
	fx := newFixture(t, Config{}, llm, nil)

	result := fx.runner.Run(context.Background(), Input{
		Message:   "hi",
		AgentPath: fx.agentPath,
	})

	if !result.Success {
		t.Fatalf("turn failed: %v (errors %v)", result.Err, result.Persist.Errors)
	}
	if result.Response != "hello there" {
		t.Errorf("response: %q", result.Response)
	}
	if result.Usage.TotalTokens != 15 {
		t.Errorf("usage: %+v", result.Usage)
	}
	if !result.Persist.IsSuccess() {
		t.Errorf("persist not clean: %+v", result.Persist)
	}

	transcript, err := fx.store.ReadTranscript(fx.agentPath, result.SessionID)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if len(transcript) != 2 {
		t.Fatalf("expected 2 transcript messages, got %d", len(transcript))
	}
	if transcript[0].Role != models.RoleUser || transcript[0].Content != "hi" {
		t.Errorf("user turn: %+v", transcript[0])
	}
	if transcript[1].Role != models.RoleAssistant || transcript[1].Content != "hello there" {
		t.Errorf("assistant turn: %+v", transcript[1])
	}
	if transcript[1].Metadata == nil || transcript[1].Metadata.Usage == nil {
		t.Error("final turn missing usage metadata")
	}

	session, err := fx.store.GetSession(fx.agentPath, result.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.MessageCount != 2 {
		t.Errorf("messageCount: %d", session.MessageCount)
	}
	if holder := fx.locker.Holder(result.SessionID); holder != nil {
		t.Errorf("lock still held by %s", holder.RunID)
	}
}

func TestRunWithToolCalls(t *testing.T) {
	registry := tools.NewRegistry(nil)
	registry.Register(tools.Definition{
		Name:        "lookup",
		Description: "looks things up",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(_ context.Context, args json.RawMessage, scope string) (any, error) {
		if scope != "projects/research" {
			t.Errorf("scope not forwarded: %q", scope)
		}
		return map[string]string{"answer": "42"}, nil
	})

	llm := &scriptedLLM{responses: []providers.ChatResponse{
		toolResponse("call-1", "lookup", `{"q":"meaning"}`),
		textResponse("the answer is 42"),
	}}
	fx := newFixture(t, Config{}, llm, registry)

	result := fx.runner.Run(context.Background(), Input{
		Message:   "what is the answer?",
		AgentPath: fx.agentPath,
	})

	if !result.Success {
		t.Fatalf("turn failed: %v", result.Err)
	}
	if result.Response != "the answer is 42" {
		t.Errorf("response: %q", result.Response)
	}
	if len(result.Execute.ToolCalls) != 1 || len(result.Execute.ToolResults) != 1 {
		t.Fatalf("tool accounting: %d calls, %d results",
			len(result.Execute.ToolCalls), len(result.Execute.ToolResults))
	}
	if result.Usage.TotalTokens != 30 {
		t.Errorf("usage not accumulated: %+v", result.Usage)
	}

	transcript, err := fx.store.ReadTranscript(fx.agentPath, result.SessionID)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	// user, assistant with toolCalls, system tool result, final assistant
	if len(transcript) != 4 {
		t.Fatalf("expected 4 transcript messages, got %d", len(transcript))
	}
	withCalls := transcript[1]
	if withCalls.Role != models.RoleAssistant || withCalls.Metadata == nil ||
		len(withCalls.Metadata.ToolCalls) != 1 {
		t.Errorf("tool-call turn: %+v", withCalls)
	}
	toolTurn := transcript[2]
	if toolTurn.Role != models.RoleSystem || toolTurn.Metadata == nil ||
		!toolTurn.Metadata.ToolResult {
		t.Fatalf("tool-result turn: %+v", toolTurn)
	}
	if toolTurn.Metadata.ToolCallID != "call-1" || toolTurn.Metadata.ToolName != "lookup" {
		t.Errorf("tool-result metadata: %+v", toolTurn.Metadata)
	}
	if !strings.Contains(toolTurn.Content, `"answer":"42"`) {
		t.Errorf("tool-result content not JSON: %q", toolTurn.Content)
	}

	// Second model call must have seen the tool result.
	if llm.calls != 2 {
		t.Fatalf("llm calls: %d", llm.calls)
	}
	second := llm.requests[1]
	found := false
	for _, msg := range second.Messages {
		if msg.ToolCallID == "call-1" {
			found = true
		}
	}
	if !found {
		t.Error("tool result not fed back to the model")
	}
}

func TestRunMaxToolIterations(t *testing.T) {
	registry := tools.NewRegistry(nil)
	registry.Register(tools.Definition{Name: "noop", InputSchema: json.RawMessage(`{}`)},
		func(context.Context, json.RawMessage, string) (any, error) { return "ok", nil })

	llm := &scriptedLLM{responses: []providers.ChatResponse{
		toolResponse("call-x", "noop", `{}`),
	}}
	fx := newFixture(t, Config{MaxToolIterations: 3}, llm, registry)

	var mu sync.Mutex
	var errorEvents []models.Event
	fx.bus.Subscribe(models.EventLoopError, func(event models.Event) {
		mu.Lock()
		errorEvents = append(errorEvents, event)
		mu.Unlock()
	})

	result := fx.runner.Run(context.Background(), Input{
		Message:   "loop forever",
		AgentPath: fx.agentPath,
	})

	if result.Response != MaxIterationsResponse {
		t.Errorf("response: %q", result.Response)
	}
	if llm.calls != 3 {
		t.Errorf("llm calls: %d", llm.calls)
	}

	// Hitting the cap fails the turn, but the transcript is persisted and
	// the lock released.
	if result.Success {
		t.Error("iteration cap reported success")
	}
	if !models.HasCode(result.Err, models.CodeMaxIterations) {
		t.Errorf("expected MAX_ITERATIONS, got %v", result.Err)
	}
	mu.Lock()
	if len(errorEvents) != 1 || errorEvents[0].Error.Stage != "execute" {
		t.Errorf("loop:error events: %+v", errorEvents)
	}
	mu.Unlock()

	transcript, err := fx.store.ReadTranscript(fx.agentPath, result.SessionID)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if len(transcript) == 0 || transcript[len(transcript)-1].Content != MaxIterationsResponse {
		t.Errorf("final transcript turn: %+v", transcript)
	}
	if holder := fx.locker.Holder(result.SessionID); holder != nil {
		t.Error("lock not released after iteration cap")
	}
}

func TestRunLockConflict(t *testing.T) {
	llm := &scriptedLLM{responses: []providers.ChatResponse{textResponse("ok")}}
	fx := newFixture(t, Config{}, llm, nil)

	session, err := fx.store.CreateSession(fx.agentPath, "researcher")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := fx.locker.Acquire(session.ID, "other-run", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	result := fx.runner.Run(context.Background(), Input{
		Message:   "hi",
		AgentPath: fx.agentPath,
		SessionID: session.ID,
	})

	if result.Success {
		t.Fatal("expected lock conflict")
	}
	if !models.HasCode(result.Err, models.CodeLockHeld) {
		t.Errorf("expected LOCK_HELD, got %v", result.Err)
	}
	if llm.calls != 0 {
		t.Errorf("llm called despite lock conflict: %d", llm.calls)
	}

	// After the holder releases, a retry succeeds.
	fx.locker.Release(session.ID, "other-run")
	retryResult := fx.runner.Run(context.Background(), Input{
		Message:   "hi again",
		AgentPath: fx.agentPath,
		SessionID: session.ID,
	})
	if !retryResult.Success {
		t.Errorf("retry after release failed: %v", retryResult.Err)
	}
}

func TestRunAborted(t *testing.T) {
	llm := &scriptedLLM{responses: []providers.ChatResponse{textResponse("never")}}
	fx := newFixture(t, Config{}, llm, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := fx.runner.Run(ctx, Input{Message: "hi", AgentPath: fx.agentPath})

	if !result.Aborted {
		t.Fatal("expected aborted turn")
	}
	if result.Response != AbortedResponse {
		t.Errorf("response: %q", result.Response)
	}
	if result.Success {
		t.Error("aborted turn reported success")
	}
	if !result.Persist.LockReleased {
		t.Error("lock not released after abort")
	}

	// The partial transcript is still durable.
	transcript, err := fx.store.ReadTranscript(fx.agentPath, result.SessionID)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if len(transcript) != 2 {
		t.Errorf("expected user + aborted turns, got %d", len(transcript))
	}
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	llm := &scriptedLLM{responses: []providers.ChatResponse{textResponse("done")}}
	fx := newFixture(t, Config{}, llm, nil)

	var mu sync.Mutex
	var seen []models.Event
	fx.bus.SubscribeAll(func(event models.Event) {
		mu.Lock()
		seen = append(seen, event)
		mu.Unlock()
	})

	result := fx.runner.Run(context.Background(), Input{
		Message:   "hi",
		AgentPath: fx.agentPath,
	})
	if !result.Success {
		t.Fatalf("turn failed: %v", result.Err)
	}

	want := []models.EventType{
		models.EventLoopStart,
		models.EventLoopContext,
		models.EventLLMStart,
		models.EventLLMEnd,
		models.EventLoopExecute,
		models.EventLoopPersist,
		models.EventLoopEnd,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("event sequence: %v", seen)
	}
	for i, typ := range want {
		if seen[i].Type != typ {
			t.Errorf("event %d: got %s, want %s", i, seen[i].Type, typ)
		}
	}

	end := seen[len(seen)-1]
	if end.Loop == nil || !end.Loop.Success {
		t.Errorf("loop:end payload: %+v", end.Loop)
	}
	if end.Loop.Usage == nil || end.Loop.Usage.TotalTokens != 15 {
		t.Errorf("loop:end usage: %+v", end.Loop.Usage)
	}
}

func TestRunEmitsMemoryEvents(t *testing.T) {
	llm := &scriptedLLM{responses: []providers.ChatResponse{textResponse("noted")}}
	fx := newFixture(t, Config{}, llm, nil)

	if _, err := fx.memory.WriteSection(fx.agentPath, "Working Memory", "seed",
		memory.WriteOptions{CreateIfMissing: true, EnforceLimits: true}); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	var mu sync.Mutex
	byType := map[models.EventType][]models.Event{}
	fx.bus.SubscribeAll(func(event models.Event) {
		mu.Lock()
		byType[event.Type] = append(byType[event.Type], event)
		mu.Unlock()
	})

	result := fx.runner.Run(context.Background(), Input{
		Message:     "remember this",
		AgentPath:   fx.agentPath,
		FlushMemory: true,
	})
	if !result.Success {
		t.Fatalf("turn failed: %v", result.Err)
	}

	mu.Lock()
	defer mu.Unlock()

	reads := byType[models.EventMemoryRead]
	if len(reads) != 1 {
		t.Fatalf("memory:read events: %d", len(reads))
	}
	read := reads[0].Memory
	if !read.Success || read.SectionCount == 0 || read.TotalSize == 0 ||
		!strings.HasSuffix(read.MemoryPath, memory.MemoryFile) {
		t.Errorf("memory:read payload: %+v", read)
	}

	writes := byType[models.EventMemoryWrite]
	if len(writes) != 1 {
		t.Fatalf("memory:write events: %d", len(writes))
	}
	write := writes[0].Memory
	if !write.Success || write.Section != "Working Memory" {
		t.Errorf("memory:write payload: %+v", write)
	}

	flushes := byType[models.EventMemoryFlush]
	if len(flushes) != 1 || flushes[0].Memory.Reason != "manual" {
		t.Errorf("memory:flush events: %+v", flushes)
	}

	// The flush ran under the retry manager and updated the size gauge.
	found := false
	for _, op := range fx.manager.CompletedOperations() {
		if op.Name == "memory-flush" && op.Succeeded {
			found = true
		}
	}
	if !found {
		t.Error("memory flush did not go through the retry manager")
	}
	if size := testutil.ToFloat64(fx.metrics.MemorySize.WithLabelValues("researcher")); size == 0 {
		t.Error("memory size gauge not updated")
	}
}

func TestPersistReportsLockRelease(t *testing.T) {
	llm := &scriptedLLM{responses: []providers.ChatResponse{textResponse("ok")}}
	fx := newFixture(t, Config{}, llm, nil)

	input := Input{Message: "hi", AgentPath: fx.agentPath}
	intake := fx.runner.intake(input)
	if intake.failed() {
		t.Fatalf("intake: %v", intake.Errors)
	}

	out := fx.runner.persist(intake, ExecuteOutput{Response: "ok"}, input, false, nil)

	// The release happens in a deferred step; the returned report must
	// still carry it.
	if !out.LockReleased {
		t.Errorf("release not reported: %+v", out)
	}
	if !out.IsSuccess() {
		t.Errorf("persist not clean: %+v", out)
	}
	if holder := fx.locker.Holder(intake.SessionID); holder != nil {
		t.Errorf("lock still held by %s", holder.RunID)
	}

	// The metadata patch also went through the retry manager.
	found := false
	for _, op := range fx.manager.CompletedOperations() {
		if op.Name == "session-update" && op.Succeeded {
			found = true
		}
	}
	if !found {
		t.Error("session update did not go through the retry manager")
	}
}

func TestPersistRejectsOversizedMemoryWrite(t *testing.T) {
	llm := &scriptedLLM{responses: []providers.ChatResponse{textResponse("ok")}}
	fx := newFixture(t, Config{}, llm, nil)

	var mu sync.Mutex
	var writes []models.Event
	fx.bus.Subscribe(models.EventMemoryWrite, func(event models.Event) {
		mu.Lock()
		writes = append(writes, event)
		mu.Unlock()
	})

	input := Input{Message: "hi", AgentPath: fx.agentPath}
	intake := fx.runner.intake(input)
	if intake.failed() {
		t.Fatalf("intake: %v", intake.Errors)
	}

	// Six near-section-limit writes push the document past the total
	// budget; the last one is rejected.
	var oversized []memory.Update
	for _, title := range []string{"One", "Two", "Three", "Four", "Five", "Six"} {
		oversized = append(oversized, memory.Update{
			Section: title,
			Content: strings.Repeat("x", 9_900),
		})
	}
	out := fx.runner.persist(intake, ExecuteOutput{Response: "ok"}, input, true, oversized)

	if out.MemoryUpdated {
		t.Error("oversized write reported as applied")
	}
	overLimit := false
	for _, err := range out.Errors {
		if models.HasCode(err, models.CodeMemoryOverLimit) {
			overLimit = true
		}
	}
	if !overLimit {
		t.Errorf("expected MEMORY_OVER_LIMIT, got %v", out.Errors)
	}
	// Rejection is not a lost transcript; the turn is still recoverable.
	if out.HasCriticalFailures() {
		t.Errorf("rejection marked critical: %+v", out)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(writes) != 6 {
		t.Fatalf("memory:write events: %d", len(writes))
	}
	rejected := writes[5].Memory
	if rejected.Success || rejected.Section != "Six" || rejected.SizeLimit == 0 {
		t.Errorf("rejection payload: %+v", rejected)
	}
	if accepted := writes[0].Memory; !accepted.Success {
		t.Errorf("accepted payload: %+v", accepted)
	}
}

func TestPruneToolResults(t *testing.T) {
	var history []models.Message
	for i := 0; i < 8; i++ {
		history = append(history,
			models.Message{
				Role:     models.RoleAssistant,
				Content:  "calling a tool",
				Metadata: &models.MessageMetadata{ToolCalls: []models.ToolCall{{ID: "c", Name: "t"}}},
			},
			models.Message{
				Role:     models.RoleSystem,
				Content:  strings.Repeat("x", 50),
				Metadata: &models.MessageMetadata{ToolResult: true, ToolCallID: "c"},
			},
		)
	}

	pruned := pruneToolResults(history, 5)

	var kept, replaced int
	for _, msg := range pruned {
		if msg.Metadata == nil || !msg.Metadata.ToolResult {
			if msg.Content != "calling a tool" {
				t.Errorf("tool-call message modified: %+v", msg)
			}
			continue
		}
		if msg.Metadata.Pruned {
			replaced++
			if msg.Content != PrunedPlaceholder {
				t.Errorf("pruned content: %q", msg.Content)
			}
			if msg.Metadata.OriginalLength != 50 {
				t.Errorf("originalLength: %d", msg.Metadata.OriginalLength)
			}
		} else {
			kept++
		}
	}
	if kept != 5 || replaced != 3 {
		t.Errorf("kept %d, replaced %d", kept, replaced)
	}

	// The original view is untouched.
	for _, msg := range history {
		if msg.Metadata != nil && msg.Metadata.Pruned {
			t.Fatal("pruning mutated the source history")
		}
	}
}

func TestContextThresholds(t *testing.T) {
	llm := &scriptedLLM{responses: []providers.ChatResponse{textResponse("ok")}}
	fx := newFixture(t, Config{
		ContextWindow:      100_000,
		ReserveTokens:      4_000,
		MaxHistoryMessages: 300,
	}, llm, nil)

	session, err := fx.store.CreateSession(fx.agentPath, "researcher")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	// 200 messages of ~450 tokens each estimate to ~90k, past 0.85 of the
	// usable 96k window.
	body := strings.Repeat("w", 1784)
	for i := 0; i < 200; i++ {
		if _, err := fx.store.AppendToTranscript(fx.agentPath, session.ID, models.Message{
			Role:    models.RoleUser,
			Content: body,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	intake := fx.runner.intake(Input{Message: "hi", AgentPath: fx.agentPath, SessionID: session.ID})
	if intake.failed() {
		t.Fatalf("intake: %v", intake.Errors)
	}
	defer fx.locker.Release(session.ID, intake.RunID)

	out := fx.runner.buildContext(intake, Input{Message: "hi"})
	if !out.NeedsCompaction || !out.NeedsFlush {
		t.Errorf("thresholds not tripped: estimate %d, flush %v, compact %v",
			out.TokenEstimate, out.NeedsFlush, out.NeedsCompaction)
	}
	if out.RequiresAction() != ActionCompact {
		t.Errorf("action: %s", out.RequiresAction())
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	def := &agentdef.Definition{
		ID:           "researcher",
		Scope:        "projects/research",
		Instructions: "Base instructions.",
		Sections: map[string]string{
			"identity": "Careful researcher.",
			"unused":   "never rendered",
		},
	}
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	prompt := buildSystemPrompt(def, "### Current State\nidle", now)

	for _, want := range []string{
		"Base instructions.",
		"## Identity\nCareful researcher.",
		"## Scope\nYou operate within: projects/research",
		"Date: 2026-03-14",
		"## Working Memory",
		"idle",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "never rendered") {
		t.Error("unnamed section leaked into the prompt")
	}
}

func TestToolResultContent(t *testing.T) {
	ok := toolResultContent(models.ToolResult{Result: map[string]int{"n": 3}})
	if ok != `{"n":3}` {
		t.Errorf("success content: %q", ok)
	}
	bad := toolResultContent(models.ToolResult{Error: "boom"})
	if bad != "Error: boom" {
		t.Errorf("error content: %q", bad)
	}
}
