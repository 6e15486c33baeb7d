package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/martinemde/stride/convo"
	"github.com/martinemde/stride/llm"
	"github.com/martinemde/stride/toolkit"
	"github.com/martinemde/stride/wire"
)

// stubProvider replays scripted turns; past the end it repeats the last.
type stubProvider struct {
	mu    sync.Mutex
	calls int
	turns []func(llm.Request) (*llm.Response, error)
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i >= len(s.turns) {
		i = len(s.turns) - 1
	}
	return s.turns[i](req)
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func textTurn(text string, usage llm.Usage) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Message: llm.AssistantMessage(text), Usage: usage}, nil
	}
}

func toolCallTurn(id, name string, args string) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{
			Message: llm.Message{
				Role:    llm.RoleAssistant,
				Content: []llm.ContentPart{llm.ToolCallPart(id, name, json.RawMessage(args))},
			},
		}, nil
	}
}

type stubSummarizer struct {
	summary []llm.Message
	tokens  int
}

func (s *stubSummarizer) Summarize(context.Context, []llm.Message) ([]llm.Message, int, error) {
	return s.summary, s.tokens, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Model = "test-model"
	cfg.Retry.BaseDelay = 0.001
	cfg.Retry.MaxDelay = 0.005
	return cfg
}

func newTestEngine(t *testing.T, provider llm.Provider, registry *toolkit.Registry, cfg Config, opts ...Option) *Engine {
	t.Helper()
	conv, err := convo.Open(filepath.Join(t.TempDir(), "session.jsonl"))
	if err != nil {
		t.Fatalf("open conversation: %v", err)
	}
	t.Cleanup(func() { conv.Close() })
	opts = append(opts, WithSummarizer(&stubSummarizer{
		summary: []llm.Message{llm.SystemMessage("summary")},
		tokens:  10,
	}))
	return New(provider, registry, toolkit.NewGate(), conv, cfg, opts...)
}

func runOnWire(t *testing.T, e *Engine, input string) (*RunResult, []wire.Message, error) {
	t.Helper()
	w := wire.New()
	res, err := e.Run(wire.With(context.Background(), w), input)
	w.Shutdown()
	var events []wire.Message
	for {
		msg, ok := w.Receive()
		if !ok {
			return res, events, err
		}
		events = append(events, msg)
	}
}

func eventsOfKind(events []wire.Message, kind wire.Kind) []wire.Message {
	var out []wire.Message
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunSingleToolStep(t *testing.T) {
	registry := toolkit.NewRegistry()
	registry.Register(toolkit.Tool{
		Definition: llm.ToolDefinition{Name: "probe"},
		Execute: func(context.Context, json.RawMessage) (string, error) {
			return "probe ok", nil
		},
	})
	provider := &stubProvider{turns: []func(llm.Request) (*llm.Response, error){
		toolCallTurn("c1", "probe", `{}`),
		textTurn("done", llm.Usage{}),
	}}
	e := newTestEngine(t, provider, registry, testConfig())

	res, events, err := runOnWire(t, e, "do the thing")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusFinished || res.Output != "done" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Steps != 2 {
		t.Errorf("expected 2 steps, got %d", res.Steps)
	}

	begins := eventsOfKind(events, wire.KindStepBegin)
	if len(begins) != 2 || begins[0].Step != 1 || begins[1].Step != 2 {
		t.Errorf("unexpected step_begin events: %+v", begins)
	}
	callBegins := eventsOfKind(events, wire.KindToolCallBegin)
	if len(callBegins) != 1 || callBegins[0].ToolCallID != "c1" || callBegins[0].ToolName != "probe" {
		t.Errorf("unexpected tool_call_begin events: %+v", callBegins)
	}
	results := eventsOfKind(events, wire.KindToolResult)
	if len(results) != 1 || !results[0].Result.OK || results[0].Result.Content != "probe ok" {
		t.Errorf("unexpected tool_result events: %+v", results)
	}
}

func TestRunRecordsCheckpointPerStep(t *testing.T) {
	provider := &stubProvider{turns: []func(llm.Request) (*llm.Response, error){
		textTurn("hi", llm.Usage{}),
	}}
	e := newTestEngine(t, provider, toolkit.NewRegistry(), testConfig())

	if _, err := e.Run(context.Background(), "hello"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := e.Conversation().Checkpoints(); got != 1 {
		t.Errorf("expected 1 checkpoint, got %d", got)
	}
}

func TestRunTimeTravel(t *testing.T) {
	registry := toolkit.NewRegistry()
	registry.Register(toolkit.RewindTool())
	provider := &stubProvider{turns: []func(llm.Request) (*llm.Response, error){
		toolCallTurn("c1", toolkit.RewindToolName, `{"checkpoint":0,"message":"restart"}`),
		textTurn("done", llm.Usage{}),
	}}
	e := newTestEngine(t, provider, registry, testConfig())

	res, events, err := runOnWire(t, e, "start")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusFinished {
		t.Fatalf("unexpected status: %+v", res)
	}
	if res.Steps != 1 {
		t.Errorf("rewound step should not advance the counter, got %d steps", res.Steps)
	}

	begins := eventsOfKind(events, wire.KindStepBegin)
	if len(begins) != 2 || begins[0].Step != 1 || begins[1].Step != 1 {
		t.Errorf("expected step 1 to repeat, got %+v", begins)
	}

	// The rewound state is the checkpoint-0 log plus the corrective
	// message; the repeated step then adds its own marker and the reply.
	msgs := e.Conversation().Messages()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[1].TextContent() != "[checkpoint 0]" {
		t.Errorf("checkpoint marker lost across rewind: %q", msgs[1].TextContent())
	}
	if msgs[2].Role != llm.RoleUser || msgs[2].TextContent() != "restart" {
		t.Errorf("corrective message missing: %+v", msgs[2])
	}
	if got := e.Conversation().Checkpoints(); got != 3 {
		t.Errorf("expected 3 checkpoints issued, got %d", got)
	}
}

func TestRunCompactsWhenOverBudget(t *testing.T) {
	registry := toolkit.NewRegistry()
	registry.Register(toolkit.Tool{
		Definition: llm.ToolDefinition{Name: "probe"},
		Execute: func(context.Context, json.RawMessage) (string, error) {
			return "ok", nil
		},
	})
	// The first turn reports usage far over budget, so step 2 compacts
	// before calling the model.
	overBudgetTurn := func(llm.Request) (*llm.Response, error) {
		return &llm.Response{
			Message: llm.Message{
				Role:    llm.RoleAssistant,
				Content: []llm.ContentPart{llm.ToolCallPart("c1", "probe", json.RawMessage(`{}`))},
			},
			Usage: llm.Usage{TotalTokens: 5000},
		}, nil
	}
	provider := &stubProvider{turns: []func(llm.Request) (*llm.Response, error){
		overBudgetTurn,
		textTurn("done", llm.Usage{TotalTokens: 50}),
	}}

	cfg := testConfig()
	cfg.ModelBudget = 1000
	cfg.ReservedMargin = 100
	e := newTestEngine(t, provider, registry, cfg)

	res, events, err := runOnWire(t, e, "go")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusFinished {
		t.Fatalf("unexpected status: %+v", res)
	}

	var sawBegin, sawEnd bool
	for i, ev := range events {
		if ev.Kind == wire.KindCompactionBegin {
			sawBegin = true
			if i+1 >= len(events) || events[i+1].Kind != wire.KindCompactionEnd {
				t.Errorf("compaction_begin not immediately followed by compaction_end")
			}
		}
		if ev.Kind == wire.KindCompactionEnd {
			sawEnd = true
		}
	}
	if !sawBegin || !sawEnd {
		t.Fatal("compaction events missing")
	}

	if got := e.Conversation().TokenCount(); got >= 1000 {
		t.Errorf("token count did not drop after compaction: %d", got)
	}
	msgs := e.Conversation().Messages()
	if len(msgs) == 0 || msgs[0].TextContent() != "summary" {
		t.Errorf("conversation not replaced by summary: %+v", msgs)
	}
}

func TestRunRetriesUpToLimit(t *testing.T) {
	provider := &stubProvider{turns: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			return nil, &llm.ServerError{ProviderError: llm.ProviderError{
				BaseError:  llm.Error{Message: "overloaded"},
				StatusCode: 500,
				Retryable:  true,
			}}
		},
	}}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3
	e := newTestEngine(t, provider, toolkit.NewRegistry(), cfg)

	res, err := e.Run(context.Background(), "go")
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if res.Status != StatusFailed {
		t.Errorf("unexpected status: %+v", res)
	}
	if got := provider.callCount(); got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}
}

func TestRunFatalErrorNoRetry(t *testing.T) {
	provider := &stubProvider{turns: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			return nil, &llm.AuthError{ProviderError: llm.ProviderError{
				BaseError:  llm.Error{Message: "bad key"},
				StatusCode: 401,
			}}
		},
	}}
	e := newTestEngine(t, provider, toolkit.NewRegistry(), testConfig())

	res, err := e.Run(context.Background(), "go")
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if res.Status != StatusFailed {
		t.Errorf("unexpected status: %+v", res)
	}
	if got := provider.callCount(); got != 1 {
		t.Errorf("fatal error should not retry, got %d attempts", got)
	}
}

func TestRunStepCeiling(t *testing.T) {
	registry := toolkit.NewRegistry()
	registry.Register(toolkit.Tool{
		Definition: llm.ToolDefinition{Name: "probe"},
		Execute: func(context.Context, json.RawMessage) (string, error) {
			return "ok", nil
		},
	})
	provider := &stubProvider{turns: []func(llm.Request) (*llm.Response, error){
		toolCallTurn("c1", "probe", `{}`),
	}}
	cfg := testConfig()
	cfg.MaxSteps = 2
	e := newTestEngine(t, provider, registry, cfg)

	res, err := e.Run(context.Background(), "loop forever")
	if !errors.Is(err, ErrMaxStepsReached) {
		t.Fatalf("expected ErrMaxStepsReached, got %v", err)
	}
	if res.Status != StatusFailed || res.Steps != 2 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRunCancellationIsInterruption(t *testing.T) {
	provider := &stubProvider{turns: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			return nil, context.Canceled
		},
	}}
	e := newTestEngine(t, provider, toolkit.NewRegistry(), testConfig())

	res, events, err := runOnWire(t, e, "go")
	if err != nil {
		t.Fatalf("cancellation must not surface as error: %v", err)
	}
	if res.Status != StatusInterrupted {
		t.Errorf("unexpected status: %+v", res)
	}
	if got := eventsOfKind(events, wire.KindStepInterrupted); len(got) != 1 {
		t.Errorf("expected one step_interrupted event, got %d", len(got))
	}
}

func TestStreamedToolCallBeginNotDuplicated(t *testing.T) {
	registry := toolkit.NewRegistry()
	registry.Register(toolkit.Tool{
		Definition: llm.ToolDefinition{Name: "probe"},
		Execute: func(context.Context, json.RawMessage) (string, error) {
			return "ok", nil
		},
	})
	provider := &stubProvider{turns: []func(llm.Request) (*llm.Response, error){
		func(req llm.Request) (*llm.Response, error) {
			if req.OnFragment != nil {
				req.OnFragment(llm.Fragment{Kind: llm.FragmentToolCallBegin, ToolCallID: "c1", ToolName: "probe"})
			}
			return &llm.Response{
				Message: llm.Message{
					Role:    llm.RoleAssistant,
					Content: []llm.ContentPart{llm.ToolCallPart("c1", "probe", json.RawMessage(`{}`))},
				},
			}, nil
		},
		textTurn("done", llm.Usage{}),
	}}
	e := newTestEngine(t, provider, registry, testConfig())

	_, events, err := runOnWire(t, e, "go")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	begins := eventsOfKind(events, wire.KindToolCallBegin)
	if len(begins) != 1 {
		t.Errorf("expected exactly one tool_call_begin for a streamed call, got %d", len(begins))
	}
}
