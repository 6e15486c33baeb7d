// Package engine implements the step-loop controller that drives repeated
// model calls, streams events on the wire, dispatches tool calls, grows
// the conversation, and handles retry, compaction, and checkpoint rollback.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/martinemde/stride/convo"
	"github.com/martinemde/stride/llm"
	"github.com/martinemde/stride/toolkit"
	"github.com/martinemde/stride/wire"
)

// ErrMaxStepsReached aborts a run whose step counter exceeded the ceiling.
var ErrMaxStepsReached = errors.New("maximum step count reached")

// RunStatus classifies how a run ended.
type RunStatus string

const (
	StatusFinished    RunStatus = "finished"
	StatusInterrupted RunStatus = "interrupted"
	StatusFailed      RunStatus = "failed"
)

// RunResult reports the outcome of one run.
type RunResult struct {
	Status RunStatus
	Steps  int
	Output string // final assistant text when finished
	Reason string // failure reason when failed
}

// Config holds engine tunables.
type Config struct {
	Model          string
	ModelBudget    int // context window size in tokens
	ReservedMargin int // tokens held back for the model's reply
	MaxSteps       int
	Retry          llm.RetryPolicy
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ModelBudget:    200000,
		ReservedMargin: 20000,
		MaxSteps:       50,
		Retry:          llm.DefaultRetryPolicy(),
	}
}

// Engine orchestrates one conversation's step loop. Exactly one run is
// active at a time; the conversation is mutated only between steps, never
// concurrently.
type Engine struct {
	provider   llm.Provider
	registry   *toolkit.Registry
	dispatcher *toolkit.Dispatcher
	gate       *toolkit.Gate
	conv       *convo.Context
	summarizer Summarizer
	cfg        Config
	logger     *slog.Logger

	// Whether the time-travel tool is registered, decided once here.
	// When it is, checkpoints carry visible marker messages so the model
	// has human-readable anchors to rewind to.
	markCheckpoints bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSummarizer sets the compaction summarizer.
func WithSummarizer(s Summarizer) Option {
	return func(e *Engine) { e.summarizer = s }
}

// New creates an Engine.
func New(provider llm.Provider, registry *toolkit.Registry, gate *toolkit.Gate, conv *convo.Context, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		provider:        provider,
		registry:        registry,
		dispatcher:      toolkit.NewDispatcher(registry),
		gate:            gate,
		conv:            conv,
		cfg:             cfg,
		logger:          slog.Default(),
		markCheckpoints: registry.Get(toolkit.RewindToolName) != nil,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.summarizer == nil {
		e.summarizer = NewProviderSummarizer(provider, cfg.Model)
	}
	return e
}

// Conversation exposes the engine's conversation store.
func (e *Engine) Conversation() *convo.Context { return e.conv }

// Gate exposes the engine's approval gate.
func (e *Engine) Gate() *toolkit.Gate { return e.gate }

// stepOutcome tells the run loop what to do after a step.
type stepOutcome int

const (
	stepContinue stepOutcome = iota // advance to the next step
	stepDone                        // model produced no tool calls; run is finished
	stepRewound                     // conversation rolled back; repeat without advancing
)

// Run processes one user input through the step loop until the model
// produces a turn with no tool calls, the step ceiling is hit, the context
// is cancelled, or a fatal provider error occurs. Cancellation is
// reported as interrupted, never as failure.
func (e *Engine) Run(ctx context.Context, userInput string) (*RunResult, error) {
	if err := e.conv.Append(llm.UserMessage(userInput)); err != nil {
		return nil, err
	}

	res := &RunResult{}
	step := 1
	for {
		if step > e.cfg.MaxSteps {
			res.Status = StatusFailed
			res.Reason = fmt.Sprintf("%v after %d steps", ErrMaxStepsReached, e.cfg.MaxSteps)
			e.logger.Error("run failed", "reason", res.Reason)
			return res, ErrMaxStepsReached
		}
		res.Steps = step

		outcome, output, err := e.step(ctx, step)
		if err != nil {
			if isCancellation(err) {
				wire.Emit(ctx, wire.StepInterrupted())
				res.Status = StatusInterrupted
				e.logger.Info("run interrupted", "step", step)
				return res, nil
			}
			res.Status = StatusFailed
			res.Reason = err.Error()
			var capErr *llm.CapabilityError
			if errors.As(err, &capErr) {
				res.Reason = fmt.Sprintf("model capability missing: %s", capErr.Capability)
			}
			e.logger.Error("run failed", "step", step, "reason", res.Reason)
			return res, err
		}

		switch outcome {
		case stepDone:
			res.Status = StatusFinished
			res.Output = output
			e.logger.Info("run finished", "steps", step)
			return res, nil
		case stepRewound:
			// Time travel: repeat the loop at the same step number.
		case stepContinue:
			step++
		}
	}
}

// step executes one model call and its resulting tool calls.
func (e *Engine) step(ctx context.Context, step int) (stepOutcome, string, error) {
	// Forward pending approval requests onto the wire for the lifetime of
	// this step.
	forwardCtx, stopForwarding := context.WithCancel(ctx)
	defer stopForwarding()
	go e.forwardApprovals(forwardCtx)

	wire.Emit(ctx, wire.StepBegin(step))

	if e.conv.TokenCount()+e.cfg.ReservedMargin >= e.cfg.ModelBudget {
		if err := e.compact(ctx); err != nil {
			return 0, "", err
		}
	}

	checkpoint, err := e.conv.Checkpoint(e.markCheckpoints)
	if err != nil {
		return 0, "", err
	}

	resp, announced, err := e.callModel(ctx)
	if err != nil {
		return 0, "", err
	}

	toolCalls := resp.ToolCalls()
	e.logger.Debug("model turn complete",
		"step", step,
		"checkpoint", checkpoint,
		"tool_calls", len(toolCalls),
		"tokens", resp.Usage.TotalTokens)

	results, err := e.runTools(ctx, toolCalls, announced)
	if err != nil {
		return 0, "", err
	}

	// Grow the conversation. Appends are not cancellable, so a mid-flight
	// interrupt can never leave the store half-updated.
	if err := e.conv.Append(resp.Message); err != nil {
		return 0, "", err
	}
	for _, result := range results {
		if err := e.conv.Append(result.Message()); err != nil {
			return 0, "", err
		}
	}
	if err := e.conv.RefreshUsage(resp.Usage); err != nil {
		return 0, "", err
	}
	wire.Emit(ctx, wire.StatusUpdate(e.contextUsage()))

	for _, result := range results {
		if rw, ok := toolkit.ParseRewind(result); ok {
			if err := e.rewind(ctx, rw); err != nil {
				return 0, "", err
			}
			return stepRewound, "", nil
		}
	}

	if len(toolCalls) == 0 {
		return stepDone, resp.Text(), nil
	}
	return stepContinue, "", nil
}

// callModel invokes the provider with the full history and tool
// descriptors, forwarding streamed fragments onto the wire, under the
// configured retry policy. It also reports which tool-call ids were
// already announced through streamed begin fragments so runTools does
// not announce them a second time.
func (e *Engine) callModel(ctx context.Context) (*llm.Response, map[string]bool, error) {
	announced := make(map[string]bool)
	req := llm.Request{
		Model:    e.cfg.Model,
		Messages: e.conv.Messages(),
		Tools:    e.registry.Definitions(),
		OnFragment: func(f llm.Fragment) {
			switch f.Kind {
			case llm.FragmentText:
				wire.Emit(ctx, wire.TextFragment(f.Text))
			case llm.FragmentToolCallBegin:
				announced[f.ToolCallID] = true
				wire.Emit(ctx, wire.ToolCallBegin(f.ToolCallID, f.ToolName))
			case llm.FragmentToolCallArgs:
				wire.Emit(ctx, wire.ToolCallArgs(f.ToolCallID, f.ArgsDelta))
			}
		},
		OnToolResult: func(r llm.ToolResult) {
			wire.Emit(ctx, wire.ToolResult(toWireResult(r)))
		},
	}

	policy := e.cfg.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			e.logger.Warn("retrying model call", "attempt", attempt, "delay", delay, "error", err)
		}
	}

	resp, err := llm.Retry(ctx, policy, func(ctx context.Context) (*llm.Response, error) {
		return e.provider.Complete(ctx, req)
	})
	return resp, announced, err
}

// runTools dispatches every call concurrently, emits their begin and
// result events, and awaits all results in call order.
func (e *Engine) runTools(ctx context.Context, calls []llm.ToolCall, announced map[string]bool) ([]llm.ToolResult, error) {
	pendings := make([]*toolkit.Pending, len(calls))
	for i, call := range calls {
		if !announced[call.ID] {
			wire.Emit(ctx, wire.ToolCallBegin(call.ID, call.Name))
		}
		pendings[i] = e.dispatcher.Handle(ctx, call)
	}

	results := make([]llm.ToolResult, len(calls))
	for i, p := range pendings {
		result, err := p.Await(ctx)
		if err != nil {
			return nil, err
		}
		wire.Emit(ctx, wire.ToolResult(toWireResult(result)))
		results[i] = result
	}
	return results, nil
}

// compact replaces the conversation with a summary produced by the
// injected summarizer.
func (e *Engine) compact(ctx context.Context) error {
	wire.Emit(ctx, wire.CompactionBegin())
	before := e.conv.TokenCount()

	summary, tokens, err := e.summarizer.Summarize(ctx, e.conv.Messages())
	if err != nil {
		return fmt.Errorf("compaction: %w", err)
	}
	if err := e.conv.Compact(summary, tokens); err != nil {
		return err
	}

	wire.Emit(ctx, wire.CompactionEnd())
	wire.Emit(ctx, wire.StatusUpdate(e.contextUsage()))
	e.logger.Info("context compacted", "tokens_before", before, "tokens_after", e.conv.TokenCount())
	return nil
}

// rewind rolls the conversation back to the requested checkpoint, opens a
// fresh checkpoint there, and injects the corrective message. The fresh
// checkpoint carries no marker: the injected message is the anchor.
func (e *Engine) rewind(ctx context.Context, rw *toolkit.RewindRequest) error {
	e.logger.Info("time travel requested", "checkpoint", rw.Checkpoint)
	if err := e.conv.RevertTo(rw.Checkpoint); err != nil {
		return fmt.Errorf("time travel: %w", err)
	}
	if _, err := e.conv.Checkpoint(false); err != nil {
		return err
	}
	if err := e.conv.Append(llm.UserMessage(rw.Message)); err != nil {
		return err
	}
	wire.Emit(ctx, wire.StatusUpdate(e.contextUsage()))
	return nil
}

// forwardApprovals republishes dequeued approval requests as wire events
// until the step ends.
func (e *Engine) forwardApprovals(ctx context.Context) {
	for {
		req, err := e.gate.FetchRequest(ctx)
		if err != nil {
			return
		}
		wire.Emit(ctx, wire.ApprovalRequest(wire.ApprovalEvent{
			ID:          req.ID,
			Sender:      req.Sender,
			Action:      req.Action,
			Description: req.Description,
		}))
	}
}

func (e *Engine) contextUsage() float64 {
	if e.cfg.ModelBudget <= 0 {
		return 0
	}
	return float64(e.conv.TokenCount()) / float64(e.cfg.ModelBudget)
}

func toWireResult(r llm.ToolResult) wire.ToolResultEvent {
	ev := wire.ToolResultEvent{ID: r.ToolCallID, OK: !r.IsError}
	if r.IsError {
		ev.Error = r.Content
	} else {
		ev.Content = r.Content
	}
	return ev
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
