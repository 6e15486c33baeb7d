package toolkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/martinemde/stride/llm"
)

type callKey struct{}

// WithCurrentCall binds the in-flight tool call into the context. The
// dispatcher sets this immediately before invoking the tool body, so tool
// code (and the approval gate) can identify its own call without the
// handle being threaded through every parameter list.
func WithCurrentCall(ctx context.Context, call llm.ToolCall) context.Context {
	return context.WithValue(ctx, callKey{}, call)
}

// CurrentCall returns the tool call executing under this context.
func CurrentCall(ctx context.Context) (llm.ToolCall, bool) {
	call, ok := ctx.Value(callKey{}).(llm.ToolCall)
	return call, ok
}

// Pending is the future-like handle for an in-flight tool invocation.
type Pending struct {
	call llm.ToolCall
	ch   chan llm.ToolResult
}

// Call returns the invocation this handle answers.
func (p *Pending) Call() llm.ToolCall { return p.call }

// Await blocks until the tool body finishes or the context is cancelled.
func (p *Pending) Await(ctx context.Context) (llm.ToolResult, error) {
	select {
	case res := <-p.ch:
		return res, nil
	case <-ctx.Done():
		return llm.ToolResult{}, ctx.Err()
	}
}

// Dispatcher routes tool calls to registered tool bodies, each on its own
// goroutine, so one model turn's calls execute concurrently.
type Dispatcher struct {
	registry   *Registry
	charLimits map[string]int
	lineLimits map[string]int
	logger     *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithOutputLimits overrides per-tool output truncation limits.
func WithOutputLimits(charLimits, lineLimits map[string]int) DispatcherOption {
	return func(d *Dispatcher) {
		d.charLimits = charLimits
		d.lineLimits = lineLimits
	}
}

// WithDispatcherLogger sets the structured logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a Dispatcher over the registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: registry, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle starts the tool body on its own goroutine and returns
// immediately with a pending-result handle. Tool failures of every kind,
// including panics, are captured as result values; they never escape to
// the caller as errors.
func (d *Dispatcher) Handle(ctx context.Context, call llm.ToolCall) *Pending {
	p := &Pending{call: call, ch: make(chan llm.ToolResult, 1)}
	go func() {
		p.ch <- d.invoke(ctx, call)
	}()
	return p
}

func (d *Dispatcher) invoke(ctx context.Context, call llm.ToolCall) (res llm.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked",
				"tool", call.Name,
				"call_id", call.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			res = llm.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("Tool crashed (%s): %v", call.Name, r),
				IsError:    true,
				Failure:    llm.FailureCrash,
			}
		}
	}()

	tool := d.registry.Get(call.Name)
	if tool == nil {
		return llm.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Unknown tool: %s", call.Name),
			IsError:    true,
			Failure:    llm.FailureError,
		}
	}

	ctx = WithCurrentCall(ctx, call)
	output, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return llm.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("The user rejected the %s call.", call.Name),
				IsError:    true,
				Failure:    llm.FailureRejected,
			}
		}
		return llm.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Tool error (%s): %v", call.Name, err),
			IsError:    true,
			Failure:    llm.FailureError,
		}
	}

	return llm.ToolResult{
		ToolCallID: call.ID,
		Content:    TruncateToolOutput(output, call.Name, d.charLimits, d.lineLimits),
	}
}
