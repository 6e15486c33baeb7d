// Package wire provides the in-process event channel that decouples the
// step-loop engine from any presentation layer. Events flow one way, engine
// to consumer; approval decisions travel back through the approval gate,
// never through the wire.
package wire

import (
	"sync"
	"time"
)

// Kind identifies the type of wire message.
type Kind string

const (
	KindStepBegin       Kind = "step_begin"
	KindStepInterrupted Kind = "step_interrupted"
	KindCompactionBegin Kind = "compaction_begin"
	KindCompactionEnd   Kind = "compaction_end"
	KindStatusUpdate    Kind = "status_update"
	KindTextFragment    Kind = "text_fragment"
	KindToolCallBegin   Kind = "tool_call_begin"
	KindToolCallArgs    Kind = "tool_call_args"
	KindToolResult      Kind = "tool_result"
	KindApprovalRequest Kind = "approval_request"
)

// Status is a point-in-time snapshot of context usage.
type Status struct {
	ContextUsage float64 `json:"context_usage"` // tokens used / model budget
}

// ToolResultEvent is the self-contained tool-result record carried on the
// wire. Error is empty when OK is true.
type ToolResultEvent struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ApprovalEvent is the self-contained approval-request record carried on
// the wire. Resolution happens out of band through the approval gate.
type ApprovalEvent struct {
	ID          string `json:"id"`
	Sender      string `json:"sender"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

// Message is the union of all event kinds the engine may emit. Payloads are
// value records; no field references engine internals.
type Message struct {
	Kind       Kind             `json:"kind"`
	Timestamp  time.Time        `json:"timestamp"`
	Step       int              `json:"step,omitempty"`
	Text       string           `json:"text,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	ArgsDelta  string           `json:"args_delta,omitempty"`
	Status     *Status          `json:"status,omitempty"`
	Result     *ToolResultEvent `json:"result,omitempty"`
	Approval   *ApprovalEvent   `json:"approval,omitempty"`
}

// StepBegin creates a step-began message.
func StepBegin(step int) Message {
	return Message{Kind: KindStepBegin, Timestamp: time.Now(), Step: step}
}

// StepInterrupted creates a step-interrupted message.
func StepInterrupted() Message {
	return Message{Kind: KindStepInterrupted, Timestamp: time.Now()}
}

// CompactionBegin creates a compaction-began message.
func CompactionBegin() Message {
	return Message{Kind: KindCompactionBegin, Timestamp: time.Now()}
}

// CompactionEnd creates a compaction-ended message.
func CompactionEnd() Message {
	return Message{Kind: KindCompactionEnd, Timestamp: time.Now()}
}

// StatusUpdate creates a context-usage snapshot message.
func StatusUpdate(contextUsage float64) Message {
	return Message{Kind: KindStatusUpdate, Timestamp: time.Now(), Status: &Status{ContextUsage: contextUsage}}
}

// TextFragment creates a streamed-content message.
func TextFragment(text string) Message {
	return Message{Kind: KindTextFragment, Timestamp: time.Now(), Text: text}
}

// ToolCallBegin creates a tool-call-begin message.
func ToolCallBegin(id, name string) Message {
	return Message{Kind: KindToolCallBegin, Timestamp: time.Now(), ToolCallID: id, ToolName: name}
}

// ToolCallArgs creates a tool-call-argument-fragment message.
func ToolCallArgs(id, delta string) Message {
	return Message{Kind: KindToolCallArgs, Timestamp: time.Now(), ToolCallID: id, ArgsDelta: delta}
}

// ToolResult creates a tool-result message.
func ToolResult(ev ToolResultEvent) Message {
	return Message{Kind: KindToolResult, Timestamp: time.Now(), ToolCallID: ev.ID, Result: &ev}
}

// ApprovalRequest creates an approval-request message.
func ApprovalRequest(ev ApprovalEvent) Message {
	return Message{Kind: KindApprovalRequest, Timestamp: time.Now(), Approval: &ev}
}

// Wire is an unbounded FIFO queue of messages with a blocking receive side.
// Send never blocks and never panics; after Shutdown it silently drops.
// Exactly one engine run owns one Wire, discarded when the run ends.
type Wire struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	closed bool
}

// New creates a Wire.
func New() *Wire {
	w := &Wire{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Send enqueues a message. Messages sent from one goroutine are received
// in send order. After Shutdown the message is dropped.
func (w *Wire) Send(msg Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.queue = append(w.queue, msg)
	w.cond.Signal()
}

// Receive blocks until a message is available or the wire is shut down.
// The second return value is false once the wire is shut down and the
// queue is drained; it never blocks forever after Shutdown.
func (w *Wire) Receive() (Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) == 0 && !w.closed {
		w.cond.Wait()
	}
	if len(w.queue) > 0 {
		msg := w.queue[0]
		w.queue = w.queue[1:]
		return msg, true
	}
	return Message{}, false
}

// Shutdown closes the wire. Idempotent; wakes all pending receivers.
func (w *Wire) Shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.cond.Broadcast()
}
