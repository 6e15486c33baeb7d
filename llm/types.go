// Package llm defines the model-provider boundary: conversation message
// types, the provider call contract with streamed-fragment callbacks, a
// typed error taxonomy, and a retry helper with exponential backoff.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind is the discriminator tag for ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentImage      ContentKind = "image"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
)

// ImageData holds image content as either a URL or raw bytes.
type ImageData struct {
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// ToolCallData represents a model-initiated tool invocation.
type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultData holds the result of a tool execution as message content.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ContentPart is a tagged union representing one part of a message.
type ContentPart struct {
	Kind       ContentKind     `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Image      *ImageData      `json:"image,omitempty"`
	ToolCall   *ToolCallData   `json:"tool_call,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
}

// TextPart creates a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ToolCallPart creates a tool call ContentPart.
func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{
		Kind:     ContentToolCall,
		ToolCall: &ToolCallData{ID: id, Name: name, Arguments: args},
	}
}

// ToolResultPart creates a tool result ContentPart.
func ToolResultPart(toolCallID, content string, isError bool) ContentPart {
	return ContentPart{
		Kind:       ContentToolResult,
		ToolResult: &ToolResultData{ToolCallID: toolCallID, Content: content, IsError: isError},
	}
}

// Message is one turn in a conversation. Immutable once appended to a store.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// TextContent returns the concatenation of all text content parts.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// HasImages reports whether the message carries any image content.
func (m Message) HasImages() bool {
	for _, part := range m.Content {
		if part.Kind == ContentImage {
			return true
		}
	}
	return false
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

// UserMessage creates a user Message with text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantMessage creates an assistant Message with text content.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}}
}

// ToolDefinition describes a tool for the model (serializable metadata).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// ToolCall is extracted from a model response.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// FailureKind classifies a failed tool invocation.
type FailureKind string

const (
	// FailureError is an ordinary tool error (bad arguments, I/O failure).
	FailureError FailureKind = "error"
	// FailureCrash is a recovered panic inside a tool body.
	FailureCrash FailureKind = "crash"
	// FailureRejected means the user declined the tool's approval request.
	FailureRejected FailureKind = "rejected"
)

// ToolResult is produced by executing a tool. A zero Failure with
// IsError=false is a success.
type ToolResult struct {
	ToolCallID string      `json:"tool_call_id"`
	Content    string      `json:"content"`
	Summary    string      `json:"summary,omitempty"`
	IsError    bool        `json:"is_error"`
	Failure    FailureKind `json:"failure,omitempty"`
}

// Message converts the result into its tool-role message form.
func (r ToolResult) Message() Message {
	return Message{
		Role:       RoleTool,
		Content:    []ContentPart{ToolResultPart(r.ToolCallID, r.Content, r.IsError)},
		ToolCallID: r.ToolCallID,
	}
}

// Usage tracks token consumption reported by a provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// FragmentKind identifies the kind of streamed fragment.
type FragmentKind string

const (
	FragmentText          FragmentKind = "text"
	FragmentToolCallBegin FragmentKind = "tool_call_begin"
	FragmentToolCallArgs  FragmentKind = "tool_call_args"
)

// Fragment is a streamed piece of a model response, delivered through the
// Request.OnFragment callback while the call is in flight.
type Fragment struct {
	Kind       FragmentKind `json:"kind"`
	Text       string       `json:"text,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	ToolName   string       `json:"tool_name,omitempty"`
	ArgsDelta  string       `json:"args_delta,omitempty"`
}

// Request is the input to a provider call.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   *int
	Temperature *float64

	// OnFragment, when set, receives streamed content and tool-call
	// fragments as they arrive. OnToolResult receives results for tools
	// the provider executes on its own side. Both may be nil.
	OnFragment   func(Fragment)
	OnToolResult func(ToolResult)
}

// Response is the output of a completed provider call.
type Response struct {
	ID      string  `json:"id"`
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Usage   Usage   `json:"usage"`
}

// Text returns the concatenated text of the response message.
func (r Response) Text() string {
	return r.Message.TextContent()
}

// ToolCalls extracts tool calls from the response message.
func (r Response) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range r.Message.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, ToolCall{
				ID:        part.ToolCall.ID,
				Name:      part.ToolCall.Name,
				Arguments: part.ToolCall.Arguments,
			})
		}
	}
	return calls
}

// Provider is the model-provider contract. Implementations must honor
// context cancellation and surface usage metadata when available.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// EstimateTokens provides a rough token count for messages when the
// provider reports no usage. Roughly four characters per token.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolResult:
				if part.ToolResult != nil {
					total += len(part.ToolResult.Content) / 4
				}
			case ContentToolCall:
				if part.ToolCall != nil {
					total += len(part.ToolCall.Arguments) / 4
				}
			}
		}
	}
	return total
}
