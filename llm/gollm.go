package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmProvider wraps a gollm.LLM instance behind the Provider contract.
type GollmProvider struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmOption configures a GollmProvider.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key. When empty, gollm reads it from the
// provider's environment variable.
func WithAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithModel sets the default model.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmProvider creates a gollm-backed provider.
func NewGollmProvider(provider string, opts ...GollmOption) (*GollmProvider, error) {
	cfg := &gollmConfig{
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5-20250514"
		default:
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries are handled by the caller
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmProvider{provider: provider, llm: llm, model: model}, nil
}

// Name returns the provider identifier.
func (p *GollmProvider) Name() string { return p.provider }

// Complete sends a blocking request and returns the full response. Streamed
// delivery is approximated by invoking OnFragment with the generated text
// and any parsed tool calls once the call returns.
func (p *GollmProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt, err := p.translateRequest(req)
	if err != nil {
		return nil, err
	}

	if req.Model != "" {
		p.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		p.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		p.llm.SetOption("max_tokens", *req.MaxTokens)
	}

	text, err := p.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, p.translateError(err)
	}

	resp := p.buildResponse(req, text)

	if req.OnFragment != nil {
		if t := resp.Text(); t != "" {
			req.OnFragment(Fragment{Kind: FragmentText, Text: t})
		}
		for _, tc := range resp.ToolCalls() {
			req.OnFragment(Fragment{Kind: FragmentToolCallBegin, ToolCallID: tc.ID, ToolName: tc.Name})
			req.OnFragment(Fragment{Kind: FragmentToolCallArgs, ToolCallID: tc.ID, ArgsDelta: string(tc.Arguments)})
		}
	}

	return resp, nil
}

// translateRequest converts a Request into a gollm Prompt.
func (p *GollmProvider) translateRequest(req Request) (*gollm.Prompt, error) {
	var systemPrompt string
	var userParts []string

	for _, msg := range req.Messages {
		if msg.HasImages() {
			return nil, NewCapabilityError("image input")
		}
		switch msg.Role {
		case RoleSystem:
			systemPrompt += msg.TextContent() + "\n"
		case RoleUser:
			userParts = append(userParts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				userParts = append(userParts, "[Assistant]: "+text)
			}
			for _, part := range msg.Content {
				if part.Kind == ContentToolCall && part.ToolCall != nil {
					userParts = append(userParts, fmt.Sprintf("[Tool Call %s]: %s", part.ToolCall.Name, part.ToolCall.Arguments))
				}
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					prefix := "[Tool Result]"
					if part.ToolResult.IsError {
						prefix = "[Tool Error]"
					}
					userParts = append(userParts, prefix+": "+part.ToolResult.Content)
				}
			}
		}
	}

	promptText := strings.Join(userParts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	promptOpts := []gollm.PromptOption{}
	if systemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(systemPrompt), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}

	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		promptOpts = append(promptOpts, gollm.WithToolChoice("auto"))
	}

	return gollm.NewPrompt(promptText, promptOpts...), nil
}

// buildResponse constructs a Response from the generated text.
func (p *GollmProvider) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var contentParts []ContentPart
	toolCalls := p.parseToolCalls(text)
	for _, tc := range toolCalls {
		tc := tc
		contentParts = append(contentParts, ContentPart{Kind: ContentToolCall, ToolCall: &tc})
	}

	cleaned := p.stripToolCallJSON(text, toolCalls)
	if cleaned != "" {
		contentParts = append([]ContentPart{TextPart(cleaned)}, contentParts...)
	}
	if len(contentParts) == 0 {
		contentParts = []ContentPart{TextPart(text)}
	}

	inTokens := EstimateTokens(req.Messages)
	outTokens := len(text) / 4

	return &Response{
		ID:    "resp_" + uuid.New().String()[:8],
		Model: model,
		Message: Message{
			Role:    RoleAssistant,
			Content: contentParts,
		},
		// gollm does not expose provider usage; estimate from text length.
		Usage: Usage{
			InputTokens:  inTokens,
			OutputTokens: outTokens,
			TotalTokens:  inTokens + outTokens,
		},
	}
}

// parseToolCalls extracts tool calls gollm may return as JSON in the text.
func (p *GollmProvider) parseToolCalls(text string) []ToolCallData {
	start := strings.Index(text, `{"tool_calls"`)
	if start == -1 {
		start = strings.Index(text, `[{"name"`)
	}
	if start == -1 {
		return nil
	}

	var rawCalls []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	var calls []ToolCallData
	if err := json.Unmarshal([]byte(text[start:]), &rawCalls); err == nil {
		for _, rc := range rawCalls {
			calls = append(calls, ToolCallData{
				ID:        "call_" + uuid.New().String()[:8],
				Name:      rc.Name,
				Arguments: rc.Arguments,
			})
		}
	}
	return calls
}

// stripToolCallJSON removes parsed tool call JSON from the text.
func (p *GollmProvider) stripToolCallJSON(text string, calls []ToolCallData) string {
	if len(calls) == 0 {
		return text
	}
	result := text
	for _, pattern := range []string{`{"tool_calls"`, `[{"name"`} {
		if idx := strings.Index(result, pattern); idx != -1 {
			result = strings.TrimSpace(result[:idx])
		}
	}
	return result
}

// translateError converts a gollm error into the typed error hierarchy,
// classifying on message content since gollm flattens provider errors.
func (p *GollmProvider) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	msgLower := strings.ToLower(msg)

	switch {
	case strings.Contains(msgLower, "context canceled") || strings.Contains(msgLower, "context deadline"):
		return &AbortError{BaseError: Error{Message: msg, Cause: err}}
	case strings.Contains(msgLower, "401") || strings.Contains(msgLower, "unauthorized") || strings.Contains(msgLower, "invalid api key"):
		return &AuthError{ProviderError: ProviderError{
			BaseError: Error{Message: msg, Cause: err}, Provider: p.provider, StatusCode: 401,
		}}
	case strings.Contains(msgLower, "429") || strings.Contains(msgLower, "rate limit"):
		return &RateLimitError{ProviderError: ProviderError{
			BaseError: Error{Message: msg, Cause: err}, Provider: p.provider, StatusCode: 429, Retryable: true,
		}}
	case strings.Contains(msgLower, "context length") || strings.Contains(msgLower, "too many tokens"):
		return &ContextLengthError{ProviderError: ProviderError{
			BaseError: Error{Message: msg, Cause: err}, Provider: p.provider, StatusCode: 413,
		}}
	case strings.Contains(msgLower, "500") || strings.Contains(msgLower, "502") || strings.Contains(msgLower, "503") || strings.Contains(msgLower, "internal server"):
		return &ServerError{ProviderError: ProviderError{
			BaseError: Error{Message: msg, Cause: err}, Provider: p.provider, StatusCode: 500, Retryable: true,
		}}
	case strings.Contains(msgLower, "timeout"):
		return &TimeoutError{BaseError: Error{Message: msg, Cause: err}}
	case strings.Contains(msgLower, "content filter") || strings.Contains(msgLower, "safety"):
		return &ContentFilterError{ProviderError: ProviderError{
			BaseError: Error{Message: msg, Cause: err}, Provider: p.provider,
		}}
	default:
		return &ProviderError{
			BaseError: Error{Message: msg, Cause: err},
			Provider:  p.provider,
			Retryable: true,
		}
	}
}
