package toolkit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/martinemde/stride/llm"
)

// RewindToolName is the registered name of the time-travel tool. The
// engine checks for it once at construction to decide whether checkpoint
// marker messages are worth the noise.
const RewindToolName = "rewind"

// RewindRequest is the structured payload a rewind result carries instead
// of ordinary output: send Message back to checkpoint Checkpoint.
type RewindRequest struct {
	Checkpoint int    `json:"checkpoint"`
	Message    string `json:"message"`
}

// rewindEnvelope wraps the payload so it is unambiguous among ordinary
// JSON tool outputs.
type rewindEnvelope struct {
	Rewind *RewindRequest `json:"rewind"`
}

// RewindTool returns the time-travel tool. Its result is not ordinary
// output: the step loop detects the payload after awaiting results and
// rolls the conversation back instead of continuing forward.
func RewindTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name: RewindToolName,
			Description: "Roll the conversation back to an earlier checkpoint and " +
				"continue from there with a corrective message. Use when the current " +
				"approach is a dead end and an earlier state is a better starting point.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"checkpoint": map[string]any{
						"type":        "integer",
						"description": "Checkpoint id to return to, as shown in checkpoint markers.",
					},
					"message": map[string]any{
						"type":        "string",
						"description": "Message to continue with at the restored checkpoint.",
					},
				},
				"required": []string{"checkpoint", "message"},
			},
		},
		Execute: func(_ context.Context, arguments json.RawMessage) (string, error) {
			var req RewindRequest
			if err := json.Unmarshal(arguments, &req); err != nil {
				return "", fmt.Errorf("invalid rewind arguments: %w", err)
			}
			if req.Checkpoint < 0 {
				return "", fmt.Errorf("checkpoint must be non-negative, got %d", req.Checkpoint)
			}
			if req.Message == "" {
				return "", fmt.Errorf("message is required")
			}
			payload, err := json.Marshal(rewindEnvelope{Rewind: &req})
			if err != nil {
				return "", err
			}
			return string(payload), nil
		},
	}
}

// ParseRewind inspects a successful tool result for a rewind payload.
func ParseRewind(res llm.ToolResult) (*RewindRequest, bool) {
	if res.IsError {
		return nil, false
	}
	var env rewindEnvelope
	if err := json.Unmarshal([]byte(res.Content), &env); err != nil || env.Rewind == nil {
		return nil, false
	}
	return env.Rewind, true
}
