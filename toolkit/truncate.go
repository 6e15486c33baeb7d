package toolkit

import (
	"fmt"
	"strings"
)

// Default character limits per tool before results enter the conversation.
var DefaultToolCharLimits = map[string]int{
	"read_file":      50000,
	"list_directory": 20000,
}

// Default line limits per tool (applied after character truncation).
var DefaultToolLineLimits = map[string]int{
	"list_directory": 500,
}

const fallbackCharLimit = 30000

// TruncateOutput applies head/tail character truncation, keeping both ends
// so the model retains the opening context and the final state.
func TruncateOutput(output string, maxChars int) string {
	if len(output) <= maxChars {
		return output
	}
	half := maxChars / 2
	removed := len(output) - maxChars
	return output[:half] +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"Re-run the tool with more targeted parameters if you need the rest.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines applies line-based truncation using a head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}
	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount
	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies the full truncation pipeline for a tool:
// character truncation first, then line truncation for readability.
func TruncateToolOutput(output string, toolName string, charLimits, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = fallbackCharLimit
		}
	}
	result := TruncateOutput(output, maxChars)

	maxLines := 0
	if lineLimits != nil {
		maxLines = lineLimits[toolName]
	}
	if maxLines == 0 {
		maxLines = DefaultToolLineLimits[toolName]
	}
	if maxLines > 0 {
		result = TruncateLines(result, maxLines)
	}
	return result
}
