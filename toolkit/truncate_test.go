package toolkit

import (
	"strings"
	"testing"
)

func TestTruncateOutputUnderLimit(t *testing.T) {
	out := TruncateOutput("short output", 100)
	if out != "short output" {
		t.Errorf("output under limit should be unchanged, got %q", out)
	}
}

func TestTruncateOutputKeepsHeadAndTail(t *testing.T) {
	input := strings.Repeat("a", 500) + strings.Repeat("z", 500)
	out := TruncateOutput(input, 200)

	if !strings.HasPrefix(out, strings.Repeat("a", 100)) {
		t.Error("head not preserved")
	}
	if !strings.HasSuffix(out, strings.Repeat("z", 100)) {
		t.Error("tail not preserved")
	}
	if !strings.Contains(out, "truncated") {
		t.Error("missing truncation marker")
	}
	if !strings.Contains(out, "800 characters were removed") {
		t.Errorf("wrong removed count in marker: %q", out)
	}
}

func TestTruncateLines(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "line"
	}
	input := strings.Join(lines, "\n")

	out := TruncateLines(input, 10)
	if !strings.Contains(out, "90 lines omitted") {
		t.Errorf("wrong omitted count: %q", out)
	}

	if got := TruncateLines(input, 200); got != input {
		t.Error("input under line limit should be unchanged")
	}
}

func TestTruncateToolOutputFallbackLimit(t *testing.T) {
	input := strings.Repeat("x", fallbackCharLimit+1000)
	out := TruncateToolOutput(input, "no_such_tool", nil, nil)
	if len(out) >= len(input) {
		t.Error("fallback character limit not applied")
	}
}

func TestTruncateToolOutputCustomLimit(t *testing.T) {
	input := strings.Repeat("x", 1000)
	out := TruncateToolOutput(input, "mytool", map[string]int{"mytool": 100}, nil)
	if len(out) >= 1000 {
		t.Error("custom character limit not applied")
	}

	unlimited := TruncateToolOutput(input, "mytool", map[string]int{"mytool": 2000}, nil)
	if unlimited != input {
		t.Error("output under custom limit should be unchanged")
	}
}
