package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/martinemde/stride/llm"
)

// RegisterCoreTools registers the built-in filesystem tools rooted at dir.
// write_file demonstrates the approval path: it asks the gate before
// touching the filesystem.
func RegisterCoreTools(reg *Registry, gate *Gate, dir string) {
	reg.Register(ReadFileTool(dir))
	reg.Register(ListDirectoryTool(dir))
	reg.Register(WriteFileTool(dir, gate))
}

// resolvePath confines a tool path argument to the root directory.
func resolvePath(root, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the working directory", path)
	}
	return abs, nil
}

// ReadFileTool reads a file under dir, returning line-numbered content.
func ReadFileTool(dir string) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "read_file",
			Description: "Read a file from the working directory. Returns line-numbered content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{
						"type":        "string",
						"description": "Path to the file, relative to the working directory.",
					},
					"offset": map[string]any{
						"type":        "integer",
						"description": "1-based line number to start reading from.",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of lines to read. Default: 2000.",
					},
				},
				"required": []string{"file_path"},
			},
		},
		Execute: func(_ context.Context, arguments json.RawMessage) (string, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return "", err
			}
			filePath, ok := StringArg(args, "file_path")
			if !ok || filePath == "" {
				return "", fmt.Errorf("file_path is required")
			}
			offset, _ := IntArg(args, "offset")
			limit, _ := IntArg(args, "limit")
			if limit == 0 {
				limit = 2000
			}
			if offset < 1 {
				offset = 1
			}

			abs, err := resolvePath(dir, filePath)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return "", err
			}

			lines := strings.Split(string(data), "\n")
			if offset > len(lines) {
				return "", fmt.Errorf("offset %d is past the end of the file (%d lines)", offset, len(lines))
			}
			end := offset - 1 + limit
			if end > len(lines) {
				end = len(lines)
			}

			var sb strings.Builder
			for i := offset - 1; i < end; i++ {
				fmt.Fprintf(&sb, "%6d\t%s\n", i+1, lines[i])
			}
			return sb.String(), nil
		},
	}
}

// ListDirectoryTool lists entries under a directory in dir.
func ListDirectoryTool(dir string) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "list_directory",
			Description: "List the entries of a directory in the working directory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Directory path, relative to the working directory. Default: the working directory.",
					},
				},
			},
		},
		Execute: func(_ context.Context, arguments json.RawMessage) (string, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return "", err
			}
			path, _ := StringArg(args, "path")
			if path == "" {
				path = "."
			}
			abs, err := resolvePath(dir, path)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(abs)
			if err != nil {
				return "", err
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir() {
					fmt.Fprintf(&sb, "%s/\n", e.Name())
				} else {
					fmt.Fprintf(&sb, "%s\n", e.Name())
				}
			}
			return sb.String(), nil
		},
	}
}

// WriteFileTool writes a file under dir after asking the gate for consent.
// The action key is scoped per file path so approving one file for the
// session does not approve all writes.
func WriteFileTool(dir string, gate *Gate) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "write_file",
			Description: "Write content to a file. Creates the file and parent directories if needed. Requires user approval.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{
						"type":        "string",
						"description": "Path to the file, relative to the working directory.",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Full content to write.",
					},
				},
				"required": []string{"file_path", "content"},
			},
		},
		Execute: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			args, err := ParseArguments(arguments)
			if err != nil {
				return "", err
			}
			filePath, ok := StringArg(args, "file_path")
			if !ok || filePath == "" {
				return "", fmt.Errorf("file_path is required")
			}
			content, _ := StringArg(args, "content")

			abs, err := resolvePath(dir, filePath)
			if err != nil {
				return "", err
			}

			sender := "write_file"
			if call, ok := CurrentCall(ctx); ok {
				sender = call.Name
			}
			approved, err := gate.Request(ctx, sender,
				"write_file:"+filePath,
				fmt.Sprintf("Write %d bytes to %s", len(content), filePath))
			if err != nil {
				return "", err
			}
			if !approved {
				return "", ErrRejected
			}

			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), filePath), nil
		},
	}
}
