// Command stride runs one agent turn from the command line: it wires a
// gollm-backed provider, the built-in tools, an approval gate, and a
// plain-text wire consumer together and processes a single user input.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/oklog/ulid/v2"
	"github.com/urfave/cli/v2"

	"github.com/martinemde/stride/config"
	"github.com/martinemde/stride/convo"
	"github.com/martinemde/stride/engine"
	"github.com/martinemde/stride/llm"
	"github.com/martinemde/stride/toolkit"
	"github.com/martinemde/stride/wire"
)

func main() {
	app := &cli.App{
		Name:      "stride",
		Usage:     "Run an agent turn against the working directory",
		ArgsUsage: "<prompt>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: config.DefaultPath(), Usage: "Config file path"},
			&cli.StringFlag{Name: "provider", Usage: "Model provider (overrides config)"},
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "Model id (overrides config)"},
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Conversation log file to resume or create"},
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Auto-approve all tool calls"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Debug logging"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("a prompt is required")
	}
	prompt := strings.Join(c.Args().Slice(), " ")

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if v := c.String("provider"); v != "" {
		cfg.Provider = v
	}
	if v := c.String("model"); v != "" {
		cfg.Model = v
	}
	if c.Bool("yes") {
		cfg.BypassApprovals = true
	}

	logger := newLogger(cfg.LogLevel, c.Bool("verbose"))
	slog.SetDefault(logger)

	provider, err := llm.NewGollmProvider(cfg.Provider, llm.WithModel(cfg.Model))
	if err != nil {
		return err
	}

	sessionPath := c.String("session")
	if sessionPath == "" {
		dir := cfg.SessionDir
		if dir == "" {
			home, _ := os.UserHomeDir()
			dir = filepath.Join(home, ".stride", "sessions")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		sessionPath = filepath.Join(dir, ulid.Make().String()+".jsonl")
	}

	conv, err := convo.Open(sessionPath, convo.WithLogger(logger))
	if err != nil {
		return err
	}
	defer conv.Close()

	var gateOpts []toolkit.GateOption
	if cfg.BypassApprovals {
		gateOpts = append(gateOpts, toolkit.WithBypass())
	}
	gate := toolkit.NewGate(gateOpts...)

	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	registry := toolkit.NewRegistry()
	toolkit.RegisterCoreTools(registry, gate, workDir)
	registry.Register(toolkit.RewindTool())

	eng := engine.New(provider, registry, gate, conv, engine.Config{
		Model:          cfg.Model,
		ModelBudget:    cfg.ModelBudget,
		ReservedMargin: cfg.ReservedMargin,
		MaxSteps:       cfg.MaxSteps,
		Retry: llm.RetryPolicy{
			MaxAttempts:       cfg.MaxAttempts,
			BaseDelay:         1.0,
			MaxDelay:          60.0,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}, engine.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := engine.Coordinate(ctx, eng, prompt, newConsolePrinter(gate).consume)
	if err != nil && res == nil {
		return err
	}

	switch res.Status {
	case engine.StatusFinished:
		logger.Info("done", "steps", res.Steps, "session", sessionPath)
	case engine.StatusInterrupted:
		logger.Info("interrupted", "steps", res.Steps, "session", sessionPath)
	case engine.StatusFailed:
		return fmt.Errorf("run failed: %s", res.Reason)
	}
	return nil
}

func newLogger(level string, verbose bool) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl}))
}

// consolePrinter renders wire events as plain lines and answers approval
// requests from stdin.
type consolePrinter struct {
	gate  *toolkit.Gate
	stdin *bufio.Reader
}

func newConsolePrinter(gate *toolkit.Gate) *consolePrinter {
	return &consolePrinter{gate: gate, stdin: bufio.NewReader(os.Stdin)}
}

func (p *consolePrinter) consume(w *wire.Wire) {
	for {
		msg, ok := w.Receive()
		if !ok {
			return
		}
		switch msg.Kind {
		case wire.KindStepBegin:
			fmt.Printf("--- step %d ---\n", msg.Step)
		case wire.KindStepInterrupted:
			fmt.Println("--- interrupted ---")
		case wire.KindCompactionBegin:
			fmt.Println("[compacting conversation...]")
		case wire.KindCompactionEnd:
			fmt.Println("[compaction complete]")
		case wire.KindStatusUpdate:
			if msg.Status != nil {
				fmt.Printf("[context %.0f%%]\n", msg.Status.ContextUsage*100)
			}
		case wire.KindTextFragment:
			fmt.Print(msg.Text)
			if !strings.HasSuffix(msg.Text, "\n") {
				fmt.Println()
			}
		case wire.KindToolCallBegin:
			fmt.Printf("[%s %s]\n", msg.ToolName, msg.ToolCallID)
		case wire.KindToolResult:
			if msg.Result != nil && !msg.Result.OK {
				fmt.Printf("[tool failed: %s]\n", msg.Result.Error)
			}
		case wire.KindApprovalRequest:
			p.prompt(msg.Approval)
		}
	}
}

func (p *consolePrinter) prompt(req *wire.ApprovalEvent) {
	if req == nil {
		return
	}
	fmt.Printf("%s wants to: %s\nApprove? [y]es / [a]lways this session / [n]o: ", req.Sender, req.Description)
	line, err := p.stdin.ReadString('\n')
	if err != nil {
		p.gate.Resolve(req.ID, toolkit.DecisionReject)
		return
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		p.gate.Resolve(req.ID, toolkit.DecisionApprove)
	case "a", "always":
		p.gate.Resolve(req.ID, toolkit.DecisionApproveSession)
	default:
		p.gate.Resolve(req.ID, toolkit.DecisionReject)
	}
}
