// Package convo implements the durable conversation store: an ordered
// message log with checkpoint markers, token accounting, and compaction,
// persisted incrementally to an append-only line-record log so a
// conversation can be restored verbatim after a process restart.
package convo

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/martinemde/stride/llm"
)

// ErrCheckpointNotFound is returned by RevertTo for an id that was never
// issued or has already been discarded by an earlier revert.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Context owns the conversation state for one session. It is mutated by a
// single writer (the engine); concurrent readers always observe a fully
// consistent snapshot.
type Context struct {
	mu          sync.RWMutex
	log         *durableLog
	messages    []llm.Message
	checkpoints int
	tokens      int
	logger      *slog.Logger
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Context) { c.logger = logger }
}

// Open creates a Context backed by the log file at path. If the file
// already exists its records are replayed, restoring the exact state the
// conversation had when the file was last written.
func Open(path string, opts ...Option) (*Context, error) {
	c := &Context{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}

	log, records, err := openDurableLog(path)
	if err != nil {
		return nil, err
	}
	c.log = log
	for _, rec := range records {
		c.apply(rec)
	}
	if len(records) > 0 {
		c.logger.Debug("conversation restored",
			"path", path,
			"messages", len(c.messages),
			"checkpoints", c.checkpoints)
	}
	return c, nil
}

// apply folds one log record into the in-memory state. Callers hold the
// write lock (or the Context is not yet shared).
func (c *Context) apply(rec record) {
	switch {
	case rec.Message != nil:
		c.messages = append(c.messages, *rec.Message)
	case rec.Checkpoint != nil:
		c.checkpoints = *rec.Checkpoint + 1
	case rec.Usage != nil:
		c.tokens = *rec.Usage
	case rec.Compaction != nil:
		c.messages = append([]llm.Message(nil), rec.Compaction...)
	}
}

// Append adds a message to the log, durably.
func (c *Context) Append(msg llm.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.log.write(record{Message: &msg}); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	c.messages = append(c.messages, msg)
	return nil
}

// Checkpoint assigns the next checkpoint id and writes its marker to the
// durable log. When withMarker is true a visible message naming the
// checkpoint is appended first, so a later revert has a human-readable
// anchor; the marker message replays as part of the checkpoint.
func (c *Context) Checkpoint(withMarker bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.checkpoints
	if withMarker {
		msg := llm.SystemMessage(fmt.Sprintf("[checkpoint %d]", id))
		if err := c.log.write(record{Message: &msg}); err != nil {
			return 0, fmt.Errorf("checkpoint marker: %w", err)
		}
		c.messages = append(c.messages, msg)
	}
	if err := c.log.write(record{Checkpoint: &id}); err != nil {
		return 0, fmt.Errorf("checkpoint: %w", err)
	}
	c.log.sync()
	c.checkpoints = id + 1
	return id, nil
}

// RevertTo discards every message appended after checkpoint id and
// truncates the checkpoint sequence back to id. The durable log is rotated
// to a backup file and replayed up to and including the target checkpoint;
// the in-memory state is rebuilt from the replay. Readers never observe a
// partially rebuilt state.
func (c *Context) RevertTo(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id < 0 || id >= c.checkpoints {
		return fmt.Errorf("revert to checkpoint %d (issued %d): %w", id, c.checkpoints, ErrCheckpointNotFound)
	}

	records, backup, err := c.log.truncateTo(id)
	if err != nil {
		return fmt.Errorf("revert to checkpoint %d: %w", id, err)
	}

	c.messages = nil
	c.checkpoints = 0
	c.tokens = 0
	for _, rec := range records {
		c.apply(rec)
	}

	c.logger.Info("conversation reverted",
		"checkpoint", id,
		"messages", len(c.messages),
		"backup", backup)
	return nil
}

// Compact replaces the entire message log with the summary set and resets
// the token count to the summary's estimate. The operation is recorded in
// the durable log so a later restore reproduces the compacted state.
func (c *Context) Compact(summary []llm.Message, tokens int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tokens <= 0 {
		tokens = llm.EstimateTokens(summary)
	}
	if err := c.log.write(record{Compaction: summary}); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	if err := c.log.write(record{Usage: &tokens}); err != nil {
		return fmt.Errorf("compact usage: %w", err)
	}
	c.log.sync()

	c.messages = append([]llm.Message(nil), summary...)
	before := c.tokens
	c.tokens = tokens

	c.logger.Info("conversation compacted",
		"messages", len(summary),
		"tokens_before", before,
		"tokens_after", tokens)
	return nil
}

// RefreshUsage updates the token count from the provider's usage report,
// falling back to a heuristic estimate of the current log when the report
// carries no totals.
func (c *Context) RefreshUsage(u llm.Usage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokens := u.TotalTokens
	if tokens <= 0 {
		tokens = llm.EstimateTokens(c.messages)
	}
	if err := c.log.write(record{Usage: &tokens}); err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	c.tokens = tokens
	return nil
}

// Messages returns a copy of the message log.
func (c *Context) Messages() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]llm.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages in the log.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Checkpoints returns the number of checkpoint ids issued so far.
func (c *Context) Checkpoints() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkpoints
}

// TokenCount returns the current best token estimate.
func (c *Context) TokenCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// Path returns the durable log file path.
func (c *Context) Path() string {
	return c.log.path
}

// Close releases the durable log file handle.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.close()
}
