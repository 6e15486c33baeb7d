package convo

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/oklog/ulid/v2"

	"github.com/martinemde/stride/llm"
)

// record is one line of the durable log. Exactly one field is set.
type record struct {
	Message    *llm.Message  `json:"message,omitempty"`
	Checkpoint *int          `json:"checkpoint,omitempty"`
	Usage      *int          `json:"usage,omitempty"`
	Compaction []llm.Message `json:"compaction,omitempty"`
}

// durableLog is the append-only, single-writer file behind a Context.
// Synchronization is the owning Context's responsibility.
type durableLog struct {
	path string
	file *os.File
}

// openDurableLog opens (or creates) the log at path and returns the
// replayed records of any existing content.
func openDurableLog(path string) (*durableLog, []record, error) {
	records, err := readRecords(path)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open conversation log: %w", err)
	}
	return &durableLog{path: path, file: file}, records, nil
}

// readRecords parses every line of the file at path. A missing file yields
// no records.
func readRecords(path string) ([]record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation log: %w", err)
	}
	defer f.Close()

	var records []record
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var rec record
			if jerr := json.Unmarshal(line, &rec); jerr != nil {
				return nil, fmt.Errorf("corrupt conversation log %s: %w", path, jerr)
			}
			records = append(records, rec)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read conversation log: %w", err)
		}
	}
	return records, nil
}

// write appends one record as a single line.
func (l *durableLog) write(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = l.file.Write(data)
	return err
}

// sync flushes to stable storage. Called at checkpoint boundaries rather
// than per record.
func (l *durableLog) sync() {
	_ = l.file.Sync()
}

// truncateTo rotates the current file to a backup and rewrites the log
// with the backup's records up to and including checkpoint id. The backup
// is preserved, not deleted. Returns the retained records and the backup
// path. The rename is atomic, so a half-finished truncation can never be
// mistaken for a live log.
func (l *durableLog) truncateTo(id int) ([]record, string, error) {
	if err := l.file.Close(); err != nil {
		return nil, "", fmt.Errorf("close log for rotation: %w", err)
	}

	backup := fmt.Sprintf("%s.%s.bak", l.path, ulid.Make().String())
	if err := os.Rename(l.path, backup); err != nil {
		return nil, "", fmt.Errorf("rotate log: %w", err)
	}

	all, err := readRecords(backup)
	if err != nil {
		return nil, "", err
	}

	retained := all
	for i, rec := range all {
		if rec.Checkpoint != nil && *rec.Checkpoint == id {
			retained = all[:i+1]
			break
		}
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("recreate log: %w", err)
	}
	l.file = file
	for _, rec := range retained {
		if err := l.write(rec); err != nil {
			return nil, "", fmt.Errorf("replay log: %w", err)
		}
	}
	l.sync()
	return retained, backup, nil
}

func (l *durableLog) close() error {
	return l.file.Close()
}
