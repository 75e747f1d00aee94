// Package tradelog appends every processed fill to a per-day JSONL file,
// trades_<YYYY-MM-DD>.jsonl. One JSON object per line; the file is synced
// after each append so a crash loses at most the record being written.
//
// The log is an audit trail, not state: nothing reads it back at startup.
// An empty directory in config disables it entirely.
package tradelog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"alpaca-scalper/pkg/types"
)

// Log writes trade records to daily JSONL files. All operations are
// mutex-protected; the zero-value *Log (nil) is a valid disabled log.
type Log struct {
	dir string

	mu   sync.Mutex
	day  string // day the open file belongs to
	file *os.File
}

// Open creates the log directory if needed. An empty dir returns a nil
// log, on which Append is a no-op.
func Open(dir string) (*Log, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trade log dir: %w", err)
	}
	return &Log{dir: dir}, nil
}

// Append writes one record as a single JSON line.
func (l *Log) Append(rec types.TradeRecord) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := rec.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	day := ts.UTC().Format("2006-01-02")
	if err := l.rotate(day); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trade record: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append trade record: %w", err)
	}
	return l.file.Sync()
}

// rotate opens the day's file if the open one belongs to another day.
func (l *Log) rotate(day string) error {
	if l.file != nil && l.day == day {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	path := filepath.Join(l.dir, "trades_"+day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open trade log: %w", err)
	}
	l.file, l.day = f, day
	return nil
}

// Close flushes and closes the open file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
