// Package audit implements the append-only write-request journal,
// spec.md §4.3. Failures are logged but never propagate — the audit
// log is best-effort.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Log appends JSON-encoded entries to a single file with O_APPEND
// semantics, one per line, prefixed with a timestamp.
type Log struct {
	mu         sync.Mutex
	path       string
	timeFormat string
	logger     *slog.Logger
}

// New creates an audit log writing to path, formatting timestamps with
// timeFormat (spec.md's AUDIT_FILE_TIME_FORMAT).
func New(path, timeFormat string) *Log {
	return &Log{
		path:       path,
		timeFormat: timeFormat,
		logger:     slog.Default().With("component", "audit"),
	}
}

// Append writes one journal line for entry. Any failure (permission
// denied, disk full, marshal error) is logged and swallowed — callers
// must not fail an acquisition because the audit trail could not be
// written.
func (l *Log) Append(entry interface{}) {
	payload, err := json.Marshal(struct {
		RequestID string      `json:"request_id"`
		Entry     interface{} `json:"entry"`
	}{RequestID: uuid.New().String(), Entry: entry})
	if err != nil {
		l.logger.Error("failed to marshal audit entry", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Error("failed to open audit file", "path", l.path, "error", err)
		return
	}
	defer f.Close()

	line := "[" + time.Now().Format(l.timeFormat) + "] " + string(payload) + "\n"
	if _, err := f.WriteString(line); err != nil {
		l.logger.Error("failed to append audit entry", "path", l.path, "error", err)
	}
}
