// Package audit keeps an append-only JSONL trail of API key decisions and
// committed writes under <home>/logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/statusboard/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Entry is one audit record. Action is a change kind for writes or the
// request line for denials.
type Entry struct {
	Decision string
	Action   string
	Actor    string
	Reason   string
	Subject  string
	TraceID  string
}

type line struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Actor     string `json:"actor,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Subject   string `json:"subject,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Log appends entries to the audit file. A nil *Log discards everything, so
// callers need not check whether auditing is configured.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
	now       func() time.Time
}

func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, now: time.Now}, nil
}

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

// DenyCount returns the number of deny decisions since Open.
func (l *Log) DenyCount() int64 {
	if l == nil {
		return 0
	}
	return l.denyCount.Load()
}

func (l *Log) Record(e Entry) {
	if l == nil {
		return
	}
	if e.Decision == DecisionDeny {
		l.denyCount.Add(1)
	}

	b, err := json.Marshal(line{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Decision:  e.Decision,
		Action:    e.Action,
		Actor:     e.Actor,
		Reason:    shared.Redact(e.Reason),
		Subject:   shared.Redact(e.Subject),
		TraceID:   e.TraceID,
	})
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}
