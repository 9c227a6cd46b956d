package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AuditLog writes policy events to a local file with rotation.
type AuditLog struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	maxSize  int64
	maxFiles int
	written  int64
}

// AuditLogConfig configures an AuditLog.
type AuditLogConfig struct {
	Path     string // log file path (default: /var/log/netfw/audit.log)
	MaxSize  int64  // max file size in bytes (default: 10MB)
	MaxFiles int    // number of rotated files to keep (default: 5)
}

// NewAuditLog opens the audit file for appending.
func NewAuditLog(cfg AuditLogConfig) (*AuditLog, error) {
	path := cfg.Path
	if path == "" {
		path = "/var/log/netfw/audit.log"
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024 // 10MB
	}
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 5
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	al := &AuditLog{
		file:     f,
		path:     path,
		maxSize:  maxSize,
		maxFiles: maxFiles,
	}
	if info, err := f.Stat(); err == nil {
		al.written = info.Size()
	}
	return al, nil
}

// FormatEvent renders rec as a single key=value line without a trailing
// newline.
func FormatEvent(rec EventRecord) string {
	var b strings.Builder
	b.WriteString(rec.Type)
	if rec.Direction != "" {
		fmt.Fprintf(&b, " direction=%s", rec.Direction)
	}
	if rec.Action != "" {
		fmt.Fprintf(&b, " action=%s", rec.Action)
	}
	if rec.UserID != 0 {
		fmt.Fprintf(&b, " user=%d", rec.UserID)
	}
	if rec.Rules != 0 {
		fmt.Fprintf(&b, " rules=%d", rec.Rules)
	}
	if rec.Duration != 0 {
		fmt.Fprintf(&b, " took=%s", rec.Duration)
	}
	if rec.Detail != "" {
		fmt.Fprintf(&b, " detail=%q", rec.Detail)
	}
	if rec.Err != "" {
		fmt.Fprintf(&b, " err=%q", rec.Err)
	}
	return b.String()
}

// Write appends rec to the file.
func (al *AuditLog) Write(rec EventRecord) error {
	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	line := ts.Format("2006-01-02T15:04:05.000") + " " + FormatEvent(rec) + "\n"

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.file == nil {
		return fmt.Errorf("audit log closed")
	}

	n, err := al.file.WriteString(line)
	if err != nil {
		return err
	}
	al.written += int64(n)

	if al.written >= al.maxSize {
		al.rotate()
	}
	return nil
}

// Follow writes every event received on sub until the subscription
// channel closes. It is meant to run in its own goroutine.
func (al *AuditLog) Follow(sub *Subscription) {
	for rec := range sub.C {
		if err := al.Write(rec); err != nil {
			slog.Warn("audit log write failed", "path", al.path, "err", err)
		}
	}
}

// Close closes the log file.
func (al *AuditLog) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.file != nil {
		err := al.file.Close()
		al.file = nil
		return err
	}
	return nil
}

func (al *AuditLog) rotate() {
	al.file.Close()
	al.file = nil

	for i := al.maxFiles - 1; i > 0; i-- {
		old := fmt.Sprintf("%s.%d", al.path, i)
		next := fmt.Sprintf("%s.%d", al.path, i+1)
		os.Rename(old, next)
	}
	os.Rename(al.path, al.path+".1")
	os.Remove(fmt.Sprintf("%s.%d", al.path, al.maxFiles+1))

	f, err := os.OpenFile(al.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		slog.Warn("failed to open rotated audit log file", "err", err)
		return
	}
	al.file = f
	al.written = 0
}
