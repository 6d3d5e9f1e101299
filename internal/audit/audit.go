// Package audit appends one JSON line per gateway decision.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/l0p7/promptguard/internal/config"
	"github.com/l0p7/promptguard/internal/decision"
)

const previewLimit = 200

// Record is the line format of the audit log.
type Record struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	InputHash    string            `json:"input_hash"`
	InputPreview string            `json:"input_preview"`
	Blocked      bool              `json:"blocked"`
	RuleID       string            `json:"rule_id"`
	RuleName     string            `json:"rule_name"`
	Severity     decision.Severity `json:"severity"`
	LatencyMS    float64           `json:"latency_ms"`
	Context      string            `json:"context"`
	UnsafeMode   bool              `json:"unsafe_mode"`
}

// Log writes records to a sink. Write failures are logged and swallowed so
// auditing never fails a request.
type Log struct {
	logger *slog.Logger

	mu   sync.Mutex
	sink io.Writer
}

// New writes to sink. A nil sink discards records.
func New(logger *slog.Logger, sink io.Writer) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Log{logger: logger.With(slog.String("agent", "audit")), sink: sink}
}

// Open builds a Log for cfg. A disabled audit configuration returns a
// discarding Log. Enabled logs rotate through lumberjack.
func Open(logger *slog.Logger, cfg config.AuditConfig) *Log {
	if !cfg.Enabled {
		return New(logger, nil)
	}
	return New(logger, &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
}

// NewRecord derives the audit record for input and d.
func NewRecord(input string, d decision.Decision) Record {
	sum := sha256.Sum256([]byte(input))
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Record{
		ID:           uuid.NewString(),
		Timestamp:    ts,
		InputHash:    hex.EncodeToString(sum[:]),
		InputPreview: decision.Truncate(input, previewLimit),
		Blocked:      d.Blocked,
		RuleID:       d.RuleID,
		RuleName:     d.RuleName,
		Severity:     d.Severity,
		LatencyMS:    d.LatencyMS,
		Context:      d.Context,
		UnsafeMode:   d.UnsafeMode,
	}
}

// Append writes the record for input and d as a single line.
func (l *Log) Append(input string, d decision.Decision) {
	if l == nil || l.sink == nil {
		return
	}
	rec := NewRecord(input, d)
	line, err := json.Marshal(rec)
	if err != nil {
		l.logger.Error("audit record encode failed", slog.Any("error", err))
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.sink.Write(line); err != nil {
		l.logger.Error("audit write failed", slog.String("record_id", rec.ID), slog.Any("error", err))
	}
}

// Close releases the sink when it holds a file.
func (l *Log) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if closer, ok := l.sink.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
