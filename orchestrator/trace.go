package orchestrator

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const (
	RouteTraceRecordType    = "orchestrator_route_trace_v1"
	RouteTraceSchemaVersion = 1
	traceMode               = "plan-first"
)

// Trace events.
const (
	EventRouteSelected   = "route-selected"
	EventAttemptStart    = "attempt-start"
	EventFallback        = "fallback"
	EventAttemptComplete = "attempt-complete"
	EventSuccess         = "success"
)

// Trace decisions.
const (
	DecisionAccept    = "accept"
	DecisionRetry     = "retry"
	DecisionSuccess   = "success"
	DecisionReject    = "reject"
	DecisionExhausted = "exhausted"
)

// RouteTraceRecord is one line of the route trace log.
type RouteTraceRecord struct {
	RecordType      string `json:"record_type"`
	SchemaVersion   int    `json:"schema_version"`
	TimestampUnixMs int64  `json:"timestamp_unix_ms"`
	Mode            string `json:"mode"`
	RunID           string `json:"run_id,omitempty"`
	Phase           Phase  `json:"phase"`
	Category        string `json:"category,omitempty"`
	StepIndex       *int   `json:"step_index"`
	Event           string `json:"event"`
	Role            string `json:"role,omitempty"`
	AttemptIndex    *int   `json:"attempt_index"`
	AttemptTotal    *int   `json:"attempt_total"`
	Decision        string `json:"decision,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Detail          string `json:"detail,omitempty"`
	ResponseChars   *int   `json:"response_chars"`
}

// TraceSink receives route trace records. Implementations must not fail the
// pipeline; write errors are theirs to report.
type TraceSink interface {
	Record(rec RouteTraceRecord)
}

type nopTraceSink struct{}

func (nopTraceSink) Record(RouteTraceRecord) {}

// FileTraceSink appends records as NDJSON to a file, creating parent
// directories as needed.
type FileTraceSink struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileTraceSink returns a sink appending to path. Failures are logged to
// logger as warnings.
func NewFileTraceSink(path string, logger *zap.Logger) *FileTraceSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileTraceSink{path: path, logger: logger}
}

func (s *FileTraceSink) Record(rec RouteTraceRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("route trace: encode record", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.logger.Warn("route trace: create directory", zap.String("path", dir), zap.Error(err))
			return
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("route trace: open log", zap.String("path", s.path), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.logger.Warn("route trace: write log", zap.String("path", s.path), zap.Error(err))
	}
}

// WriterTraceSink writes NDJSON records to w.
type WriterTraceSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterTraceSink(w io.Writer) *WriterTraceSink {
	return &WriterTraceSink{w: w}
}

func (s *WriterTraceSink) Record(rec RouteTraceRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(append(line, '\n'))
}

// MemoryTraceSink keeps records in memory.
type MemoryTraceSink struct {
	mu      sync.Mutex
	records []RouteTraceRecord
}

func (s *MemoryTraceSink) Record(rec RouteTraceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

// Records returns a copy of everything recorded so far.
func (s *MemoryTraceSink) Records() []RouteTraceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RouteTraceRecord(nil), s.records...)
}

// MultiTraceSink fans records out to several sinks.
type MultiTraceSink []TraceSink

func (m MultiTraceSink) Record(rec RouteTraceRecord) {
	for _, s := range m {
		s.Record(rec)
	}
}

func intPtr(v int) *int { return &v }
