package agentloop

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store persists committed conversation messages.
type Store interface {
	Append(msgs []Message) error
}

type storeRecord struct {
	TimestampUnixMs int64   `json:"timestamp_unix_ms"`
	Message         Message `json:"message"`
}

// FileStore appends messages to an NDJSON file, one record per line.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Append writes msgs in order. The batch is encoded before the file is
// touched, so an encoding failure writes nothing.
func (s *FileStore) Append(msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UnixMilli()
	var buf []byte
	for _, m := range msgs {
		line, err := json.Marshal(storeRecord{TimestampUnixMs: ts, Message: m})
		if err != nil {
			return fmt.Errorf("encode session record: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create session directory: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	return f.Close()
}

// Load reads every stored message. A missing file yields no messages.
func (s *FileStore) Load() ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec storeRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("session file %s line %d: %w", s.path, line, err)
		}
		msgs = append(msgs, rec.Message)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return msgs, nil
}
