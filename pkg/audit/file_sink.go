package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

const (
	// DefaultMaxFileSize rotates the active log file once it reaches 100 MB.
	DefaultMaxFileSize = 100 * 1024 * 1024

	// DefaultMaxAge prunes rotated files older than 90 days.
	DefaultMaxAge = 90 * 24 * time.Hour

	// DefaultBufferSize bounds the in-memory buffer in buffered mode.
	// The oldest events are dropped on overflow.
	DefaultBufferSize = 1024

	filePrefix = "audit-"
	fileSuffix = ".log"
)

// FileSinkConfig configures a FileSink.
type FileSinkConfig struct {
	// Dir is the directory holding audit log files.
	Dir string
	// MaxFileSize is the rotation threshold in bytes.
	MaxFileSize int64
	// MaxAge prunes rotated files older than this.
	MaxAge time.Duration
	// Buffered batches events in memory until Flush or the buffer fills.
	Buffered bool
	// BufferSize bounds the buffer in buffered mode.
	BufferSize int
}

// FileSink appends events as JSON lines to rotated files under Dir.
// All file access happens under an internal lock; readers may tail the
// active file concurrently.
type FileSink struct {
	cfg FileSinkConfig

	mu      sync.Mutex
	file    *os.File
	size    int64
	pending []*Event
	dropped uint64
	closed  bool
}

// NewFileSink creates the audit directory if needed and opens a fresh log file.
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	s := &FileSink{cfg: cfg}
	if err := s.openNewFile(); err != nil {
		return nil, err
	}
	return s, nil
}

// Emit appends a single event.
func (s *FileSink) Emit(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitLocked(event)
}

// EmitBatch appends a batch of events in order.
func (s *FileSink) EmitBatch(_ context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range events {
		if err := s.emitLocked(event); err != nil {
			return err
		}
	}
	return nil
}

// Flush drains any buffered events to disk.
func (s *FileSink) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close flushes buffered events and closes the active file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	flushErr := s.flushLocked()
	if s.file != nil {
		if err := s.file.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
		s.file = nil
	}
	return flushErr
}

func (s *FileSink) emitLocked(event *Event) error {
	if s.closed {
		return fmt.Errorf("audit sink is closed")
	}
	if !s.cfg.Buffered {
		return s.writeLocked(event)
	}

	if len(s.pending) >= s.cfg.BufferSize {
		// Drop-oldest keeps the most recent context at the cost of the
		// oldest; the drop itself is surfaced in operator logs.
		s.pending = s.pending[1:]
		s.dropped++
		logger.Warnw("audit buffer overflow, dropping oldest event", "dropped_total", s.dropped)
	}
	s.pending = append(s.pending, event)

	if len(s.pending) >= s.cfg.BufferSize/2 {
		return s.flushLocked()
	}
	return nil
}

func (s *FileSink) flushLocked() error {
	for len(s.pending) > 0 {
		if err := s.writeLocked(s.pending[0]); err != nil {
			return err
		}
		s.pending = s.pending[1:]
	}
	return nil
}

func (s *FileSink) writeLocked(event *Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	line = append(line, '\n')

	if s.size+int64(len(line)) > s.cfg.MaxFileSize {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := s.file.Write(line)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

func (s *FileSink) openNewFile() error {
	name := filePrefix + time.Now().UTC().Format("20060102-150405.000000000") + fileSuffix
	path := filepath.Join(s.cfg.Dir, name)
	// #nosec G304: path is confined to the configured audit directory
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	s.file = file
	s.size = 0
	return nil
}

func (s *FileSink) rotateLocked() error {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			logger.Warnf("failed to close rotated audit file: %v", err)
		}
	}
	if err := s.openNewFile(); err != nil {
		return err
	}
	s.pruneLocked()
	return nil
}

// pruneLocked removes rotated files older than MaxAge. Best effort.
func (s *FileSink) pruneLocked() {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		logger.Warnf("failed to list audit directory: %v", err)
		return
	}

	cutoff := time.Now().Add(-s.cfg.MaxAge)
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.cfg.Dir, name)); err != nil {
			logger.Warnf("failed to prune audit file %s: %v", name, err)
		}
	}
}

var _ Sink = (*FileSink)(nil)
