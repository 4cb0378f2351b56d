// Package livelog holds the ephemeral, pollable progress logs for
// long-running operations. A caller starts an operation, gets an id
// back immediately, and polls Get while the detached body runs.
//
// Logs live only in process memory. Terminal logs are evicted after a
// retention window; an operation that never terminates is kept until
// it does.
package livelog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get for unknown or evicted operation ids.
var ErrNotFound = errors.New("livelog: operation not found")

// EntryStatus is the status of a single log entry.
type EntryStatus string

const (
	EntryWorking EntryStatus = "working"
	EntryOK      EntryStatus = "ok"
	EntryError   EntryStatus = "error"
)

// Status is the overall operation status.
type Status string

const (
	StatusWorking Status = "working"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Entry is one progress message.
type Entry struct {
	Message string      `json:"message"`
	Time    time.Time   `json:"time"`
	Status  EntryStatus `json:"status"`
}

// Log is the full progress record for one operation.
type Log struct {
	Kind    string  `json:"kind"`
	VMID    string  `json:"vmId,omitempty"`
	Status  Status  `json:"status"`
	Entries []Entry `json:"entries"`

	finishedAt time.Time
}

// DefaultRetention is how long a terminal log stays readable.
const DefaultRetention = time.Hour

// Store keeps all live operation logs for this process.
type Store struct {
	mu        sync.Mutex
	logs      map[string]*Log
	retention time.Duration
	logger    *zap.Logger
}

// NewStore creates a Store with DefaultRetention.
func NewStore(logger *zap.Logger) *Store {
	return NewStoreWithRetention(logger, DefaultRetention)
}

// NewStoreWithRetention creates a Store with an explicit retention for
// terminal logs.
func NewStoreWithRetention(logger *zap.Logger, retention time.Duration) *Store {
	return &Store{
		logs:      make(map[string]*Log),
		retention: retention,
		logger:    logger,
	}
}

// Logger appends progress to one operation's log.
type Logger struct {
	store *Store
	id    string
}

// OperationID returns the id callers poll with.
func (l *Logger) OperationID() string { return l.id }

// Start registers a new operation and, if body is non-nil, launches it
// detached. The operation id is returned immediately; the body's error
// (or panic) marks the log failed.
func (s *Store) Start(kind, vmID string, body func(*Logger) error) string {
	id := uuid.NewString()

	s.mu.Lock()
	s.logs[id] = &Log{
		Kind:   kind,
		VMID:   vmID,
		Status: StatusWorking,
	}
	s.mu.Unlock()

	logger := &Logger{store: s, id: id}
	if body != nil {
		go s.run(logger, body)
	}
	return id
}

func (s *Store) run(l *Logger, body func(*Logger) error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("operation panicked",
				zap.String("operation", l.id), zap.Any("panic", r))
			l.Fail(fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := body(l); err != nil {
		l.Fail(err.Error())
	}
}

// Log appends a working entry, closing the previous working entry to
// ok so that only the newest entry is ever in progress.
func (l *Logger) Log(message string) {
	l.store.append(l.id, message, EntryWorking, "")
}

// Success appends a final ok entry and marks the operation succeeded.
func (l *Logger) Success(message string) {
	l.store.append(l.id, message, EntryOK, StatusSuccess)
}

// Fail appends a final error entry and marks the operation failed.
func (l *Logger) Fail(message string) {
	l.store.append(l.id, message, EntryError, StatusFailed)
}

func (s *Store) append(id, message string, status EntryStatus, terminal Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[id]
	if !ok {
		return
	}

	if n := len(log.Entries); n > 0 && log.Entries[n-1].Status == EntryWorking {
		log.Entries[n-1].Status = EntryOK
	}

	log.Entries = append(log.Entries, Entry{
		Message: message,
		Time:    time.Now(),
		Status:  status,
	})

	// The first terminal status wins; later Success/Fail calls still
	// append their entry but do not flip the outcome.
	if terminal != "" && log.Status == StatusWorking {
		log.Status = terminal
		log.finishedAt = time.Now()
	}
}

// Get returns a copy of the operation's log.
func (s *Store) Get(id string) (Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[id]
	if !ok {
		return Log{}, ErrNotFound
	}

	out := *log
	out.Entries = append([]Entry(nil), log.Entries...)
	return out, nil
}

// Sweep drops terminal logs that finished before now-retention.
// Returns the number of evicted logs.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, log := range s.logs {
		if log.Status == StatusWorking {
			continue
		}
		if now.Sub(log.finishedAt) > s.retention {
			delete(s.logs, id)
			evicted++
		}
	}
	return evicted
}

// Run sweeps periodically until the context is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.retention / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				s.logger.Debug("evicted finished operation logs", zap.Int("count", n))
			}
		}
	}
}
