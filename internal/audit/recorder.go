package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/cync-core/internal/bridges/cync"
)

// recorderQueueSize bounds entries waiting to be written.
const recorderQueueSize = 256

// Logger is the logging surface the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder writes dispatcher audit entries to a Repository in the
// background. It implements cync.Auditor.
//
// RecordCommand never blocks the caller: entries are queued and written
// serially, and dropped with a warning when the queue is full.
type Recorder struct {
	repo    Repository
	queue   chan *Entry
	logger  Logger
	dropped atomic.Uint64

	wg sync.WaitGroup
}

// NewRecorder creates a recorder over repo. Call Start before use.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{
		repo:   repo,
		queue:  make(chan *Entry, recorderQueueSize),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for write failures and drops.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start runs the writer until ctx is cancelled. Entries still queued at
// cancellation are written before the writer exits.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.drain(ctx)
}

// Wait blocks until the writer has exited.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Dropped returns how many entries were lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// RecordCommand queues a dispatcher outcome for writing.
func (r *Recorder) RecordCommand(_ context.Context, e cync.AuditEntry) {
	entry := fromDispatch(e)

	select {
	case r.queue <- entry:
	default:
		r.dropped.Add(1)
		r.logger.Warn("audit queue full, dropping entry", "address", e.Address, "source", e.Source)
	}
}

func fromDispatch(e cync.AuditEntry) *Entry {
	request, err := json.Marshal(e.Request)
	if err != nil {
		request = json.RawMessage("{}")
	}

	entry := &Entry{
		Address: e.Address,
		Source:  e.Source,
		Request: request,
		Sent:    append([]string(nil), e.Sent...),
		Success: e.Err == nil,
	}
	if e.Err != nil {
		entry.Error = e.Err.Error()
	}
	return entry
}

func (r *Recorder) drain(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case entry := <-r.queue:
			r.write(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-r.queue:
					r.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(entry *Entry) {
	// The caller's context may already be gone; the write must still land.
	if err := r.repo.Create(context.Background(), entry); err != nil {
		r.logger.Error("audit write failed", "address", entry.Address, "error", err)
	}
}
