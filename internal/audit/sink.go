// Package audit implements the append-only audit trail every request,
// tool call, and safety-relevant decision is recorded to. Records are
// PHI-scrubbed before they ever reach disk, routed by severity onto one
// of three newline-delimited-JSON files, and emitted off the request path
// through a bounded queue so a slow disk never blocks a caller. The files
// are only appended to: they are not rotated and have no size or count
// cap.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klyne-labs/medintel-gateway/internal/phi"
)

// Severity selects which stream file a Record is written to.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeveritySecurity Severity = "security"
	SeverityError    Severity = "error"
)

// Kind enumerates the event shapes the sink accepts. audit-dropped is
// emitted by the sink itself, never by a caller, when the queue overflows.
type Kind string

const (
	KindAccess           Kind = "access"
	KindDataModification Kind = "data-modification"
	KindMedicalQuery     Kind = "medical-query"
	KindSecurityEvent    Kind = "security-event"
	KindHTTP             Kind = "http"
	KindDropped          Kind = "audit-dropped"
)

// Record is one audit trail entry. SessionIDHash, never the raw session
// id, is what gets persisted — callers set it to the hash; the sink
// writes the field as given and does not hash it.
type Record struct {
	Timestamp     time.Time      `json:"timestamp"`
	Kind          Kind           `json:"kind"`
	Severity      Severity       `json:"severity"`
	SessionIDHash string         `json:"session_id_hash,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	Action        string         `json:"action"`
	Outcome       string         `json:"outcome"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

const queueCapacity = 2048

// Sink is the composition root's single audit writer. Construct one with
// New and call Close during graceful shutdown to drain the queue.
type Sink struct {
	dir       string
	queue     chan Record
	dropped   atomicCounter
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	streams map[Severity]*os.File
}

// New opens (creating if necessary) the three append-only log files
// under dir (normal.ndjson, security.ndjson, error.ndjson) and starts the
// background writer goroutine. dir is created with 0700
// permissions since audit logs may contain clinical context even after
// scrubbing.
func New(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	s := &Sink{
		dir:     dir,
		queue:   make(chan Record, queueCapacity),
		closed:  make(chan struct{}),
		streams: make(map[Severity]*os.File),
	}
	for _, sev := range []Severity{SeverityNormal, SeveritySecurity, SeverityError} {
		f, err := os.OpenFile(filepath.Join(dir, string(sev)+".ndjson"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("audit: open %s stream: %w", sev, err)
		}
		s.streams[sev] = f
	}
	s.wg.Add(1)
	go s.drain()
	return s, nil
}

// Emit queues a record for asynchronous, PHI-scrubbed persistence. It
// never blocks the caller: when the queue is full the record is dropped
// and the drop counter incremented; an audit-dropped record is queued in
// its place only if a queue slot is free by then.
func (s *Sink) Emit(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.Severity == "" {
		r.Severity = SeverityNormal
	}
	select {
	case s.queue <- r:
	default:
		s.dropped.inc()
		select {
		case s.queue <- Record{
			Timestamp: time.Now().UTC(),
			Kind:      KindDropped,
			Severity:  SeveritySecurity,
			Action:    "queue_overflow",
			Outcome:   "dropped",
			Metadata:  map[string]any{"total_dropped": s.dropped.value()},
		}:
		default:
			// even the downgrade record didn't fit; the drop counter still
			// reflects reality and will surface on the next successful emit.
		}
	}
}

func (s *Sink) drain() {
	defer s.wg.Done()
	for {
		select {
		case r := <-s.queue:
			s.write(r)
		case <-s.closed:
			// flush whatever is left without blocking forever
			for {
				select {
				case r := <-s.queue:
					s.write(r)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(r Record) {
	scrubbedMeta, _ := phi.ScrubRecord(r.Metadata)
	if m, ok := scrubbedMeta.(map[string]any); ok {
		r.Metadata = m
	}
	r.Action, _ = phi.Scrub(r.Action)
	r.Outcome, _ = phi.Scrub(r.Outcome)

	line, err := json.Marshal(r)
	if err != nil {
		slog.Error("audit: marshal failed", "error", err)
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.streams[r.Severity]
	if f == nil {
		f = s.streams[SeverityNormal]
	}
	if _, err := f.Write(line); err != nil {
		slog.Error("audit: write failed", "severity", r.Severity, "error", err)
	}
}

// Close stops accepting new drain cycles, flushes the queue, and closes
// the underlying files. Safe to call once during shutdown.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.streams {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DroppedCount reports how many records have been discarded due to queue
// overflow since the sink started. Exposed for the obs package's gauge.
func (s *Sink) DroppedCount() int64 {
	return s.dropped.value()
}

type atomicCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *atomicCounter) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

