package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meshforge/mesh2step/internal/engine"
	"github.com/meshforge/mesh2step/pkg/log"
)

// Converter runs one conversion to completion and supports forced termination.
// Implemented by engine.Supervisor; faked in tests.
type Converter interface {
	Convert(ctx context.Context, req engine.Request) engine.Outcome
	Kill(jobID string) bool
}

type QueueConfig struct {
	// Workers bounds how many conversions run at once. Defaults to 1: the
	// engine is heavyweight and a single run can saturate a host.
	Workers int
	// JobTTL is the store TTL applied to every created record.
	JobTTL time.Duration
	// PendingBuffer is the capacity of the pending-id channel. Defaults to
	// 1024; enqueues beyond it are handed off to a goroutine.
	PendingBuffer int
}

type EnqueueRequest struct {
	// ID is optional; a fresh one is generated when empty.
	ID         string
	InputPath  string
	OutputPath string
	Options    Options
}

// Queue feeds pending job ids to a bounded worker pool. The store is the
// single source of truth: workers re-validate each id against it at dequeue
// time, so a record that vanished (cancel, TTL expiry) is skipped silently.
type Queue struct {
	cfg       QueueConfig
	store     Store
	converter Converter

	pending  chan string
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool

	waiting   int64
	active    int64
	completed int64
	failed    int64
}

func NewQueue(cfg QueueConfig, store Store, converter Converter) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 24 * time.Hour
	}
	if cfg.PendingBuffer <= 0 {
		cfg.PendingBuffer = 1024
	}
	return &Queue{
		cfg:       cfg,
		store:     store,
		converter: converter,
		pending:   make(chan string, cfg.PendingBuffer),
		stopCh:    make(chan struct{}),
	}
}

// Enqueue creates the job record (with the configured TTL) and schedules it.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	job := &Job{
		ID:         id,
		Status:     StatusQueued,
		Options:    req.Options,
		InputPath:  req.InputPath,
		OutputPath: req.OutputPath,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := q.store.Create(ctx, job, q.cfg.JobTTL); err != nil {
		return nil, err
	}

	atomic.AddInt64(&q.waiting, 1)
	q.enqueuePendingID(id)
	log.Info("Enqueued job %s (input=%s, format=%s)", id, req.InputPath, req.Options.InputFormat)
	return job.Clone(), nil
}

// Cancel marks a non-terminal job canceled and kills its conversion process if
// one is running. A job already in a terminal state is returned unchanged:
// cancellation promises "no further progress", not rollback.
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	status := StatusCanceled
	updated, err := q.store.Update(ctx, id, Patch{Status: &status})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Expired or deleted between read and write; already as good as
			// canceled.
			return job, nil
		}
		if errors.Is(err, ErrTerminalState) {
			// The worker wrote completed/failed first; report what it wrote.
			if current, gerr := q.store.Get(ctx, id); gerr == nil {
				return current, nil
			}
			return job, nil
		}
		return nil, err
	}

	if q.converter.Kill(id) {
		log.Info("Canceled job %s with a running conversion", id)
	} else {
		log.Info("Canceled job %s", id)
	}
	return updated, nil
}

// Start launches the worker pool. Safe to call once.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	log.Info("Conversion queue started with %d worker(s)", q.cfg.Workers)
}

// Stop shuts the pool down and waits for in-flight conversions to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.wg.Wait()
	})
}

type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Waiting:   atomic.LoadInt64(&q.waiting),
		Active:    atomic.LoadInt64(&q.active),
		Completed: atomic.LoadInt64(&q.completed),
		Failed:    atomic.LoadInt64(&q.failed),
	}
}

func (q *Queue) enqueuePendingID(id string) {
	select {
	case q.pending <- id:
	default:
		// Buffer full; park the handoff so Enqueue never blocks. Stop releases
		// the goroutine and drops the id, the record just ages out by TTL.
		go func() {
			select {
			case q.pending <- id:
			case <-q.stopCh:
			}
		}()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case id := <-q.pending:
			atomic.AddInt64(&q.waiting, -1)
			q.process(id)
		}
	}
}

func (q *Queue) process(id string) {
	ctx := context.Background()

	// Re-validate against the store: a record that vanished or was canceled
	// while queued is an idempotent no-op, with nothing written back.
	job, err := q.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Debug("Job %s vanished before processing, skipping", id)
			return
		}
		log.Error("Failed to read job %s before processing: %v", id, err)
		return
	}
	if job.Status != StatusQueued {
		log.Debug("Job %s is %s, not queued, skipping", id, job.Status)
		return
	}

	atomic.AddInt64(&q.active, 1)
	defer atomic.AddInt64(&q.active, -1)

	processing := StatusProcessing
	zero := 0
	if _, err := q.store.Update(ctx, id, Patch{Status: &processing, Progress: &zero}); err != nil {
		// The store is the arbiter: a cancel that landed after the Get above
		// comes back as ErrTerminalState and the job must never spawn.
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTerminalState) {
			log.Debug("Job %s gone or terminal before processing, skipping", id)
			return
		}
		log.Error("Failed to mark job %s processing: %v", id, err)
		return
	}

	outcome := q.converter.Convert(ctx, engine.Request{
		JobID:       id,
		InputPath:   job.InputPath,
		OutputPath:  job.OutputPath,
		Tolerance:   job.Options.Tolerance,
		Repair:      job.Options.Repair,
		InputFormat: job.Options.InputFormat,
		Merge:       job.Options.Merge,
	})

	if outcome.Success {
		completed := StatusCompleted
		full := 100
		q.writeTerminal(id, Patch{Status: &completed, Progress: &full})
		atomic.AddInt64(&q.completed, 1)
		log.Info("Job %s completed (facets=%d, output_size=%d)", id, outcome.Facets, outcome.OutputSize)
		return
	}

	failed := StatusFailed
	msg := outcome.Message
	q.writeTerminal(id, Patch{Status: &failed, Error: &msg})
	atomic.AddInt64(&q.failed, 1)
	log.Warn("Job %s failed (%s): %s", id, outcome.Failure, msg)
}

// writeTerminal records a terminal status. A NotFound here means the record
// was deleted mid-flight (cancel or TTL expiry) and ErrTerminalState means a
// cancel won the race; both are logged and swallowed, never surfaced or
// retried, so a canceled record keeps its status.
func (q *Queue) writeTerminal(id string, patch Patch) {
	if _, err := q.store.Update(context.Background(), id, patch); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTerminalState) {
			log.Debug("Job %s gone or already terminal, dropping status write", id)
			return
		}
		log.Error("Failed to record terminal status for job %s: %v", id, err)
	}
}
