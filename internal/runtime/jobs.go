package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hostbridge/hostbridge/internal/runtime/envelope"
	errspkg "github.com/hostbridge/hostbridge/internal/runtime/errors"
	idspkg "github.com/hostbridge/hostbridge/internal/runtime/ids"
	loggingpkg "github.com/hostbridge/hostbridge/internal/runtime/logging"
)

// Emitter publishes job lifecycle events and final responses onto the
// response topic. The Bridge implements it; tests substitute a recorder.
type Emitter interface {
	EmitEvent(ctx context.Context, event *envelope.JobEvent) error
	EmitResponse(ctx context.Context, resp *envelope.Response) error
}

// JobStatus is a point-in-time snapshot of one job.
type JobStatus struct {
	ID              string             `json:"jobId"`
	CorrelationID   string             `json:"correlationId"`
	Command         string             `json:"command"`
	State           string             `json:"state"`
	CancelRequested bool               `json:"cancelRequested"`
	Progress        *envelope.Progress `json:"progress,omitempty"`
	StartedAt       time.Time          `json:"startedAt,omitempty"`
	FinishedAt      time.Time          `json:"finishedAt,omitempty"`
}

type job struct {
	id            string
	correlationID string
	command       string

	req *envelope.Request
	run JobFunc

	mu              sync.Mutex
	state           string
	cancelRequested bool
	cancel          context.CancelFunc
	progress        *envelope.Progress
	startedAt       time.Time
	finishedAt      time.Time
}

func (j *job) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{
		ID:              j.id,
		CorrelationID:   j.correlationID,
		Command:         j.command,
		State:           j.state,
		CancelRequested: j.cancelRequested,
		Progress:        j.progress,
		StartedAt:       j.startedAt,
		FinishedAt:      j.finishedAt,
	}
}

// JobRunnerConfig tunes the worker pool.
type JobRunnerConfig struct {
	// Workers is the number of concurrent job executors. The embedded
	// scripting runtime is usually thread-confined, so the default is 1.
	Workers int
	// QueueSize bounds submitted-but-not-started jobs.
	QueueSize int
	// HistoryLimit bounds how many finished jobs stay queryable through
	// Status and Jobs. The oldest finished job is evicted first.
	HistoryLimit int
}

func (c JobRunnerConfig) withDefaults() JobRunnerConfig {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 256
	}
	return c
}

// JobRunner executes job-mode commands on a bounded worker pool and reports
// their lifecycle through the emitter: PENDING on submission, RUNNING when a
// worker picks the job up (and on every progress report), then exactly one
// terminal event plus exactly one response per correlation id.
type JobRunner struct {
	logger  loggingpkg.ServiceLogger
	emitter Emitter
	hooks   JobHooks

	queue chan *job

	mu           sync.Mutex
	jobs         map[string]*job
	history      []string
	historyLimit int
	closed       bool

	baseCtx context.Context
	wg      sync.WaitGroup
	stop    sync.Once
}

// NewJobRunner creates a runner and starts its workers. ctx is the lifetime
// of the runner: when it ends, running jobs see their contexts cancelled.
func NewJobRunner(ctx context.Context, cfg JobRunnerConfig, emitter Emitter, logger loggingpkg.ServiceLogger, hooks JobHooks) *JobRunner {
	cfg = cfg.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	r := &JobRunner{
		logger:       logger,
		emitter:      emitter,
		hooks:        hooks,
		queue:        make(chan *job, cfg.QueueSize),
		jobs:         make(map[string]*job),
		historyLimit: cfg.HistoryLimit,
		baseCtx:      ctx,
	}

	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Submit enqueues a job for the request and returns its id. The PENDING event
// is emitted before Submit returns, so callers always observe it ahead of any
// later state. A full queue fails fast with ErrJobQueueFull.
func (r *JobRunner) Submit(req *envelope.Request, run JobFunc) (string, error) {
	if run == nil {
		return "", errspkg.ErrHandlerRequired
	}

	j := &job{
		id:            idspkg.NewJobID(),
		correlationID: req.CorrelationID,
		command:       req.Type,
		req:           req,
		run:           run,
		state:         envelope.StatePending,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", errspkg.ErrBridgeClosed
	}
	r.jobs[j.id] = j
	r.mu.Unlock()

	select {
	case r.queue <- j:
	default:
		r.mu.Lock()
		delete(r.jobs, j.id)
		r.mu.Unlock()
		return "", errspkg.ErrJobQueueFull
	}

	r.emitEvent(j, envelope.StatePending, nil)
	return j.id, nil
}

// Cancel requests cooperative cancellation and returns a snapshot of the job
// after the request took effect. A pending job is cancelled on the spot; a
// running job moves to CANCELLING and its context is cancelled, the terminal
// state following when the handler returns. Cancelling a job that already
// reached a terminal state is a no-op that reports that state. Unknown ids
// fail with ErrUnknownJob: the runner has no state left to report for them.
func (r *JobRunner) Cancel(jobID string) (JobStatus, error) {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", errspkg.ErrUnknownJob, jobID)
	}

	j.mu.Lock()
	switch j.state {
	case envelope.StatePending:
		j.state = envelope.StateCancelled
		j.cancelRequested = true
		j.finishedAt = time.Now().UTC()
		j.mu.Unlock()

		r.emitEvent(j, envelope.StateCancelled, nil)
		r.emitResponse(j, envelope.Error(j.correlationID,
			fmt.Sprintf("job %s cancelled before it started", j.id)))
		r.archive(j.id)
		return j.snapshot(), nil

	case envelope.StateRunning:
		j.state = envelope.StateCancelling
		j.cancelRequested = true
		cancel := j.cancel
		j.mu.Unlock()

		r.emitEvent(j, envelope.StateCancelling, nil)
		// Snapshot before signalling so the caller sees CANCELLING, not
		// whatever terminal state the handler races to.
		status := j.snapshot()
		if cancel != nil {
			cancel()
		}
		return status, nil

	default:
		// CANCELLING or already terminal: nothing to do, report where the
		// job stands.
		j.mu.Unlock()
		return j.snapshot(), nil
	}
}

// Status returns a snapshot of the job, or ErrUnknownJob.
func (r *JobRunner) Status(jobID string) (JobStatus, error) {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", errspkg.ErrUnknownJob, jobID)
	}
	return j.snapshot(), nil
}

// Jobs returns snapshots of every job the runner still tracks.
func (r *JobRunner) Jobs() []JobStatus {
	r.mu.Lock()
	jobs := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot())
	}
	return out
}

// Close stops accepting new jobs and waits for the workers to drain the
// queue: jobs already queued still run to completion and answer normally.
func (r *JobRunner) Close() {
	r.stop.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.queue)
	})
	r.wg.Wait()
}

func (r *JobRunner) worker() {
	defer r.wg.Done()
	for j := range r.queue {
		r.execute(j)
	}
}

func (r *JobRunner) execute(j *job) {
	j.mu.Lock()
	if j.state != envelope.StatePending {
		// Cancelled while queued; the cancel path already answered.
		j.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	j.state = envelope.StateRunning
	j.cancel = cancel
	j.startedAt = time.Now().UTC()
	j.mu.Unlock()
	defer cancel()

	r.emitEvent(j, envelope.StateRunning, nil)
	jobCtx := JobContext{
		JobID:         j.id,
		Command:       j.command,
		CorrelationID: j.correlationID,
		StartedAt:     j.startedAt,
	}
	if r.hooks.OnJobStart != nil {
		r.hooks.OnJobStart(jobCtx)
	}

	progress := func(p envelope.Progress) {
		j.mu.Lock()
		cp := p
		j.progress = &cp
		state := j.state
		j.mu.Unlock()

		// Progress after a cancel request still reports RUNNING work.
		if state == envelope.StateRunning || state == envelope.StateCancelling {
			r.emitEvent(j, envelope.StateRunning, &cp)
		}
		if r.hooks.OnJobProgress != nil {
			r.hooks.OnJobProgress(jobCtx, cp)
		}
	}

	data, err := r.runGuarded(ctx, j, progress)
	r.finish(j, jobCtx, data, err)
}

// runGuarded converts a handler panic into a HandlerFault so one bad job
// cannot take down the worker pool.
func (r *JobRunner) runGuarded(ctx context.Context, j *job, progress func(envelope.Progress)) (data []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errspkg.NewHandlerFault(j.command, fmt.Errorf("panic: %v", rec))
		}
	}()
	return j.run(ctx, j.req, progress)
}

func (r *JobRunner) finish(j *job, jobCtx JobContext, data []byte, err error) {
	j.mu.Lock()
	cancelled := j.cancelRequested && err != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, errspkg.ErrJobCancelled))

	switch {
	case cancelled:
		j.state = envelope.StateCancelled
	case err != nil:
		j.state = envelope.StateFailed
	default:
		j.state = envelope.StateCompleted
	}
	j.finishedAt = time.Now().UTC()
	state := j.state
	j.mu.Unlock()

	jobCtx.Duration = j.finishedAt.Sub(jobCtx.StartedAt)
	r.emitEvent(j, state, nil)

	switch state {
	case envelope.StateCancelled:
		r.emitResponse(j, envelope.Error(j.correlationID,
			fmt.Sprintf("job %s cancelled", j.id)))
		if r.hooks.OnJobError != nil {
			r.hooks.OnJobError(jobCtx, errspkg.ErrJobCancelled)
		}

	case envelope.StateFailed:
		r.emitResponse(j, envelope.Error(j.correlationID, err.Error()))
		if r.hooks.OnJobError != nil {
			r.hooks.OnJobError(jobCtx, err)
		}

	default:
		r.emitResponse(j, &envelope.Response{
			Status:        envelope.StatusSuccess,
			Data:          data,
			CorrelationID: j.correlationID,
			DurationMs:    float64(jobCtx.Duration) / float64(time.Millisecond),
		})
		if r.hooks.OnJobDone != nil {
			r.hooks.OnJobDone(jobCtx)
		}
	}

	r.archive(j.id)
}

// emitResponse publishes a job's final response. The response is the only
// thing resolving the caller's pending call, so a publish failure is always
// logged, whatever the terminal state.
func (r *JobRunner) emitResponse(j *job, resp *envelope.Response) {
	if err := r.emitter.EmitResponse(r.baseCtx, resp); err != nil {
		r.logger.Error("failed to publish job response", err, loggingpkg.LogFields{
			"job_id":         j.id,
			"correlation_id": j.correlationID,
			"status":         resp.Status,
		})
	}
}

// archive records a terminal job and evicts the oldest finished jobs beyond
// the history limit so a long-lived runner does not accumulate them forever.
func (r *JobRunner) archive(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, jobID)
	for len(r.history) > r.historyLimit {
		delete(r.jobs, r.history[0])
		r.history = r.history[1:]
	}
}

func (r *JobRunner) emitEvent(j *job, state string, progress *envelope.Progress) {
	event := envelope.NewJobEvent(j.id, j.correlationID, j.command, state)
	j.mu.Lock()
	event.CancelRequested = j.cancelRequested
	j.mu.Unlock()
	event.Progress = progress

	if err := r.emitter.EmitEvent(r.baseCtx, event); err != nil {
		r.logger.Warn("failed to publish job event", loggingpkg.LogFields{
			"job_id": j.id,
			"state":  state,
			"error":  err.Error(),
		})
	}
}
