package runtime

import (
	"time"

	"github.com/hostbridge/hostbridge/internal/runtime/envelope"
	loggingpkg "github.com/hostbridge/hostbridge/internal/runtime/logging"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// JobID is the runner-assigned identifier of the job.
	JobID string
	// Command is the command name that started the job.
	Command string
	// CorrelationID joins the job to its originating request.
	CorrelationID string
	// StartedAt is when the job started processing.
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called when a worker begins executing a job.
	OnJobStart func(ctx JobContext)

	// OnJobProgress is called for every progress report a job makes.
	OnJobProgress func(ctx JobContext, progress envelope.Progress)

	// OnJobDone is called when a job completes successfully.
	// Duration will be set to how long the job took.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when a job fails or is cancelled.
	// The error is passed as the second argument.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart:    chainStartHooks(h.OnJobStart, other.OnJobStart),
		OnJobProgress: chainProgressHooks(h.OnJobProgress, other.OnJobProgress),
		OnJobDone:     chainStartHooks(h.OnJobDone, other.OnJobDone),
		OnJobError:    chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainStartHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainProgressHooks(a, b func(JobContext, envelope.Progress)) func(JobContext, envelope.Progress) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, p envelope.Progress) {
		a(ctx, p)
		b(ctx, p)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"job_id":         ctx.JobID,
				"command":        ctx.Command,
				"correlation_id": ctx.CorrelationID,
			})
		},
		OnJobProgress: func(ctx JobContext, p envelope.Progress) {
			logger.Debug("Job progress", loggingpkg.LogFields{
				"job_id":  ctx.JobID,
				"command": ctx.Command,
				"percent": p.Percent,
				"stage":   p.Stage,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"job_id":      ctx.JobID,
				"command":     ctx.Command,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"job_id":      ctx.JobID,
				"command":     ctx.Command,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record job counts.
func MetricsHooks(onStart, onDone, onError func(command string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Command)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Command)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Command)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
