package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/observability"
)

// Handler processes jobs of one kind.
type Handler interface {
	Kind() domain.JobKind
	// Handle runs the job. Returning nil completes it; an error wrapping
	// domain.ErrCancelled leaves it as the canceller left it; any other error fails it.
	Handle(ctx context.Context, job *domain.Job, progress Progress) error
}

// Runner pulls messages from a queue and runs the registered handlers on a fixed pool
// of goroutines. Items inside one job are processed sequentially by its handler.
type Runner struct {
	engine   *Engine
	queue    Queue
	workers  int
	handlers map[domain.JobKind]Handler
	logger   zerolog.Logger

	// retryDelay is the pause after a queue error.
	retryDelay time.Duration
}

// NewRunner creates a Runner with the given number of worker goroutines.
func NewRunner(engine *Engine, queue Queue, workers int, logger zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		engine:     engine,
		queue:      queue,
		workers:    workers,
		handlers:   make(map[domain.JobKind]Handler),
		logger:     logger.With().Str("component", "runner").Logger(),
		retryDelay: time.Second,
	}
}

// Register adds h for its kind, replacing any previous handler. Register must not be
// called after Run.
func (r *Runner) Register(h Handler) {
	r.handlers[h.Kind()] = h
}

// Run processes messages until ctx is done or the queue is closed.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Int("workers", r.workers).Int("handlers", len(r.handlers)).Msg("starting job runner")

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.loop(ctx, worker)
		}(i)
	}
	wg.Wait()

	r.logger.Info().Msg("job runner stopped")
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (r *Runner) loop(ctx context.Context, worker int) {
	logger := r.logger.With().Int("worker", worker).Logger()
	for {
		msg, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			logger.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.retryDelay):
			}
			continue
		}
		r.process(ctx, msg, logger)
	}
}

// process claims and runs one message.
func (r *Runner) process(ctx context.Context, msg Message, logger zerolog.Logger) {
	logger = observability.WithJobContext(logger, msg.JobID.String(), msg.ProjectID.String(), string(msg.Kind))

	job, err := r.engine.Claim(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Debug().Msg("job is not pending, skipping message")
			r.ack(ctx, msg, logger)
			return
		}
		// Unacknowledged: the queue may deliver the message again.
		logger.Error().Err(err).Msg("claim failed")
		return
	}
	r.ack(ctx, msg, logger)

	handler, ok := r.handlers[job.Kind]
	if !ok {
		r.fail(ctx, job, fmt.Errorf("no handler registered for job kind %q", job.Kind), logger)
		return
	}

	logger.Info().Int("total", job.TotalUnits).Msg("job started")
	jobCtx := observability.WithJobID(observability.WithProjectID(ctx, job.ProjectID.String()), job.ID.String())
	err = r.invoke(jobCtx, handler, job)

	switch {
	case err == nil:
		done, cerr := r.engine.Complete(ctx, job.ID)
		if cerr != nil {
			// A cancel that landed after the handler's last checkpoint wins.
			logger.Warn().Err(cerr).Msg("could not complete job")
			return
		}
		logger.Info().
			Int("processed", done.ProcessedUnits).
			Int("errors", done.ErrorCount).
			Msg("job completed")
	case errors.Is(err, domain.ErrCancelled):
		logger.Info().Err(err).Msg("job stopped at checkpoint")
	default:
		r.fail(ctx, job, err, logger)
	}
}

func (r *Runner) ack(ctx context.Context, msg Message, logger zerolog.Logger) {
	if err := msg.Ack(ctx); err != nil {
		// A redelivery is absorbed by Claim.
		logger.Warn().Err(err).Msg("could not acknowledge job message")
	}
}

// invoke runs the handler, converting a panic into an error.
func (r *Runner) invoke(ctx context.Context, h Handler, job *domain.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("job_id", job.ID.String()).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("job handler panicked")
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Handle(ctx, job, r.engine.Tracker(job))
}

func (r *Runner) fail(ctx context.Context, job *domain.Job, cause error, logger zerolog.Logger) {
	if ctx.Err() != nil {
		// Shutting down: leave the job running so the stall check reclaims it.
		logger.Warn().Err(cause).Msg("job interrupted by shutdown")
		return
	}
	if _, err := r.engine.Fail(ctx, job.ID, cause); err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("could not mark job failed")
		return
	}
	logger.Error().Err(cause).Msg("job failed")
}
