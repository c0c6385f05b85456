package archive

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/store"
)

// QueueSnapshot is a read-only view of the job queue.
type QueueSnapshot struct {
	Pending    int  `json:"pending"`
	InProgress int  `json:"in_progress"`
	Idle       int  `json:"idle"`
	Error      int  `json:"error"`
	Processing bool `json:"processing"`
}

// Scheduler runs backfill jobs one at a time in creation order.
type Scheduler struct {
	store  *store.Store
	worker *backfillWorker
	cfg    *BackfillConfig
	log    zerolog.Logger

	wakeCh       chan struct{}
	processing   atomic.Bool
	lastActivity time.Time
}

func newScheduler(st *store.Store, worker *backfillWorker, cfg *BackfillConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		worker: worker,
		cfg:    cfg,
		log:    log,
		wakeCh: make(chan struct{}, 1),
	}
}

// Wake makes a waiting scheduler look at the queue again, e.g. after a job
// was added.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Snapshot(ctx context.Context) (QueueSnapshot, error) {
	counts, err := s.store.CountJobs(ctx)
	if err != nil {
		return QueueSnapshot{}, err
	}
	return QueueSnapshot{
		Pending:    counts.Pending,
		InProgress: counts.InProgress,
		Idle:       counts.Idle,
		Error:      counts.Error,
		Processing: s.processing.Load(),
	}, nil
}

// Run processes jobs until ctx is canceled. Jobs left in progress by an
// earlier process are requeued first. An AuthenticationError stops the
// loop and is returned, as are store failures.
func (s *Scheduler) Run(ctx context.Context) error {
	reset, err := s.store.ResetInProgressJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset interrupted jobs: %w", err)
	} else if reset > 0 {
		s.log.Info().Int64("count", reset).Msg("Requeued jobs interrupted by a previous run")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, dueAt, err := s.store.NextDueJob(ctx, time.Now())
		if err != nil {
			if isCanceled(err) {
				return nil
			}
			return fmt.Errorf("failed to get next job: %w", err)
		}
		if job == nil {
			s.waitForWork(ctx, dueAt)
			continue
		}
		if !s.lastActivity.IsZero() {
			if delay := s.cfg.GetJobDelay() - time.Since(s.lastActivity); delay > 0 {
				if sleepCtx(ctx, delay) != nil {
					return nil
				}
				continue
			}
		}
		err = s.runJob(ctx, job)
		s.lastActivity = time.Now()
		if err != nil {
			return err
		}
	}
}

func (s *Scheduler) waitForWork(ctx context.Context, dueAt time.Time) {
	var timerCh <-chan time.Time
	if !dueAt.IsZero() {
		timer := time.NewTimer(time.Until(dueAt))
		defer timer.Stop()
		timerCh = timer.C
	}
	select {
	case <-ctx.Done():
	case <-s.wakeCh:
	case <-timerCh:
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *store.Job) error {
	log := s.log.With().Int64("job_id", job.ID).Str("chat", job.ChatRef).Logger()
	if err := s.store.MarkJobInProgress(ctx, job.ID); errors.Is(err, store.ErrInvalidTransition) {
		log.Debug().Err(err).Msg("Job changed state before it could start")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to start job %d: %w", job.ID, err)
	}
	s.processing.Store(true)
	defer s.processing.Store(false)

	log.Info().Int64("anchor", job.AnchorMessageID).Int("attempts", job.Attempts).Msg("Starting backfill job")
	out := s.worker.RunJob(ctx, job)
	return s.finishJob(ctx, log, job, out)
}

// finishJob persists the job state after a run. It writes even when ctx is
// canceled so an interrupted job is requeued with its anchor.
func (s *Scheduler) finishJob(ctx context.Context, log zerolog.Logger, job *store.Job, out jobOutcome) error {
	writeCtx := context.WithoutCancel(ctx)
	var authErr *AuthenticationError
	var transientErr *TransientFetchError
	var permErr *PermissionError
	var fatalErr *FatalFetchError
	switch {
	case out.err == nil && out.exhausted:
		if err := s.store.MarkJobIdle(writeCtx, job.ID); err != nil {
			return fmt.Errorf("failed to mark job %d idle: %w", job.ID, err)
		}
		log.Info().Int("fetched", out.fetched).Msg("Backfill job finished")
		return nil
	case out.err == nil, isCanceled(out.err):
		fresh, err := s.store.GetJob(writeCtx, job.ID)
		if err != nil {
			return fmt.Errorf("failed to reload job %d: %w", job.ID, err)
		}
		if err = s.store.RequeueJob(writeCtx, job.ID, fresh.Attempts, time.Time{}, fresh.LastError); err != nil {
			return fmt.Errorf("failed to requeue job %d: %w", job.ID, err)
		}
		log.Info().Int("fetched", out.fetched).Int64("anchor", fresh.AnchorMessageID).Msg("Backfill job interrupted, requeued")
		return nil
	case errors.As(out.err, &authErr):
		reason := failureReason(out.err)
		if err := s.store.MarkJobError(writeCtx, job.ID, reason); err != nil {
			log.Err(err).Msg("Failed to record job error")
		}
		log.Error().Err(out.err).Msg("Backfill job stopped: session is not authorized")
		return authErr
	case errors.As(out.err, &transientErr):
		return s.retryJob(writeCtx, log, job, transientErr)
	case errors.As(out.err, &permErr), errors.As(out.err, &fatalErr):
		reason := failureReason(out.err)
		if err := s.store.MarkJobError(writeCtx, job.ID, reason); err != nil {
			return fmt.Errorf("failed to mark job %d failed: %w", job.ID, err)
		}
		log.Warn().Str("reason", reason).Msg("Backfill job failed")
		return nil
	default:
		// Store failures end the run. The job keeps its anchor for the next one.
		if err := s.store.RequeueJob(writeCtx, job.ID, job.Attempts, time.Time{}, out.err.Error()); err != nil {
			log.Err(err).Msg("Failed to requeue job after store failure")
		}
		return out.err
	}
}

func (s *Scheduler) retryJob(ctx context.Context, log zerolog.Logger, job *store.Job, transientErr *TransientFetchError) error {
	fresh, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to reload job %d: %w", job.ID, err)
	}
	attempts := fresh.Attempts + 1
	reason := failureReason(transientErr)
	if attempts >= s.cfg.GetMaxAttempts() {
		reason += ": retry limit exceeded"
		if err = s.store.MarkJobError(ctx, job.ID, reason); err != nil {
			return fmt.Errorf("failed to mark job %d failed: %w", job.ID, err)
		}
		log.Warn().Int("attempts", attempts).Str("reason", reason).Msg("Backfill job gave up")
		return nil
	}
	delay := max(s.cfg.Backoff(attempts), transientErr.RetryAfter)
	if err = s.store.RequeueJob(ctx, job.ID, attempts, time.Now().Add(delay), reason); err != nil {
		return fmt.Errorf("failed to requeue job %d: %w", job.ID, err)
	}
	log.Warn().
		Err(transientErr.Err).
		Int("attempts", attempts).
		Stringer("retry_in", delay).
		Msg("Backfill job hit a transient error, requeued")
	return nil
}
