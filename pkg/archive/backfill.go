package archive

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/store"
)

// jobOutcome is what a job run reports back to the scheduler.
type jobOutcome struct {
	// exhausted is set when the job reached its min_date or the start of
	// the channel history.
	exhausted bool
	fetched   int
	err       error
}

type backfillWorker struct {
	client   Client
	store    *store.Store
	ingester *ingester
	limiter  Limiter
	resolver *resolver
	cfg      *BackfillConfig
	log      zerolog.Logger
}

// RunJob pages backward through one channel until the history is
// exhausted, ctx is canceled or the client fails. Every batch is committed
// together with the job's anchor and fetched counter.
func (w *backfillWorker) RunJob(ctx context.Context, job *store.Job) (out jobOutcome) {
	log := w.log.With().Int64("job_id", job.ID).Str("chat", job.ChatRef).Logger()

	var channel *store.Channel
	channel, out.err = w.resolver.resolve(ctx, job.ChatRef)
	if out.err != nil {
		return
	}
	if job.ChannelID == nil || *job.ChannelID != channel.ID {
		if out.err = w.store.SetJobChannel(context.WithoutCancel(ctx), job.ID, channel.ID); out.err != nil {
			return
		}
	}
	log = log.With().Int64("channel_id", channel.ID).Logger()

	anchor := job.AnchorMessageID
	if anchor == 0 {
		oldest, err := w.store.OldestMessage(ctx, channel.ID)
		if err != nil {
			out.err = err
			return
		}
		if oldest != nil {
			anchor = oldest.MessageID
			if out.err = w.store.SetJobAnchor(context.WithoutCancel(ctx), job.ID, oldest.MessageID, oldest.Timestamp); out.err != nil {
				return
			}
			log.Debug().Int64("anchor", anchor).Msg("Starting from oldest stored message")
		}
	}

	batchSize := w.cfg.GetBatchSize()
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			out.err = err
			return
		}
		raws, err := w.client.FetchHistory(ctx, channel.ID, anchor, batchSize)
		if err != nil {
			out.err = clientError(ctx, err)
			return
		}
		batch, crossed, err := w.prepareBatch(raws, channel, anchor, job.MinDate)
		if err != nil {
			out.err = err
			return
		}

		progress := &store.JobProgress{JobID: job.ID, Fetched: len(batch)}
		if len(batch) > 0 {
			oldest := batch[len(batch)-1]
			progress.AnchorMessageID = oldest.ID
			progress.AnchorTime = oldest.Date
		}
		counts, err := w.ingester.ingest(ctx, batch, store.SourceArchive, progress)
		if err != nil {
			out.err = fmt.Errorf("failed to store batch: %w", err)
			return
		}
		out.fetched += len(batch)
		if progress.AnchorMessageID != 0 {
			anchor = progress.AnchorMessageID
		}
		log.Debug().
			Int("received", len(raws)).
			Int("inserted", counts.Inserted).
			Int("updated", counts.Updated).
			Int64("anchor", anchor).
			Msg("Stored history batch")

		if len(raws) < batchSize || crossed {
			log.Info().Int("fetched", out.fetched).Bool("reached_min_date", crossed).Msg("History exhausted")
			out.exhausted = true
			return
		}
		if err = sleepCtx(ctx, w.cfg.GetBatchDelay()); err != nil {
			out.err = err
			return
		}
	}
}

// prepareBatch sorts out the messages to store, newest first. Messages
// older than minDate are dropped and reported as crossed. A page that
// doesn't reach past the anchor is malformed, since paging would never end.
func (w *backfillWorker) prepareBatch(raws []RawMessage, channel *store.Channel, anchor int64, minDate time.Time) ([]RawMessage, bool, error) {
	batch := make([]RawMessage, 0, len(raws))
	crossed := false
	var oldestID int64
	for _, raw := range raws {
		if raw.ID <= 0 {
			return nil, false, &FatalFetchError{Err: fmt.Errorf("%w: message without id", ErrMalformed)}
		}
		if oldestID == 0 || raw.ID < oldestID {
			oldestID = raw.ID
		}
		if anchor != 0 && raw.ID >= anchor {
			continue
		}
		if !minDate.IsZero() && raw.Date.Before(minDate) {
			crossed = true
			continue
		}
		if raw.ChatID == 0 {
			raw.ChatID = channel.ID
		} else if raw.ChatID != channel.ID {
			return nil, false, &FatalFetchError{Err: fmt.Errorf("%w: message %d belongs to chat %d", ErrMalformed, raw.ID, raw.ChatID)}
		}
		if raw.ChatTitle == "" {
			raw.ChatTitle = channel.Name
		}
		batch = append(batch, raw)
	}
	if anchor != 0 && len(raws) > 0 && oldestID >= anchor {
		return nil, false, &FatalFetchError{Err: fmt.Errorf("%w: history page did not move past message %d", ErrMalformed, anchor)}
	}
	slices.SortFunc(batch, func(a, b RawMessage) int {
		return cmp.Compare(b.ID, a.ID)
	})
	return batch, crossed, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
