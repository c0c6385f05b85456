package archive

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/store"
)

// Capture applies the live update feed to the store, in feed order, through
// the same write path as backfill.
type Capture struct {
	client   Client
	store    *store.Store
	ingester *ingester
	// cfg provides the resubscribe backoff.
	cfg      *BackfillConfig
	log      zerolog.Logger

	running   atomic.Bool
	writing   atomic.Bool
	lastWrite atomic.Int64
}

// Run subscribes to the feed and applies updates until ctx is canceled.
// Failed subscriptions and feeds that end early are retried with the job
// backoff. Only a feed that ends because the session is no longer
// authorized stops the capture, with an AuthenticationError.
func (c *Capture) Run(ctx context.Context) error {
	failures := 0
	for {
		applied, err := c.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			return err
		}
		if applied > 0 {
			failures = 0
		}
		failures++
		delay := c.cfg.Backoff(failures)
		if err != nil {
			c.log.Warn().Err(err).Stringer("retry_in", delay).Msg("Live feed failed, resubscribing")
		} else {
			c.log.Warn().Stringer("retry_in", delay).Msg("Live feed closed, resubscribing")
		}
		if sleepCtx(ctx, delay) != nil {
			return nil
		}
	}
}

// subscribe runs one feed subscription and reports how many updates it
// applied.
func (c *Capture) subscribe(ctx context.Context) (int, error) {
	updates, err := c.client.StartUpdates(ctx)
	if err != nil {
		return 0, clientError(ctx, err)
	}
	c.running.Store(true)
	defer c.running.Store(false)
	c.log.Info().Msg("Live capture started")
	defer c.log.Info().Msg("Live capture stopped")

	applied := 0
	for {
		select {
		case <-ctx.Done():
			return applied, nil
		case upd, ok := <-updates:
			if !ok {
				return applied, nil
			}
			if upd.Err != nil {
				return applied, clientError(ctx, upd.Err)
			}
			c.apply(ctx, upd)
			applied++
		}
	}
}

func (c *Capture) apply(ctx context.Context, upd Update) {
	c.writing.Store(true)
	defer func() {
		c.lastWrite.Store(time.Now().UnixNano())
		c.writing.Store(false)
	}()
	switch upd.Kind {
	case UpdateNewMessage, UpdateEditMessage:
		if upd.Message == nil {
			c.log.Warn().Str("kind", string(upd.Kind)).Msg("Ignoring message update without a message")
			return
		}
		_, err := c.ingester.ingest(ctx, []RawMessage{*upd.Message}, store.SourceLive, nil)
		if err != nil {
			c.log.Err(err).
				Int64("channel_id", upd.Message.ChatID).
				Int64("message_id", upd.Message.ID).
				Msg("Failed to store live message")
		}
	case UpdateDialog:
		if upd.Dialog == nil || upd.Dialog.ID == 0 {
			return
		}
		err := c.store.UpsertChannel(context.WithoutCancel(ctx), store.Channel{
			ID:       upd.Dialog.ID,
			Name:     upd.Dialog.Title,
			Username: upd.Dialog.Username,
			Kind:     store.ParseChannelKind(upd.Dialog.Kind),
		})
		if err != nil {
			c.log.Err(err).Int64("channel_id", upd.Dialog.ID).Msg("Failed to store dialog update")
		}
	default:
		c.log.Debug().Str("kind", string(upd.Kind)).Msg("Ignoring unknown update kind")
	}
}

// Active reports whether the capture is applying an update right now.
func (c *Capture) Active() bool {
	return c.writing.Load()
}

// Running reports whether the feed subscription is open.
func (c *Capture) Running() bool {
	return c.running.Load()
}

// LastWrite returns when the last update was applied, or the zero time.
func (c *Capture) LastWrite() time.Time {
	if ns := c.lastWrite.Load(); ns > 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}
