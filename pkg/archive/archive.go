// telegram-mcp-server - A Telegram archive, sync and search engine.
// Copyright (C) 2025 Codyssey Ltd.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/store"
)

// Archive is a session over one store directory. It holds the store lock
// from Open until Close.
type Archive struct {
	cfg    *Config
	client Client
	store  *store.Store
	lock   *store.Lock
	log    zerolog.Logger

	limiter      Limiter
	closeLimiter func() error

	ingester  *ingester
	resolver  *resolver
	scheduler *Scheduler
	capture   *Capture
	idle      *IdleMonitor

	closeOnce sync.Once
	closeErr  error
}

// Open locks the store directory, opens the archive inside it and wires the
// components around client. The caller must Close the archive.
func Open(ctx context.Context, cfg *Config, client Client) (*Archive, error) {
	log := zerolog.Ctx(ctx).With().Str("store_dir", cfg.StoreDir).Logger()
	lock, err := store.AcquireLock(cfg.StoreDir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.StoreDir, log.With().Str("component", "store").Logger())
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	limiter, closeLimiter, err := newLimiter(ctx, &cfg.Pacing, log.With().Str("component", "pacing").Logger())
	if err != nil {
		_ = st.Close()
		_ = lock.Release()
		return nil, err
	}

	a := &Archive{
		cfg:          cfg,
		client:       client,
		store:        st,
		lock:         lock,
		log:          log,
		limiter:      limiter,
		closeLimiter: closeLimiter,
		ingester:     &ingester{store: st, cfg: cfg},
	}
	a.resolver = &resolver{
		client:  client,
		store:   st,
		limiter: limiter,
		log:     log.With().Str("component", "dialogs").Logger(),
	}
	worker := &backfillWorker{
		client:   client,
		store:    st,
		ingester: a.ingester,
		limiter:  limiter,
		resolver: a.resolver,
		cfg:      &cfg.Backfill,
		log:      log.With().Str("component", "backfill").Logger(),
	}
	a.scheduler = newScheduler(st, worker, &cfg.Backfill, log.With().Str("component", "scheduler").Logger())
	a.capture = &Capture{
		client:   client,
		store:    st,
		ingester: a.ingester,
		cfg:      &cfg.Backfill,
		log:      log.With().Str("component", "capture").Logger(),
	}
	a.idle = &IdleMonitor{
		scheduler: a.scheduler,
		capture:   a.capture,
		interval:  cfg.Idle.GetPollInterval(),
		log:       log.With().Str("component", "idle").Logger(),
	}
	log.Debug().
		Str("instance", lock.Owner().Instance).
		Bool("fts", st.FTSEnabled()).
		Msg("Opened archive")
	return a, nil
}

// Close destroys the client, closes the store and releases the lock, in
// that order. It is safe to call more than once.
func (a *Archive) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.client.Destroy(); err != nil {
			a.log.Err(err).Msg("Failed to destroy client")
			errs = append(errs, fmt.Errorf("failed to destroy client: %w", err))
		}
		if err := a.closeLimiter(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close shared limiter")
		}
		if err := a.store.Close(); err != nil {
			a.log.Err(err).Msg("Failed to close store")
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
		if err := a.lock.Release(); err != nil {
			a.log.Err(err).Msg("Failed to release store lock")
			errs = append(errs, fmt.Errorf("failed to release store lock: %w", err))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

type RunOptions struct {
	// ExitWhenIdle ends the run once the archive has been idle for
	// IdleWindow. Without it Run continues until ctx is canceled.
	ExitWhenIdle bool
	IdleWindow   time.Duration
	// NoCapture skips the live feed even if it's enabled in the config.
	NoCapture bool
}

// Run drives the scheduler and the live capture until ctx is canceled, the
// archive goes idle (with ExitWhenIdle) or the session turns out to be
// unauthorized. On the way out the scheduler stops first and persists the
// job it was running, then capture is stopped.
func (a *Archive) Run(ctx context.Context, opts RunOptions) error {
	authorized, err := a.client.IsAuthorized(ctx)
	if err != nil {
		return clientError(ctx, err)
	} else if !authorized {
		return &AuthenticationError{Err: ErrUnauthorized}
	}
	if n, err := a.resolver.syncDialogs(ctx); err != nil {
		var authErr *AuthenticationError
		if errors.As(err, &authErr) || isCanceled(err) {
			return err
		}
		a.log.Warn().Err(err).Msg("Failed to sync dialogs")
	} else {
		a.log.Info().Int("dialogs", n).Msg("Synced dialogs")
	}

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	// Capture outlives the scheduler so a batch that is being written can't
	// race with the feed closing.
	captureCtx, cancelCapture := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCapture()

	capture := a.cfg.Capture.Enabled && !opts.NoCapture
	idle := a.idle
	if !capture {
		idle = &IdleMonitor{scheduler: a.scheduler, interval: a.idle.interval, log: a.idle.log}
	}

	var g errgroup.Group
	g.Go(func() error {
		defer cancelCapture()
		defer cancelSched()
		err := a.scheduler.Run(schedCtx)
		if err != nil {
			a.log.Err(err).Msg("Scheduler stopped")
		}
		return err
	})
	if capture {
		g.Go(func() error {
			err := a.capture.Run(captureCtx)
			var authErr *AuthenticationError
			if errors.As(err, &authErr) {
				a.log.Err(err).Msg("Live capture stopped: session is not authorized")
				cancelSched()
				return err
			} else if err != nil {
				a.log.Err(err).Msg("Live capture failed")
			}
			return nil
		})
	}
	g.Go(func() error {
		watcher := &storeWatcher{
			dir:             a.cfg.StoreDir,
			debounce:        sessionDebounce,
			onSessionChange: a.onSessionChange,
			log:             a.log.With().Str("component", "watcher").Logger(),
		}
		if err := watcher.Run(captureCtx); err != nil {
			a.log.Warn().Err(err).Msg("Store watcher stopped")
		}
		return nil
	})
	if opts.ExitWhenIdle {
		g.Go(func() error {
			if idle.WaitIdle(schedCtx, opts.IdleWindow) == nil {
				a.log.Info().Stringer("window", opts.IdleWindow).Msg("Archive is idle, stopping")
				cancelSched()
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *Archive) onSessionChange(ctx context.Context) {
	authorized, err := a.client.IsAuthorized(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to check authorization after session change")
		return
	} else if !authorized {
		a.log.Warn().Msg("Session changed and is no longer authorized")
		return
	}
	if n, err := a.resolver.syncDialogs(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Failed to sync dialogs after session change")
	} else {
		a.log.Info().Int("dialogs", n).Msg("Session changed, synced dialogs")
	}
}

// Login runs the client's login flow.
func (a *Archive) Login(ctx context.Context) (bool, error) {
	ok, err := a.client.Login(ctx)
	if err != nil {
		return false, clientError(ctx, err)
	}
	return ok, nil
}

// AddJob queues a backfill job for chatRef and wakes the scheduler.
func (a *Archive) AddJob(ctx context.Context, chatRef string, minDate time.Time) (*store.Job, bool, error) {
	job, created, err := a.store.AddJob(ctx, chatRef, minDate)
	if err != nil {
		return nil, false, err
	}
	a.scheduler.Wake()
	return job, created, nil
}

func (a *Archive) ListJobs(ctx context.Context) ([]store.Job, error) {
	return a.store.ListJobs(ctx)
}

// RetryJob moves a failed job back to pending.
func (a *Archive) RetryJob(ctx context.Context, id int64) error {
	if err := a.store.RetryJob(ctx, id); err != nil {
		return err
	}
	a.scheduler.Wake()
	return nil
}

// ResumeJob continues an idle job.
func (a *Archive) ResumeJob(ctx context.Context, id int64) error {
	if err := a.store.ResumeJob(ctx, id); err != nil {
		return err
	}
	a.scheduler.Wake()
	return nil
}

type Status struct {
	StoreDir       string         `json:"store_dir"`
	Authorized     bool           `json:"authorized"`
	AuthError      string         `json:"auth_error,omitempty"`
	CaptureRunning bool           `json:"capture_running"`
	Queue          QueueSnapshot  `json:"queue"`
	Store          store.Stats    `json:"store"`
	Lock           store.LockInfo `json:"lock"`
	LastLiveWrite  time.Time      `json:"last_live_write,omitzero"`
}

func (a *Archive) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		StoreDir:       a.cfg.StoreDir,
		CaptureRunning: a.capture.Running(),
		LastLiveWrite:  a.capture.LastWrite(),
	}
	var err error
	if st.Authorized, err = a.client.IsAuthorized(ctx); err != nil {
		st.AuthError = err.Error()
	}
	if st.Queue, err = a.scheduler.Snapshot(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	if st.Store, err = a.store.Stats(ctx); err != nil {
		return nil, fmt.Errorf("failed to read store stats: %w", err)
	}
	if st.Lock, err = store.InspectLock(a.cfg.StoreDir); err != nil {
		return nil, err
	}
	return st, nil
}

// SyncDialogs stores the client's dialog list.
func (a *Archive) SyncDialogs(ctx context.Context) (int, error) {
	return a.resolver.syncDialogs(ctx)
}

// ResolveChannel turns a numeric id, @username or exact title into a
// channel, fetching dialogs if the store doesn't know it.
func (a *Archive) ResolveChannel(ctx context.Context, ref string) (*store.Channel, error) {
	return a.resolver.resolve(ctx, ref)
}

func (a *Archive) ListChannels(ctx context.Context) ([]store.Channel, error) {
	return a.store.ListChannels(ctx)
}

func (a *Archive) Search(ctx context.Context, f store.Filter) (store.Page, error) {
	return a.store.Search(ctx, f)
}

func (a *Archive) List(ctx context.Context, f store.Filter) (store.Page, error) {
	return a.store.List(ctx, f)
}

func (a *Archive) Get(ctx context.Context, channelID, messageID int64) (*store.Message, error) {
	return a.store.GetMessage(ctx, channelID, messageID)
}

// Send posts text to the chat and stores the sent message as live.
func (a *Archive) Send(ctx context.Context, chatRef string, topicID *int64, text string) (*store.Message, error) {
	channel, err := a.resolver.resolve(ctx, chatRef)
	if err != nil {
		return nil, err
	}
	if err = a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := a.client.SendMessage(ctx, channel.ID, topicID, text)
	if err != nil {
		return nil, clientError(ctx, err)
	} else if raw == nil || raw.ID == 0 {
		return nil, &FatalFetchError{Err: fmt.Errorf("%w: send returned no message", ErrMalformed)}
	}
	if raw.ChatID == 0 {
		raw.ChatID = channel.ID
	}
	if raw.TopicID == nil {
		raw.TopicID = topicID
	}
	if raw.Date.IsZero() {
		raw.Date = time.Now()
	}
	if _, err = a.ingester.ingest(ctx, []RawMessage{*raw}, store.SourceLive, nil); err != nil {
		return nil, fmt.Errorf("failed to store sent message: %w", err)
	}
	return a.store.GetMessage(ctx, raw.ChatID, raw.ID)
}

// DownloadMedia fetches the attachment of a stored message into the media
// directory and records where it went.
func (a *Archive) DownloadMedia(ctx context.Context, channelID, messageID int64) (*MediaFile, error) {
	msg, err := a.store.GetMessage(ctx, channelID, messageID)
	if err != nil {
		return nil, err
	} else if msg.MediaType == "" {
		return nil, fmt.Errorf("message %d/%d has no media", channelID, messageID)
	}
	if err = a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	data, err := a.client.DownloadMedia(ctx, channelID, messageID)
	if err != nil {
		return nil, clientError(ctx, err)
	}
	file, err := saveMedia(a.cfg.StoreDir, msg, data)
	if err != nil {
		return nil, err
	}
	err = a.store.MarkMediaDownloaded(context.WithoutCancel(ctx), channelID, messageID,
		file.Path, file.Mime, file.Size, file.Width, file.Height)
	if err != nil {
		return nil, fmt.Errorf("failed to record media download: %w", err)
	}
	a.log.Debug().
		Int64("channel_id", channelID).
		Int64("message_id", messageID).
		Str("path", file.Path).
		Str("mime", file.Mime).
		Msg("Downloaded media")
	return file, nil
}
