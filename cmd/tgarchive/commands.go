package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/archive"
	"github.com/codyssey-ltd/telegram-mcp-server/pkg/store"
)

func (t *tgArchive) commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "login",
			Usage:  "Authorize the relay session",
			Action: t.login,
		},
		{
			Name:  "dialogs",
			Usage: "List known chats",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "refresh", Usage: "fetch the dialog list from the relay first"},
			},
			Action: t.dialogs,
		},
		{
			Name:  "job",
			Usage: "Manage backfill jobs",
			Subcommands: []*cli.Command{
				{
					Name:      "add",
					Usage:     "Queue a backfill job for a chat",
					ArgsUsage: "<chat>",
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "since", Usage: "don't archive messages older than this date"},
					},
					Action: t.jobAdd,
				},
				{
					Name:   "list",
					Usage:  "List backfill jobs",
					Action: t.jobList,
				},
				{
					Name:      "retry",
					Usage:     "Requeue a failed job",
					ArgsUsage: "<job id>",
					Action:    t.jobRetry,
				},
				{
					Name:      "resume",
					Usage:     "Continue an idle job further back",
					ArgsUsage: "<job id>",
					Action:    t.jobResume,
				},
			},
		},
		{
			Name:  "sync",
			Usage: "Run backfill jobs and capture live updates",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "once", Usage: "run the queued jobs without live capture and exit when idle"},
				&cli.BoolFlag{Name: "follow", Usage: "keep running with live capture (default)"},
				&cli.DurationFlag{Name: "idle-exit", Usage: "with --follow, exit after being idle this long"},
				&cli.BoolFlag{Name: "no-capture", Usage: "don't subscribe to live updates"},
			},
			Action: t.sync,
		},
		{
			Name:   "status",
			Usage:  "Show session, queue and archive status",
			Action: t.status,
		},
		{
			Name:   "lock",
			Usage:  "Show who holds the store lock",
			Action: t.lock,
		},
		t.searchCommand(),
		t.listCommand(),
		t.getCommand(),
		t.sendCommand(),
		t.mediaCommand(),
	}
}

func (t *tgArchive) dialogs(c *cli.Context) error {
	ctx := t.ctx(c)
	var channels []store.Channel
	if c.Bool("refresh") {
		a, err := t.openArchive(c)
		if err != nil {
			return err
		}
		defer a.Close()
		n, err := a.SyncDialogs(ctx)
		if err != nil {
			return err
		}
		t.log.Info().Int("dialogs", n).Msg("Synced dialogs")
		if channels, err = a.ListChannels(ctx); err != nil {
			return err
		}
	} else {
		st, err := t.openReader(c)
		if err != nil {
			return err
		}
		defer st.Close()
		if channels, err = st.ListChannels(ctx); err != nil {
			return err
		}
	}
	if t.jsonMode {
		return t.printJSON(channels)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tUSERNAME\tLAST MESSAGE")
	for _, ch := range channels {
		username := "-"
		if ch.Username != "" {
			username = "@" + ch.Username
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", ch.ID, ch.Kind, ch.Name, username, formatTime(ch.LastMessageAt))
	}
	return w.Flush()
}

func (t *tgArchive) jobAdd(c *cli.Context) error {
	ref := c.Args().First()
	if ref == "" {
		return cli.Exit("usage: tgarchive job add <chat> [--since YYYY-MM-DD]", 1)
	}
	minDate, err := parseDate(c.String("since"))
	if err != nil {
		return err
	}
	a, err := t.openArchive(c)
	if err != nil {
		return err
	}
	defer a.Close()
	job, created, err := a.AddJob(t.ctx(c), ref, minDate)
	if err != nil {
		return err
	}
	if t.jsonMode {
		return t.printJSON(job)
	}
	if created {
		fmt.Printf("Queued job %d for %s\n", job.ID, job.ChatRef)
	} else {
		fmt.Printf("Job %d for %s is %s\n", job.ID, job.ChatRef, job.State)
	}
	return nil
}

func (t *tgArchive) jobList(c *cli.Context) error {
	st, err := t.openReader(c)
	if err != nil {
		return err
	}
	defer st.Close()
	jobs, err := st.ListJobs(t.ctx(c))
	if err != nil {
		return err
	}
	if t.jsonMode {
		return t.printJSON(jobs)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHAT\tSTATE\tFETCHED\tANCHOR\tATTEMPTS\tNEXT RUN\tERROR")
	for _, job := range jobs {
		anchor := "-"
		if job.AnchorMessageID > 0 {
			anchor = fmt.Sprintf("%d (%s)", job.AnchorMessageID, formatTime(job.AnchorTime))
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			job.ID, job.ChatRef, job.State, job.Fetched, anchor, job.Attempts, formatTime(job.NextRunAt), job.LastError)
	}
	return w.Flush()
}

func (t *tgArchive) jobRetry(c *cli.Context) error {
	return t.jobTransition(c, "retry", (*archive.Archive).RetryJob)
}

func (t *tgArchive) jobResume(c *cli.Context) error {
	return t.jobTransition(c, "resume", (*archive.Archive).ResumeJob)
}

func (t *tgArchive) jobTransition(c *cli.Context, verb string, fn func(*archive.Archive, context.Context, int64) error) error {
	id, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil {
		return cli.Exit(fmt.Sprintf("usage: tgarchive job %s <job id>", verb), 1)
	}
	a, err := t.openArchive(c)
	if err != nil {
		return err
	}
	defer a.Close()
	if err = fn(a, t.ctx(c), id); errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("can't %s job %d: %w", verb, id, err)
	} else if err != nil {
		return err
	}
	fmt.Printf("Job %d is pending\n", id)
	return nil
}

func (t *tgArchive) sync(c *cli.Context) error {
	if c.Bool("once") && c.Bool("follow") {
		return cli.Exit("--once and --follow are mutually exclusive", 1)
	}
	opts := archive.RunOptions{NoCapture: c.Bool("no-capture")}
	if c.Bool("once") {
		opts.ExitWhenIdle = true
		opts.IdleWindow = 2 * time.Second
		opts.NoCapture = true
	} else if window := c.Duration("idle-exit"); window > 0 {
		opts.ExitWhenIdle = true
		opts.IdleWindow = window
	}
	a, err := t.openArchive(c)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			t.log.Err(err).Msg("Failed to close archive")
		}
	}()
	ctx := t.ctx(c)
	t.log.Info().
		Str("store_dir", t.cfg.StoreDir).
		Bool("exit_when_idle", opts.ExitWhenIdle).
		Bool("capture", !opts.NoCapture && t.cfg.Capture.Enabled).
		Msg("Starting sync")
	if err = a.Run(ctx, opts); err != nil {
		return err
	}
	counts, err := a.Status(ctx)
	if err != nil {
		return err
	}
	t.log.Info().
		Int("messages", counts.Store.Messages).
		Int("pending", counts.Queue.Pending).
		Int("error", counts.Queue.Error).
		Msg("Sync finished")
	return nil
}

func (t *tgArchive) status(c *cli.Context) error {
	ctx := t.ctx(c)
	var st *archive.Status
	a, err := archive.Open(ctx, t.cfg, t.newClient())
	var lockErr *store.LockHeldError
	if errors.As(err, &lockErr) {
		// A sync is running, report what can be read without the lock.
		if st, err = t.readOnlyStatus(c); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		defer a.Close()
		if st, err = a.Status(ctx); err != nil {
			return err
		}
	}
	if t.jsonMode {
		return t.printJSON(st)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Store:\t%s\n", st.StoreDir)
	if st.AuthError != "" {
		fmt.Fprintf(w, "Authorized:\tunknown (%s)\n", st.AuthError)
	} else {
		fmt.Fprintf(w, "Authorized:\t%t\n", st.Authorized)
	}
	if st.Lock.Held {
		fmt.Fprintf(w, "Lock:\theld by pid %d on %s since %s\n",
			st.Lock.Owner.PID, st.Lock.Owner.Hostname, formatTime(st.Lock.Owner.AcquiredAt))
	} else {
		fmt.Fprintln(w, "Lock:\tfree")
	}
	fmt.Fprintf(w, "Jobs:\t%d pending, %d in progress, %d idle, %d failed\n",
		st.Queue.Pending, st.Queue.InProgress, st.Queue.Idle, st.Queue.Error)
	fmt.Fprintf(w, "Messages:\t%d in %d chats (%d links, %d contacts)\n",
		st.Store.Messages, st.Store.Channels, st.Store.Links, st.Store.Contacts)
	fmt.Fprintf(w, "Range:\t%s to %s\n", formatTime(st.Store.Oldest), formatTime(st.Store.Newest))
	fmt.Fprintf(w, "Full-text index:\t%t\n", st.Store.FTSEnabled)
	fmt.Fprintf(w, "Last live write:\t%s\n", formatTime(st.LastLiveWrite))
	return w.Flush()
}

func (t *tgArchive) readOnlyStatus(c *cli.Context) (*archive.Status, error) {
	ctx := t.ctx(c)
	reader, err := t.openReader(c)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	st := &archive.Status{StoreDir: t.cfg.StoreDir}
	if st.Store, err = reader.Stats(ctx); err != nil {
		return nil, err
	}
	counts, err := reader.CountJobs(ctx)
	if err != nil {
		return nil, err
	}
	st.Queue = archive.QueueSnapshot{
		Pending:    counts.Pending,
		InProgress: counts.InProgress,
		Idle:       counts.Idle,
		Error:      counts.Error,
	}
	if st.Lock, err = store.InspectLock(t.cfg.StoreDir); err != nil {
		return nil, err
	}
	client := t.newClient()
	defer client.Destroy()
	if st.Authorized, err = client.IsAuthorized(ctx); err != nil {
		st.AuthError = err.Error()
	}
	return st, nil
}

func (t *tgArchive) lock(c *cli.Context) error {
	info, err := store.InspectLock(t.cfg.StoreDir)
	if err != nil {
		return err
	}
	if t.jsonMode {
		return t.printJSON(info)
	}
	if !info.Held {
		fmt.Printf("%s is not locked\n", t.cfg.StoreDir)
		return nil
	}
	fmt.Printf("Locked by pid %d on %s since %s (instance %s)\n",
		info.Owner.PID, info.Owner.Hostname, formatTime(info.Owner.AcquiredAt), info.Owner.Instance)
	fmt.Printf("If that process is no longer running, remove %s\n", info.Path)
	return nil
}
