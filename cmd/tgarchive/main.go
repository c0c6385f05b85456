// telegram-mcp-server - A Telegram archive, sync and search engine.
// Copyright (C) 2025 Codyssey Ltd.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/archive"
	"github.com/codyssey-ltd/telegram-mcp-server/pkg/relay"
	"github.com/codyssey-ltd/telegram-mcp-server/pkg/store"
)

var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type tgArchive struct {
	cfg      *archive.Config
	log      *zerolog.Logger
	jsonMode bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t := &tgArchive{}
	app := &cli.App{
		Name:    "tgarchive",
		Usage:   "Archive, sync and search Telegram message history",
		Version: fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the config file",
				Value:   "config.yaml",
				EnvVars: []string{"TGARCHIVE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "store-dir",
				Usage: "override the store directory from the config",
			},
			&cli.StringFlag{
				Name:  "relay-url",
				Usage: "override the relay URL from the config",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print results as JSON",
			},
		},
		Before:   t.before,
		Commands: t.commands(),
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[!] %v\n", err)
		var authErr *archive.AuthenticationError
		if errors.As(err, &authErr) {
			fmt.Fprintln(os.Stderr, "[!] Run `tgarchive login` to authorize the session")
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func (t *tgArchive) before(c *cli.Context) error {
	cfg, err := archive.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if dir := c.String("store-dir"); dir != "" {
		cfg.StoreDir = dir
	}
	if url := c.String("relay-url"); url != "" {
		cfg.Relay.URL = url
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	t.cfg = cfg
	t.log = log
	t.jsonMode = c.Bool("json")
	return nil
}

func (t *tgArchive) ctx(c *cli.Context) context.Context {
	return t.log.WithContext(c.Context)
}

func (t *tgArchive) newClient() *relay.Client {
	timeout := t.cfg.Relay.GetTimeout()
	client := relay.NewClient(t.cfg.Relay.URL, timeout, t.log.With().Str("component", "relay").Logger())
	client.QueueSize = t.cfg.Capture.GetQueueSize()
	client.PollTimeout = min(client.PollTimeout, timeout/2)
	return client
}

// openArchive takes the store lock. If another process holds it, the error
// names the owner.
func (t *tgArchive) openArchive(c *cli.Context) (*archive.Archive, error) {
	a, err := archive.Open(t.ctx(c), t.cfg, t.newClient())
	var lockErr *store.LockHeldError
	if errors.As(err, &lockErr) {
		return nil, fmt.Errorf("%w\nrun `tgarchive lock` to inspect it; remove the marker only if that process is gone", err)
	}
	return a, err
}

// openReader opens the archive read-only, which works while a sync holds
// the lock.
func (t *tgArchive) openReader(c *cli.Context) (*store.Store, error) {
	st, err := store.OpenReadOnly(t.ctx(c), t.cfg.StoreDir, t.log.With().Str("component", "store").Logger())
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("no archive in %s yet, run `tgarchive sync --once` first", t.cfg.StoreDir)
	}
	return st, err
}

func (t *tgArchive) printJSON(data any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}

// parseDate accepts a date (2006-01-02, local time) or an RFC 3339 timestamp.
func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.ParseInLocation(time.DateOnly, value, time.Local); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD or RFC 3339)", value)
	}
	return ts, nil
}
