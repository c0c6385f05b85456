// export-relay serves a Telegram Desktop JSON export over the relay protocol,
// so an archive can be built or tested without a live session.
//
// Usage:
//
//	go run ./tools/export-relay --export ~/Downloads/Telegram\ Desktop/DataExport [--addr 127.0.0.1] [--port 5002]
//
// Endpoints are the ones the archive's relay client uses (see pkg/relay).
// The dialog list, history and media come from the export; /send appends to
// the in-memory history and shows up on the /updates feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/relay"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "export-relay",
		Usage: "Serve a Telegram Desktop export over the relay protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "export", Usage: "export directory or result.json", Required: true},
			&cli.StringFlag{Name: "addr", Usage: "address to bind to", Value: "127.0.0.1"},
			&cli.IntFlag{Name: "port", Usage: "port to listen on", Value: 5002},
			&cli.BoolFlag{Name: "unauthorized", Usage: "start logged out until /login is called"},
			&cli.Int64Flag{Name: "self-id", Usage: "user id used as sender of sent messages"},
			&cli.BoolFlag{Name: "debug", Usage: "log every request"},
		},
		Action: run,
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[!] %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level := zerolog.InfoLevel
	if c.Bool("debug") {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Str("component", "export_relay").Logger()

	start := time.Now()
	exp, err := relay.LoadExport(c.String("export"))
	if err != nil {
		return err
	}
	messages := 0
	for _, chat := range exp.Chats {
		messages += len(chat.Messages)
	}
	log.Info().
		Int("chats", len(exp.Chats)).
		Int("messages", messages).
		Stringer("took", time.Since(start)).
		Msg("Parsed export")

	srv := relay.NewServer(log)
	srv.SelfID = c.Int64("self-id")
	srv.SetAuthorized(!c.Bool("unauthorized"))
	srv.AddExport(exp)

	handler := srv.Handler()
	if c.Bool("debug") {
		next := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debug().Str("method", r.Method).Str("url", r.URL.String()).Str("remote_addr", r.RemoteAddr).Msg("Request")
			next.ServeHTTP(w, r)
		})
	}
	listenAddr := net.JoinHostPort(c.String("addr"), strconv.Itoa(c.Int("port")))
	httpSrv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-c.Context.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", listenAddr).Msg("Export relay listening")
	if c.String("addr") == "0.0.0.0" {
		if addrs, err := net.InterfaceAddrs(); err == nil {
			for _, a := range addrs {
				if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
					log.Info().Msgf("  → relay.url: http://%s:%d", ipnet.IP, c.Int("port"))
				}
			}
		}
	}
	if err = httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
