package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/store"
)

func filterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "chat", Usage: "chat id, @username or exact title"},
		&cli.Int64Flag{Name: "topic", Usage: "forum topic id"},
		&cli.Int64Flag{Name: "sender", Usage: "sender user id"},
		&cli.StringFlag{Name: "source", Usage: "archive, live or both", Value: "both"},
		&cli.StringFlag{Name: "media", Usage: "media type (photo, video, document, ...) or \"any\""},
		&cli.StringFlag{Name: "since", Usage: "only messages at or after this date"},
		&cli.StringFlag{Name: "until", Usage: "only messages before this date"},
		&cli.StringFlag{Name: "domain", Usage: "only messages linking to this domain or its subdomains"},
		&cli.IntFlag{Name: "limit", Usage: "page size", Value: store.DefaultPageSize},
		&cli.IntFlag{Name: "offset", Usage: "skip this many results"},
		&cli.StringFlag{Name: "cursor", Usage: "continue from a previous page"},
	}
}

func (t *tgArchive) searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Full-text search over the archive",
		ArgsUsage: "<query>",
		Flags:     filterFlags(),
		Action: func(c *cli.Context) error {
			return t.query(c, strings.Join(c.Args().Slice(), " "))
		},
	}
}

func (t *tgArchive) listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List archived messages, newest first",
		Flags: filterFlags(),
		Action: func(c *cli.Context) error {
			return t.query(c, "")
		},
	}
}

func (t *tgArchive) query(c *cli.Context, text string) error {
	ctx := t.ctx(c)
	st, err := t.openReader(c)
	if err != nil {
		return err
	}
	defer st.Close()
	filter, err := t.buildFilter(ctx, c, st)
	if err != nil {
		return err
	}
	filter.Query = text
	page, err := st.Search(ctx, filter)
	if err != nil {
		return err
	}
	if t.jsonMode {
		return t.printJSON(page)
	}
	for _, msg := range page.Messages {
		printMessage(&msg)
	}
	if page.NextCursor != "" {
		fmt.Printf("-- more results: --cursor %s\n", page.NextCursor)
	}
	return nil
}

func (t *tgArchive) buildFilter(ctx context.Context, c *cli.Context, st *store.Store) (store.Filter, error) {
	var f store.Filter
	var err error
	if ref := c.String("chat"); ref != "" {
		ch, err := st.FindChannel(ctx, ref)
		if err != nil {
			return f, err
		}
		f.ChannelID = &ch.ID
	}
	if c.IsSet("topic") {
		topic := c.Int64("topic")
		f.TopicID = &topic
	}
	if c.IsSet("sender") {
		sender := c.Int64("sender")
		f.SenderID = &sender
	}
	if f.Source, err = store.ParseSourceFilter(c.String("source")); err != nil {
		return f, err
	}
	if f.Since, err = parseDate(c.String("since")); err != nil {
		return f, err
	}
	if f.Until, err = parseDate(c.String("until")); err != nil {
		return f, err
	}
	f.MediaType = c.String("media")
	f.Domain = c.String("domain")
	f.Limit = c.Int("limit")
	f.Offset = c.Int("offset")
	f.Cursor = c.String("cursor")
	return f, nil
}

func printMessage(msg *store.Message) {
	chat := msg.ChannelName
	if chat == "" {
		chat = strconv.FormatInt(msg.ChannelID, 10)
	}
	if msg.TopicTitle != "" {
		chat += " / " + msg.TopicTitle
	}
	sender := msg.SenderName
	if sender == "" {
		sender = "unknown"
	}
	text := msg.DisplayText
	if text == "" {
		text = msg.Text
	}
	edited := ""
	if !msg.EditedAt.IsZero() {
		edited = " (edited)"
	}
	fmt.Printf("[%s] %s #%d %s%s: %s\n", formatTime(msg.Timestamp), chat, msg.MessageID, sender, edited, text)
	if msg.MediaType != "" {
		fmt.Printf("    %s %s %s\n", msg.MediaType, msg.MediaFilename, msg.MediaPath)
	}
	for _, link := range msg.Links {
		fmt.Printf("    %s\n", link.URL)
	}
}

func messageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "chat", Usage: "chat id, @username or exact title", Required: true},
		&cli.Int64Flag{Name: "id", Usage: "message id", Required: true},
	}
}

func (t *tgArchive) getCommand() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "Show one archived message with its links",
		Flags: messageFlags(),
		Action: func(c *cli.Context) error {
			ctx := t.ctx(c)
			st, err := t.openReader(c)
			if err != nil {
				return err
			}
			defer st.Close()
			ch, err := st.FindChannel(ctx, c.String("chat"))
			if err != nil {
				return err
			}
			msg, err := st.GetMessage(ctx, ch.ID, c.Int64("id"))
			if err != nil {
				return err
			}
			if t.jsonMode {
				return t.printJSON(msg)
			}
			printMessage(msg)
			return nil
		},
	}
}

func (t *tgArchive) sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a text message and archive it",
		ArgsUsage: "<text>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "chat", Usage: "chat id, @username or exact title", Required: true},
			&cli.Int64Flag{Name: "topic", Usage: "forum topic id"},
		},
		Action: func(c *cli.Context) error {
			text := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(text) == "" {
				return cli.Exit("usage: tgarchive send --chat <chat> <text>", 1)
			}
			var topicID *int64
			if c.IsSet("topic") {
				topic := c.Int64("topic")
				topicID = &topic
			}
			a, err := t.openArchive(c)
			if err != nil {
				return err
			}
			defer a.Close()
			msg, err := a.Send(t.ctx(c), c.String("chat"), topicID, text)
			if err != nil {
				return err
			}
			if t.jsonMode {
				return t.printJSON(msg)
			}
			printMessage(msg)
			return nil
		},
	}
}

func (t *tgArchive) mediaCommand() *cli.Command {
	return &cli.Command{
		Name:  "media",
		Usage: "Download the media of a message into the store",
		Flags: messageFlags(),
		Action: func(c *cli.Context) error {
			ctx := t.ctx(c)
			a, err := t.openArchive(c)
			if err != nil {
				return err
			}
			defer a.Close()
			ch, err := a.ResolveChannel(ctx, c.String("chat"))
			if err != nil {
				return err
			}
			file, err := a.DownloadMedia(ctx, ch.ID, c.Int64("id"))
			if err != nil {
				return err
			}
			if t.jsonMode {
				return t.printJSON(file)
			}
			fmt.Printf("%s (%s, %d bytes)\n", file.Path, file.Mime, file.Size)
			return nil
		},
	}
}
