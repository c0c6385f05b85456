package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// SourceFilter selects rows by provenance. The zero value matches both.
type SourceFilter string

const (
	SourceBoth        SourceFilter = "both"
	SourceOnlyArchive SourceFilter = "archive"
	SourceOnlyLive    SourceFilter = "live"
)

// ParseSourceFilter accepts archive, live, both or an empty string.
func ParseSourceFilter(value string) (SourceFilter, error) {
	switch SourceFilter(strings.ToLower(strings.TrimSpace(value))) {
	case "", SourceBoth, "all":
		return SourceBoth, nil
	case SourceOnlyArchive:
		return SourceOnlyArchive, nil
	case SourceOnlyLive:
		return SourceOnlyLive, nil
	default:
		return "", fmt.Errorf("invalid source %q (expected archive, live or both)", value)
	}
}

// Filter is the conjunction of all set fields.
type Filter struct {
	Query     string
	ChannelID *int64
	TopicID   *int64
	SenderID  *int64
	Source    SourceFilter
	MediaType string
	Since     time.Time
	Until     time.Time
	// Domain matches the link domain or any of its subdomains.
	Domain string

	Limit  int
	Offset int
	Cursor string
}

type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

const messageSelect = `
	SELECT m.rowid, m.channel_id, m.message_id, m.sender_id,
		COALESCE(NULLIF(ct.display_name, ''), m.sender_name),
		m.topic_id, m.ts, m.edit_ts, m.text, m.display_text,
		m.media_type, m.media_filename, m.media_mime, m.media_size, m.media_path,
		m.media_width, m.media_height, m.source,
		COALESCE(c.name, ''), COALESCE(t.title, '')
	FROM messages m
	LEFT JOIN channels c ON c.id=m.channel_id
	LEFT JOIN contacts ct ON ct.user_id=m.sender_id
	LEFT JOIN topics t ON t.channel_id=m.channel_id AND t.topic_id=m.topic_id
`

// Search matches Query against message text, display text, channel name,
// sender name, topic title, media filename and link domains, newest first.
// An empty query is the same as List.
func (s *Store) Search(ctx context.Context, f Filter) (Page, error) {
	tokens := queryTokens(f.Query)
	if len(tokens) == 0 {
		return s.List(ctx, f)
	}
	where, args, err := filterClauses(f)
	if err != nil {
		return Page{}, err
	}
	if s.ftsEnabled {
		where = append(where, `m.rowid IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH `+args.add(ftsQuery(tokens))+`)`)
	} else {
		for _, token := range tokens {
			where = append(where, likeClause(args.add("%"+sqlEscapeLike(token)+"%")))
		}
	}
	return s.page(ctx, f, where, args)
}

// List returns messages matching the structured filters, newest first.
// Query is ignored.
func (s *Store) List(ctx context.Context, f Filter) (Page, error) {
	where, args, err := filterClauses(f)
	if err != nil {
		return Page{}, err
	}
	return s.page(ctx, f, where, args)
}

// GetMessage returns one message with its links.
func (s *Store) GetMessage(ctx context.Context, channelID, messageID int64) (*Message, error) {
	msgs, err := s.queryMessages(ctx, messageSelect+` WHERE m.channel_id=$1 AND m.message_id=$2`, channelID, messageID)
	if err != nil {
		return nil, err
	} else if len(msgs) == 0 {
		return nil, &NotFoundError{Kind: "message", Key: messageKey(channelID, messageID)}
	}
	msg := &msgs[0]
	if msg.Links, err = s.ListLinks(ctx, channelID, messageID); err != nil {
		return nil, err
	}
	return msg, nil
}

// likeClause matches one token pattern, bound once as p, against every
// searchable field.
func likeClause(p string) string {
	return `(m.text LIKE ` + p + ` ESCAPE '\' OR m.display_text LIKE ` + p + ` ESCAPE '\'
	OR COALESCE(c.name, '') LIKE ` + p + ` ESCAPE '\' OR COALESCE(c.username, '') LIKE ` + p + ` ESCAPE '\'
	OR ` + senderNameExpr + ` LIKE ` + p + ` ESCAPE '\'
	OR COALESCE(t.title, '') LIKE ` + p + ` ESCAPE '\' OR m.media_filename LIKE ` + p + ` ESCAPE '\'
	OR EXISTS (SELECT 1 FROM links l WHERE l.channel_id=m.channel_id AND l.message_id=m.message_id AND l.domain LIKE ` + p + ` ESCAPE '\'))`
}

// queryArgs collects the arguments of a dynamically built query.
type queryArgs []any

// add appends value and returns its numbered placeholder.
func (a *queryArgs) add(value any) string {
	*a = append(*a, value)
	return "$" + strconv.Itoa(len(*a))
}

func filterClauses(f Filter) ([]string, queryArgs, error) {
	var where []string
	var args queryArgs
	if f.ChannelID != nil {
		where = append(where, `m.channel_id=`+args.add(*f.ChannelID))
	}
	if f.TopicID != nil {
		where = append(where, `m.topic_id=`+args.add(*f.TopicID))
	}
	if f.SenderID != nil {
		where = append(where, `m.sender_id=`+args.add(*f.SenderID))
	}
	switch f.Source {
	case "", SourceBoth:
	case SourceOnlyArchive, SourceOnlyLive:
		where = append(where, `m.source=`+args.add(string(f.Source)))
	default:
		return nil, nil, fmt.Errorf("invalid source filter %q", f.Source)
	}
	if f.MediaType != "" {
		if strings.EqualFold(f.MediaType, "any") {
			where = append(where, `m.media_type<>''`)
		} else {
			where = append(where, `m.media_type=`+args.add(strings.ToLower(f.MediaType)))
		}
	}
	if !f.Since.IsZero() {
		where = append(where, `m.ts>=`+args.add(f.Since.UnixMilli()))
	}
	if !f.Until.IsZero() {
		where = append(where, `m.ts<`+args.add(f.Until.UnixMilli()))
	}
	if domain := NormalizeDomain(f.Domain); domain != "" {
		where = append(where, `EXISTS (SELECT 1 FROM links l WHERE l.channel_id=m.channel_id AND l.message_id=m.message_id
			AND (l.domain=`+args.add(domain)+` OR l.domain LIKE `+args.add("%."+sqlEscapeLike(domain))+` ESCAPE '\'))`)
	}
	if f.Cursor != "" {
		ts, rowID, err := decodeCursor(f.Cursor)
		if err != nil {
			return nil, nil, err
		}
		tsArg := args.add(ts)
		where = append(where, `(m.ts<`+tsArg+` OR (m.ts=`+tsArg+` AND m.rowid<`+args.add(rowID)+`))`)
	}
	return where, args, nil
}

func (s *Store) page(ctx context.Context, f Filter, where []string, args queryArgs) (Page, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	} else if limit > MaxPageSize {
		limit = MaxPageSize
	}
	query := messageSelect
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY m.ts DESC, m.rowid DESC LIMIT ` + args.add(limit+1) + ` OFFSET ` + args.add(max(f.Offset, 0))

	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return Page{}, err
	}
	page := Page{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		last := page.Messages[limit-1]
		page.NextCursor = encodeCursor(last.Timestamp.UnixMilli(), last.RowID)
	}
	return page, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var msg Message
		var topicID, editTS sql.NullInt64
		var ts int64
		var source string
		if err = rows.Scan(
			&msg.RowID,
			&msg.ChannelID,
			&msg.MessageID,
			&msg.SenderID,
			&msg.SenderName,
			&topicID,
			&ts,
			&editTS,
			&msg.Text,
			&msg.DisplayText,
			&msg.MediaType,
			&msg.MediaFilename,
			&msg.MediaMime,
			&msg.MediaSize,
			&msg.MediaPath,
			&msg.MediaWidth,
			&msg.MediaHeight,
			&source,
			&msg.ChannelName,
			&msg.TopicTitle,
		); err != nil {
			return nil, err
		}
		msg.Timestamp = time.UnixMilli(ts)
		if editTS.Valid && editTS.Int64 > 0 {
			msg.EditedAt = time.UnixMilli(editTS.Int64)
		}
		if topicID.Valid {
			msg.TopicID = &topicID.Int64
		}
		msg.Source = Source(source)
		out = append(out, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// queryTokens splits a free-text query into words. Punctuation inside a
// token (example.com, foo_bar) is kept so domains stay one token.
func queryTokens(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"'
	})
	out := fields[:0]
	for _, field := range fields {
		field = strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if field != "" {
			out = append(out, field)
		}
	}
	return out
}

// ftsQuery quotes every token as a phrase so user input can't produce FTS5
// syntax errors. Tokens are ANDed.
func ftsQuery(tokens []string) string {
	quoted := make([]string, len(tokens))
	for i, token := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(token, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}

var errInvalidCursor = errors.New("invalid cursor")

func encodeCursor(ts, rowID int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(ts, 10) + ":" + strconv.FormatInt(rowID, 10)))
}

func decodeCursor(cursor string) (int64, int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, 0, errInvalidCursor
	}
	tsStr, rowStr, ok := strings.Cut(string(raw), ":")
	if !ok {
		return 0, 0, errInvalidCursor
	}
	ts, err1 := strconv.ParseInt(tsStr, 10, 64)
	rowID, err2 := strconv.ParseInt(rowStr, 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, errInvalidCursor
	}
	return ts, rowID, nil
}
