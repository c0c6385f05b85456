package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Source tags where a message row came from.
type Source string

const (
	SourceArchive Source = "archive"
	SourceLive    Source = "live"
)

type Message struct {
	RowID      int64     `json:"-"`
	ChannelID  int64     `json:"channel_id"`
	MessageID  int64     `json:"message_id"`
	SenderID   int64     `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	TopicID    *int64    `json:"topic_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	EditedAt   time.Time `json:"edited_at,omitzero"`
	Text       string    `json:"text"`
	// DisplayText is the plain-text rendering used for indexing.
	DisplayText string `json:"display_text,omitempty"`

	MediaType     string `json:"media_type,omitempty"`
	MediaFilename string `json:"media_filename,omitempty"`
	MediaMime     string `json:"media_mime,omitempty"`
	MediaSize     int64  `json:"media_size,omitempty"`
	MediaPath     string `json:"media_path,omitempty"`
	MediaWidth    int    `json:"media_width,omitempty"`
	MediaHeight   int    `json:"media_height,omitempty"`

	Source Source `json:"source"`

	// Denormalized on ingestion and filled by joins on reads.
	ChannelName string `json:"channel_name,omitempty"`
	ChannelKind string `json:"-"`
	SenderUser  string `json:"-"`
	TopicTitle  string `json:"topic_title,omitempty"`

	Links []Link `json:"links,omitempty"`
}

// JobProgress is committed in the same transaction as a backfill batch.
type JobProgress struct {
	JobID           int64
	AnchorMessageID int64
	AnchorTime      time.Time
	Fetched         int
}

type IngestCounts struct {
	Inserted int
	Updated  int
}

func (c *IngestCounts) add(other IngestCounts) {
	c.Inserted += other.Inserted
	c.Updated += other.Updated
}

// IngestMessages upserts a batch keyed by (channel_id, message_id). Channel,
// topic and contact rows are created or refreshed, link rows are re-derived
// from the text and the full-text entry is rebuilt, all in one transaction
// together with the optional job progress. A message that is already stored
// is merged: content takes the latest write, the original source tag stays,
// and a write without an edit timestamp doesn't replace edited text.
func (s *Store) IngestMessages(ctx context.Context, msgs []Message, progress *JobProgress) (IngestCounts, error) {
	var counts IngestCounts
	err := s.withTx(ctx, func(ctx context.Context) error {
		counts = IngestCounts{}
		for i := range msgs {
			c, err := s.upsertMessageTx(ctx, &msgs[i])
			if err != nil {
				return fmt.Errorf("failed to upsert message %d/%d: %w", msgs[i].ChannelID, msgs[i].MessageID, err)
			}
			counts.add(c)
		}
		if progress != nil {
			return s.applyJobProgressTx(ctx, progress)
		}
		return nil
	})
	return counts, err
}

func (s *Store) upsertMessageTx(ctx context.Context, msg *Message) (IngestCounts, error) {
	if msg.ChannelID == 0 || msg.MessageID == 0 {
		return IngestCounts{}, fmt.Errorf("message key is incomplete")
	}
	if msg.Source == "" {
		msg.Source = SourceArchive
	}
	if err := s.upsertChannelTx(ctx, Channel{
		ID:            msg.ChannelID,
		Name:          msg.ChannelName,
		Kind:          ParseChannelKind(msg.ChannelKind),
		LastMessageAt: msg.Timestamp,
	}); err != nil {
		return IngestCounts{}, err
	}
	if msg.TopicID != nil {
		if err := s.upsertTopicTx(ctx, Topic{
			ChannelID: msg.ChannelID,
			TopicID:   *msg.TopicID,
			Title:     msg.TopicTitle,
		}); err != nil {
			return IngestCounts{}, err
		}
	}
	if msg.SenderID != 0 {
		if err := s.upsertContactTx(ctx, Contact{
			UserID:      msg.SenderID,
			DisplayName: msg.SenderName,
			Username:    msg.SenderUser,
		}, false); err != nil {
			return IngestCounts{}, err
		}
	}

	var rowID int64
	err := s.db.QueryRow(ctx, `SELECT rowid FROM messages WHERE channel_id=$1 AND message_id=$2`,
		msg.ChannelID, msg.MessageID).Scan(&rowID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return IngestCounts{}, err
	}
	existed := err == nil

	var editTS any
	if !msg.EditedAt.IsZero() {
		editTS = msg.EditedAt.UnixMilli()
	}
	nowMS := time.Now().UnixMilli()
	res, err := s.db.Exec(ctx, `
		INSERT INTO messages (
			channel_id, message_id, sender_id, sender_name, topic_id, ts, edit_ts,
			text, display_text, media_type, media_filename, media_mime, media_size,
			source, created_ts, updated_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (channel_id, message_id) DO UPDATE SET
			sender_id=CASE WHEN excluded.sender_id<>0 THEN excluded.sender_id ELSE messages.sender_id END,
			sender_name=COALESCE(NULLIF(excluded.sender_name, ''), messages.sender_name),
			topic_id=COALESCE(excluded.topic_id, messages.topic_id),
			ts=excluded.ts,
			text=CASE WHEN messages.edit_ts IS NOT NULL AND COALESCE(excluded.edit_ts, 0) < messages.edit_ts
				THEN messages.text ELSE excluded.text END,
			display_text=CASE WHEN messages.edit_ts IS NOT NULL AND COALESCE(excluded.edit_ts, 0) < messages.edit_ts
				THEN messages.display_text ELSE excluded.display_text END,
			edit_ts=MAX(COALESCE(excluded.edit_ts, 0), COALESCE(messages.edit_ts, 0)),
			media_type=COALESCE(NULLIF(excluded.media_type, ''), messages.media_type),
			media_filename=COALESCE(NULLIF(excluded.media_filename, ''), messages.media_filename),
			media_mime=COALESCE(NULLIF(excluded.media_mime, ''), messages.media_mime),
			media_size=CASE WHEN excluded.media_size>0 THEN excluded.media_size ELSE messages.media_size END,
			updated_ts=excluded.updated_ts
	`,
		msg.ChannelID, msg.MessageID, msg.SenderID, msg.SenderName, nullableInt64(msg.TopicID),
		msg.Timestamp.UnixMilli(), editTS,
		msg.Text, msg.DisplayText, msg.MediaType, msg.MediaFilename, msg.MediaMime, msg.MediaSize,
		string(msg.Source), nowMS, nowMS,
	)
	if err != nil {
		return IngestCounts{}, err
	}
	var counts IngestCounts
	if existed {
		counts.Updated++
	} else {
		counts.Inserted++
		if rowID, err = res.LastInsertId(); err != nil {
			return IngestCounts{}, err
		}
	}
	msg.RowID = rowID
	// MAX() above turns a missing edit timestamp into 0.
	if _, err = s.db.Exec(ctx, `UPDATE messages SET edit_ts=NULL WHERE rowid=$1 AND edit_ts=0`, rowID); err != nil {
		return IngestCounts{}, err
	}

	if err = s.replaceLinksTx(ctx, rowID, msg.ChannelID, msg.MessageID); err != nil {
		return IngestCounts{}, err
	}
	if err = s.refreshFTS(ctx, `m.rowid=$1`, rowID); err != nil {
		return IngestCounts{}, err
	}
	return counts, nil
}

// replaceLinksTx re-derives link rows from the stored text so they can't
// drift from it.
func (s *Store) replaceLinksTx(ctx context.Context, rowID, channelID, messageID int64) error {
	var text, displayText string
	if err := s.db.QueryRow(ctx, `SELECT text, display_text FROM messages WHERE rowid=$1`, rowID).
		Scan(&text, &displayText); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM links WHERE channel_id=$1 AND message_id=$2`, channelID, messageID); err != nil {
		return err
	}
	links := ExtractLinks(text)
	if displayText != text {
		links = append(links, ExtractLinks(displayText)...)
	}
	for _, link := range links {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO links (channel_id, message_id, url, domain) VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
		`, channelID, messageID, link.URL, link.Domain); err != nil {
			return err
		}
	}
	return nil
}

const senderNameExpr = `TRIM(COALESCE(NULLIF(ct.display_name, ''), m.sender_name) || ' ' || COALESCE(ct.alias, '') || ' ' || COALESCE(ct.username, ''))`

// refreshFTS rebuilds the full-text rows of the messages matching where
// (written against alias m) from their current stored state.
func (s *Store) refreshFTS(ctx context.Context, where string, args ...any) error {
	if !s.ftsEnabled {
		return nil
	}
	_, err := s.db.Exec(ctx, `DELETE FROM messages_fts WHERE rowid IN (SELECT m.rowid FROM messages m WHERE `+where+`)`, args...)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO messages_fts (rowid, text, display_text, channel_name, sender_name, topic_title, filename, domains)
		SELECT m.rowid, m.text, m.display_text,
			TRIM(COALESCE(c.name, '') || ' ' || COALESCE(c.username, '')),
			`+senderNameExpr+`,
			COALESCE(t.title, ''),
			m.media_filename,
			COALESCE((SELECT group_concat(l.domain, ' ') FROM links l
				WHERE l.channel_id=m.channel_id AND l.message_id=m.message_id), '')
		FROM messages m
		LEFT JOIN channels c ON c.id=m.channel_id
		LEFT JOIN contacts ct ON ct.user_id=m.sender_id
		LEFT JOIN topics t ON t.channel_id=m.channel_id AND t.topic_id=m.topic_id
		WHERE `+where, args...)
	return err
}

// OldestMessage returns the oldest stored message of a channel, or nil.
func (s *Store) OldestMessage(ctx context.Context, channelID int64) (*Message, error) {
	msgs, err := s.queryMessages(ctx, messageSelect+`
		WHERE m.channel_id=$1 ORDER BY m.message_id ASC LIMIT 1
	`, channelID)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

// CountMessagesBefore counts a channel's messages older than ts.
func (s *Store) CountMessagesBefore(ctx context.Context, channelID int64, ts time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE channel_id=$1 AND ts<$2`,
		channelID, ts.UnixMilli()).Scan(&count)
	return count, err
}

// MarkMediaDownloaded records where a message's media was saved.
func (s *Store) MarkMediaDownloaded(ctx context.Context, channelID, messageID int64, path, mime string, size int64, width, height int) error {
	return s.withTx(ctx, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, `
			UPDATE messages SET
				media_path=$1,
				media_mime=COALESCE(NULLIF($2, ''), media_mime),
				media_size=CASE WHEN $3>0 THEN $4 ELSE media_size END,
				media_width=$5,
				media_height=$6,
				updated_ts=$7
			WHERE channel_id=$8 AND message_id=$9
		`, path, mime, size, size, width, height, time.Now().UnixMilli(), channelID, messageID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{Kind: "message", Key: messageKey(channelID, messageID)}
		}
		return nil
	})
}

func messageKey(channelID, messageID int64) string {
	return strconv.FormatInt(channelID, 10) + "/" + strconv.FormatInt(messageID, 10)
}

// ListLinks returns the derived link rows of one message.
func (s *Store) ListLinks(ctx context.Context, channelID, messageID int64) ([]Link, error) {
	rows, err := s.db.Query(ctx, `
		SELECT url, domain FROM links WHERE channel_id=$1 AND message_id=$2 ORDER BY url
	`, channelID, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Link
	for rows.Next() {
		var link Link
		if err = rows.Scan(&link.URL, &link.Domain); err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

type Stats struct {
	Channels   int       `json:"channels"`
	Messages   int       `json:"messages"`
	Links      int       `json:"links"`
	Contacts   int       `json:"contacts"`
	Topics     int       `json:"topics"`
	FTSEnabled bool      `json:"fts_enabled"`
	Oldest     time.Time `json:"oldest,omitzero"`
	Newest     time.Time `json:"newest,omitzero"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{FTSEnabled: s.ftsEnabled}
	var oldest, newest sql.NullInt64
	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM channels),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM links),
			(SELECT COUNT(*) FROM contacts),
			(SELECT COUNT(*) FROM topics),
			(SELECT MIN(ts) FROM messages),
			(SELECT MAX(ts) FROM messages)
	`).Scan(&st.Channels, &st.Messages, &st.Links, &st.Contacts, &st.Topics, &oldest, &newest)
	if err != nil {
		return st, err
	}
	if oldest.Valid {
		st.Oldest = time.UnixMilli(oldest.Int64)
	}
	if newest.Valid {
		st.Newest = time.UnixMilli(newest.Int64)
	}
	return st, nil
}

func sqlEscapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
