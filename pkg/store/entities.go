package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

type ChannelKind string

const (
	ChannelDirect  ChannelKind = "direct"
	ChannelGroup   ChannelKind = "group"
	ChannelChannel ChannelKind = "channel"
	ChannelForum   ChannelKind = "forum"
	ChannelUnknown ChannelKind = "unknown"
)

// ParseChannelKind maps anything unrecognized to ChannelUnknown.
func ParseChannelKind(kind string) ChannelKind {
	switch k := ChannelKind(strings.ToLower(kind)); k {
	case ChannelDirect, ChannelGroup, ChannelChannel, ChannelForum:
		return k
	default:
		return ChannelUnknown
	}
}

type Channel struct {
	ID            int64       `json:"id"`
	Name          string      `json:"name"`
	Username      string      `json:"username,omitempty"`
	Kind          ChannelKind `json:"kind"`
	LastMessageAt time.Time   `json:"last_message_at"`
}

type Topic struct {
	ChannelID int64  `json:"channel_id"`
	TopicID   int64  `json:"topic_id"`
	Title     string `json:"title"`
}

// Contact holds a sender. Alias, Tag and Note are only stored and indexed;
// upserts from message ingestion never touch them.
type Contact struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username,omitempty"`
	Alias       string `json:"alias,omitempty"`
	Tag         string `json:"tag,omitempty"`
	Note        string `json:"note,omitempty"`
}

// UpsertChannel records a discovered dialog. Empty fields don't overwrite
// stored values, and a rename re-indexes the channel's messages.
func (s *Store) UpsertChannel(ctx context.Context, ch Channel) error {
	return s.withTx(ctx, func(ctx context.Context) error {
		return s.upsertChannelTx(ctx, ch)
	})
}

func (s *Store) upsertChannelTx(ctx context.Context, ch Channel) error {
	var oldName string
	err := s.db.QueryRow(ctx, `SELECT name FROM channels WHERE id=$1`, ch.ID).Scan(&oldName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	existed := err == nil
	kind := ch.Kind
	if kind == "" {
		kind = ChannelUnknown
	}
	var lastTS int64
	if !ch.LastMessageAt.IsZero() {
		lastTS = ch.LastMessageAt.UnixMilli()
	}
	nowMS := time.Now().UnixMilli()
	_, err = s.db.Exec(ctx, `
		INSERT INTO channels (id, name, username, kind, last_message_ts, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name=CASE WHEN excluded.name<>'' THEN excluded.name ELSE channels.name END,
			username=CASE WHEN excluded.username<>'' THEN excluded.username ELSE channels.username END,
			kind=CASE WHEN excluded.kind<>'unknown' THEN excluded.kind ELSE channels.kind END,
			last_message_ts=MAX(channels.last_message_ts, excluded.last_message_ts),
			updated_ts=excluded.updated_ts
	`, ch.ID, ch.Name, strings.TrimPrefix(ch.Username, "@"), string(kind), lastTS, nowMS, nowMS)
	if err != nil {
		return err
	}
	if existed && ch.Name != "" && ch.Name != oldName {
		return s.refreshFTS(ctx, `m.channel_id=$1`, ch.ID)
	}
	return nil
}

func (s *Store) UpsertTopic(ctx context.Context, topic Topic) error {
	return s.withTx(ctx, func(ctx context.Context) error {
		return s.upsertTopicTx(ctx, topic)
	})
}

func (s *Store) upsertTopicTx(ctx context.Context, topic Topic) error {
	var oldTitle string
	err := s.db.QueryRow(ctx, `SELECT title FROM topics WHERE channel_id=$1 AND topic_id=$2`,
		topic.ChannelID, topic.TopicID).Scan(&oldTitle)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	existed := err == nil
	if existed && (topic.Title == "" || topic.Title == oldTitle) {
		return nil
	}
	nowMS := time.Now().UnixMilli()
	_, err = s.db.Exec(ctx, `
		INSERT INTO topics (channel_id, topic_id, title, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id, topic_id) DO UPDATE SET
			title=excluded.title,
			updated_ts=excluded.updated_ts
	`, topic.ChannelID, topic.TopicID, topic.Title, nowMS, nowMS)
	if err != nil {
		return err
	}
	if existed {
		return s.refreshFTS(ctx, `m.channel_id=$1 AND m.topic_id=$2`, topic.ChannelID, topic.TopicID)
	}
	return nil
}

func (s *Store) UpsertContact(ctx context.Context, contact Contact) error {
	return s.withTx(ctx, func(ctx context.Context) error {
		return s.upsertContactTx(ctx, contact, true)
	})
}

// upsertContactTx updates name fields. The schema-only slots are written
// only when withSlots is set.
func (s *Store) upsertContactTx(ctx context.Context, contact Contact, withSlots bool) error {
	contact.Username = strings.TrimPrefix(contact.Username, "@")
	var old Contact
	err := s.db.QueryRow(ctx, `SELECT display_name, username, alias FROM contacts WHERE user_id=$1`,
		contact.UserID).Scan(&old.DisplayName, &old.Username, &old.Alias)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	existed := err == nil
	nameChanged := contact.DisplayName != "" && contact.DisplayName != old.DisplayName
	aliasChanged := withSlots && contact.Alias != old.Alias
	if existed && !withSlots && !nameChanged && (contact.Username == "" || contact.Username == old.Username) {
		return nil
	}
	nowMS := time.Now().UnixMilli()
	query := `
		INSERT INTO contacts (user_id, display_name, username, alias, tag, note, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			display_name=CASE WHEN excluded.display_name<>'' THEN excluded.display_name ELSE contacts.display_name END,
			username=CASE WHEN excluded.username<>'' THEN excluded.username ELSE contacts.username END,`
	if withSlots {
		query += `
			alias=excluded.alias,
			tag=excluded.tag,
			note=excluded.note,`
	}
	query += `
			updated_ts=excluded.updated_ts`
	_, err = s.db.Exec(ctx, query,
		contact.UserID, contact.DisplayName, contact.Username,
		contact.Alias, contact.Tag, contact.Note, nowMS)
	if err != nil {
		return err
	}
	if existed && (nameChanged || aliasChanged) {
		return s.refreshFTS(ctx, `m.sender_id=$1`, contact.UserID)
	}
	return nil
}

func (s *Store) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	channels, err := s.queryChannels(ctx, `WHERE id=$1`, id)
	if err != nil {
		return nil, err
	} else if len(channels) == 0 {
		return nil, &NotFoundError{Kind: "channel", Key: strconv.FormatInt(id, 10)}
	}
	return &channels[0], nil
}

// FindChannel resolves a chat reference: a numeric id, an @username, or an
// exact (case-insensitive) display name.
func (s *Store) FindChannel(ctx context.Context, ref string) (*Channel, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return s.GetChannel(ctx, id)
	}
	var channels []Channel
	var err error
	if strings.HasPrefix(ref, "@") {
		channels, err = s.queryChannels(ctx, `WHERE username=$1 COLLATE NOCASE`, strings.TrimPrefix(ref, "@"))
	} else {
		channels, err = s.queryChannels(ctx, `WHERE name=$1 COLLATE NOCASE OR username=$1 COLLATE NOCASE`, ref)
	}
	if err != nil {
		return nil, err
	} else if len(channels) == 0 {
		return nil, &NotFoundError{Kind: "channel", Key: ref}
	}
	return &channels[0], nil
}

func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	return s.queryChannels(ctx, ``)
}

func (s *Store) queryChannels(ctx context.Context, where string, args ...any) ([]Channel, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, username, kind, last_message_ts FROM channels
		`+where+`
		ORDER BY last_message_ts DESC, id ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var ch Channel
		var kind string
		var lastTS int64
		if err = rows.Scan(&ch.ID, &ch.Name, &ch.Username, &kind, &lastTS); err != nil {
			return nil, err
		}
		ch.Kind = ChannelKind(kind)
		if lastTS > 0 {
			ch.LastMessageAt = time.UnixMilli(lastTS)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *Store) GetContact(ctx context.Context, userID int64) (*Contact, error) {
	var c Contact
	err := s.db.QueryRow(ctx, `
		SELECT user_id, display_name, username, alias, tag, note FROM contacts WHERE user_id=$1
	`, userID).Scan(&c.UserID, &c.DisplayName, &c.Username, &c.Alias, &c.Tag, &c.Note)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "contact", Key: strconv.FormatInt(userID, 10)}
	} else if err != nil {
		return nil, err
	}
	return &c, nil
}
