package archive

import (
	"context"
	"time"
)

// Client is the protocol side of the archive: login, session, and raw
// retrieval. Implementations wrap the sentinel errors in errors.go so
// failures can be classified.
type Client interface {
	IsAuthorized(ctx context.Context) (bool, error)
	// Login runs the interactive or relay-side login flow and reports
	// whether the session is authorized afterwards.
	Login(ctx context.Context) (bool, error)
	FetchDialogs(ctx context.Context) ([]Dialog, error)
	// FetchHistory returns up to limit messages older than beforeID, newest
	// first. A beforeID of 0 starts at the newest message.
	FetchHistory(ctx context.Context, channelID, beforeID int64, limit int) ([]RawMessage, error)
	// StartUpdates subscribes to the live feed. The channel is closed when
	// ctx is done or the feed ends.
	StartUpdates(ctx context.Context) (<-chan Update, error)
	SendMessage(ctx context.Context, channelID int64, topicID *int64, text string) (*RawMessage, error)
	DownloadMedia(ctx context.Context, channelID, messageID int64) ([]byte, error)
	Destroy() error
}

type Dialog struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
	Kind     string `json:"kind"`
}

type RawMedia struct {
	Type     string `json:"type"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// RawMessage is a message as delivered by the client, before
// normalization.
type RawMessage struct {
	ID        int64  `json:"id"`
	ChatID    int64  `json:"chat_id"`
	ChatTitle string `json:"chat_title,omitempty"`
	ChatKind  string `json:"chat_kind,omitempty"`

	SenderID        int64  `json:"sender_id,omitempty"`
	SenderFirstName string `json:"sender_first_name,omitempty"`
	SenderLastName  string `json:"sender_last_name,omitempty"`
	SenderUsername  string `json:"sender_username,omitempty"`
	// SenderName overrides the contact name template when set, e.g. for
	// channel posts signed with the channel title.
	SenderName string `json:"sender_name,omitempty"`

	TopicID    *int64 `json:"topic_id,omitempty"`
	TopicTitle string `json:"topic_title,omitempty"`

	Date     time.Time `json:"date"`
	EditDate time.Time `json:"edit_date,omitzero"`
	Text     string    `json:"text"`
	// HTML is the formatted body, if the client has one.
	HTML  string    `json:"html,omitempty"`
	Media *RawMedia `json:"media,omitempty"`
}

type UpdateKind string

const (
	UpdateNewMessage  UpdateKind = "new_message"
	UpdateEditMessage UpdateKind = "edit_message"
	UpdateDialog      UpdateKind = "dialog"
)

type Update struct {
	Kind    UpdateKind  `json:"kind"`
	Message *RawMessage `json:"message,omitempty"`
	Dialog  *Dialog     `json:"dialog,omitempty"`
	// Err is set on the last update of a feed that ended with a failure.
	Err error `json:"-"`
}
