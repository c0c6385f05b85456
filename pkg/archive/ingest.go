package archive

import (
	"context"
	"mime"
	"path/filepath"
	"strings"

	"maunium.net/go/mautrix/format"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/store"
)

// ingester is the single write path shared by backfill, capture and send.
type ingester struct {
	store *store.Store
	cfg   *Config
}

// ingest normalizes raws and writes them in one transaction together with
// the optional job progress. The write ignores cancellation of ctx so a
// batch that has started always completes.
func (in *ingester) ingest(ctx context.Context, raws []RawMessage, source store.Source, progress *store.JobProgress) (store.IngestCounts, error) {
	msgs := make([]store.Message, 0, len(raws))
	for i := range raws {
		msgs = append(msgs, in.normalizeMessage(&raws[i], source))
	}
	return in.store.IngestMessages(context.WithoutCancel(ctx), msgs, progress)
}

func (in *ingester) normalizeMessage(raw *RawMessage, source store.Source) store.Message {
	msg := store.Message{
		ChannelID:   raw.ChatID,
		MessageID:   raw.ID,
		SenderID:    raw.SenderID,
		SenderName:  raw.SenderName,
		SenderUser:  strings.TrimPrefix(raw.SenderUsername, "@"),
		TopicID:     raw.TopicID,
		TopicTitle:  raw.TopicTitle,
		Timestamp:   raw.Date,
		EditedAt:    raw.EditDate,
		Text:        raw.Text,
		Source:      source,
		ChannelName: raw.ChatTitle,
		ChannelKind: raw.ChatKind,
	}
	// Without any name parts the stored contact name is better than the
	// id fallback of the template.
	hasNameParts := raw.SenderFirstName != "" || raw.SenderLastName != "" || msg.SenderUser != ""
	if msg.SenderName == "" && raw.SenderID != 0 && hasNameParts {
		msg.SenderName = in.cfg.FormatContactName(ContactNameParams{
			FirstName: raw.SenderFirstName,
			LastName:  raw.SenderLastName,
			Username:  msg.SenderUser,
			ID:        raw.SenderID,
		})
	}
	if raw.Media != nil {
		msg.MediaFilename = filepath.Base(raw.Media.Filename)
		if msg.MediaFilename == "." || msg.MediaFilename == string(filepath.Separator) {
			msg.MediaFilename = ""
		}
		msg.MediaMime = strings.ToLower(raw.Media.MimeType)
		if msg.MediaMime == "" && msg.MediaFilename != "" {
			msg.MediaMime, _, _ = mime.ParseMediaType(mime.TypeByExtension(filepath.Ext(msg.MediaFilename)))
		}
		msg.MediaSize = raw.Media.Size
		msg.MediaType = mediaType(raw.Media.Type, msg.MediaMime)
	}
	msg.DisplayText = displayText(raw, msg.MediaFilename)
	return msg
}

func plainChildren(children string, _ format.Context) string {
	return children
}

// plainTextParser flattens formatted bodies without the markdown markers
// format.HTMLToText would add, so indexed text matches what was displayed.
var plainTextParser = &format.HTMLParser{
	TabsToSpaces:           4,
	Newline:                "\n",
	HorizontalLine:         "\n---\n",
	PillConverter:          format.DefaultPillConverter,
	BoldConverter:          plainChildren,
	ItalicConverter:        plainChildren,
	StrikethroughConverter: plainChildren,
	UnderlineConverter:     plainChildren,
	MonospaceConverter:     plainChildren,
	MonospaceBlockConverter: func(code, _ string, _ format.Context) string {
		return code
	},
	SpoilerConverter: func(text, _ string, _ format.Context) string {
		return text
	},
	LinkConverter: func(text, href string, _ format.Context) string {
		if text == href || href == "" {
			return text
		}
		return text + " (" + href + ")"
	},
}

// displayText is the plain rendering of the message used for indexing.
// Formatted bodies are flattened, and a caption-less media message falls
// back to its filename.
func displayText(raw *RawMessage, filename string) string {
	text := raw.Text
	if raw.HTML != "" {
		text = plainTextParser.Parse(raw.HTML, format.NewContext(context.Background()))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return filename
	}
	return text
}

// mediaType lowercases the client's media kind, deriving one from the mime
// type if the client didn't send it.
func mediaType(kind, mimeType string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind != "" {
		return kind
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "photo"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "document"
	}
}
