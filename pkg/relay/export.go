package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/archive"
)

// Export is a parsed Telegram Desktop JSON export (result.json), either a
// full account export or a single chat.
type Export struct {
	Dir   string
	Chats []ExportChat
}

type ExportChat struct {
	Dialog   archive.Dialog
	Messages []archive.RawMessage
	// Media maps message ids to files inside the export directory.
	Media map[int64]string
}

type exportFile struct {
	exportChatJSON
	Chats *struct {
		List []exportChatJSON `json:"list"`
	} `json:"chats"`
}

type exportChatJSON struct {
	Name     string              `json:"name"`
	Type     string              `json:"type"`
	ID       int64               `json:"id"`
	Messages []exportMessageJSON `json:"messages"`
}

type exportMessageJSON struct {
	ID            int64              `json:"id"`
	Type          string             `json:"type"`
	Date          string             `json:"date"`
	DateUnix      string             `json:"date_unixtime"`
	Edited        string             `json:"edited"`
	EditedUnix    string             `json:"edited_unixtime"`
	From          string             `json:"from"`
	FromID        string             `json:"from_id"`
	Text          json.RawMessage    `json:"text"`
	TextEntities  []exportEntityJSON `json:"text_entities"`
	Photo         string             `json:"photo"`
	PhotoFileSize int64              `json:"photo_file_size"`
	File          string             `json:"file"`
	FileName      string             `json:"file_name"`
	FileSize      int64              `json:"file_size"`
	MimeType      string             `json:"mime_type"`
	MediaType     string             `json:"media_type"`
}

type exportEntityJSON struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Href string `json:"href"`
}

const exportDateLayout = "2006-01-02T15:04:05"

// LoadExport reads result.json from dir (or the file at path) and converts
// the chats to dialogs and raw messages, oldest first.
func LoadExport(path string) (*Export, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		path = filepath.Join(path, "result.json")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file exportFile
	if err = json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse export %s: %w", path, err)
	}
	exp := &Export{Dir: filepath.Dir(path)}
	var chats []exportChatJSON
	if file.Chats != nil {
		chats = file.Chats.List
	} else if file.ID != 0 {
		chats = []exportChatJSON{file.exportChatJSON}
	}
	if len(chats) == 0 {
		return nil, errors.New("export contains no chats")
	}
	for _, chat := range chats {
		converted, err := exp.convertChat(chat)
		if err != nil {
			return nil, fmt.Errorf("failed to convert chat %d: %w", chat.ID, err)
		}
		exp.Chats = append(exp.Chats, converted)
	}
	return exp, nil
}

func (exp *Export) convertChat(chat exportChatJSON) (ExportChat, error) {
	out := ExportChat{
		Dialog: archive.Dialog{
			ID:    chat.ID,
			Title: chat.Name,
			Kind:  exportChatKind(chat.Type),
		},
		Media: make(map[int64]string),
	}
	for _, msg := range chat.Messages {
		if msg.Type != "message" {
			continue
		}
		raw, mediaPath, err := exp.convertMessage(chat, msg)
		if err != nil {
			return out, fmt.Errorf("message %d: %w", msg.ID, err)
		}
		if mediaPath != "" {
			out.Media[raw.ID] = mediaPath
		}
		out.Messages = append(out.Messages, raw)
	}
	return out, nil
}

func (exp *Export) convertMessage(chat exportChatJSON, msg exportMessageJSON) (archive.RawMessage, string, error) {
	raw := archive.RawMessage{
		ID:         msg.ID,
		ChatID:     chat.ID,
		ChatTitle:  chat.Name,
		ChatKind:   exportChatKind(chat.Type),
		SenderID:   exportPeerID(msg.FromID),
		SenderName: msg.From,
	}
	var err error
	if raw.Date, err = exportTime(msg.DateUnix, msg.Date); err != nil {
		return raw, "", fmt.Errorf("bad date: %w", err)
	}
	if msg.Edited != "" || msg.EditedUnix != "" {
		if raw.EditDate, err = exportTime(msg.EditedUnix, msg.Edited); err != nil {
			return raw, "", fmt.Errorf("bad edit date: %w", err)
		}
	}
	raw.Text, raw.HTML, err = exportText(msg)
	if err != nil {
		return raw, "", err
	}

	var mediaPath string
	switch {
	case msg.Photo != "":
		raw.Media = &archive.RawMedia{Type: "photo", Filename: filepath.Base(msg.Photo), MimeType: "image/jpeg", Size: msg.PhotoFileSize}
		mediaPath = msg.Photo
	case msg.File != "" || msg.MediaType != "":
		name := msg.FileName
		if name == "" && msg.File != "" {
			name = filepath.Base(msg.File)
		}
		raw.Media = &archive.RawMedia{Type: exportMediaType(msg.MediaType), Filename: name, MimeType: msg.MimeType, Size: msg.FileSize}
		mediaPath = msg.File
	}
	// Exports made without media contain a placeholder instead of a path.
	if strings.HasPrefix(mediaPath, "(") {
		mediaPath = ""
	}
	if mediaPath != "" {
		mediaPath = filepath.Join(exp.Dir, filepath.FromSlash(mediaPath))
		if !strings.HasPrefix(mediaPath, filepath.Clean(exp.Dir)+string(filepath.Separator)) {
			mediaPath = ""
		}
	}
	return raw, mediaPath, nil
}

func exportTime(unix, local string) (time.Time, error) {
	if unix != "" {
		secs, err := strconv.ParseInt(unix, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.ParseInLocation(exportDateLayout, local, time.Local)
}

// exportText returns the plain text and an HTML rendering. The text field
// is either a string or a list of strings and entity objects; the
// text_entities list, when present, has the same content normalized.
func exportText(msg exportMessageJSON) (string, string, error) {
	entities := msg.TextEntities
	if len(entities) == 0 && len(msg.Text) > 0 {
		var plain string
		if err := json.Unmarshal(msg.Text, &plain); err == nil {
			return plain, "", nil
		}
		var parts []json.RawMessage
		if err := json.Unmarshal(msg.Text, &parts); err != nil {
			return "", "", fmt.Errorf("unexpected text value: %w", err)
		}
		for _, part := range parts {
			var entity exportEntityJSON
			if err := json.Unmarshal(part, &entity.Text); err == nil {
				entity.Type = "plain"
			} else if err = json.Unmarshal(part, &entity); err != nil {
				return "", "", fmt.Errorf("unexpected text entity: %w", err)
			}
			entities = append(entities, entity)
		}
	}
	var plain, formatted strings.Builder
	rich := false
	for _, entity := range entities {
		plain.WriteString(entity.Text)
		escaped := html.EscapeString(entity.Text)
		switch entity.Type {
		case "bold":
			formatted.WriteString("<b>" + escaped + "</b>")
		case "italic":
			formatted.WriteString("<i>" + escaped + "</i>")
		case "underline":
			formatted.WriteString("<u>" + escaped + "</u>")
		case "strikethrough":
			formatted.WriteString("<del>" + escaped + "</del>")
		case "code":
			formatted.WriteString("<code>" + escaped + "</code>")
		case "pre":
			formatted.WriteString("<pre>" + escaped + "</pre>")
		case "text_link":
			formatted.WriteString(`<a href="` + html.EscapeString(entity.Href) + `">` + escaped + "</a>")
		default:
			formatted.WriteString(strings.ReplaceAll(escaped, "\n", "<br>"))
			continue
		}
		rich = true
	}
	if !rich {
		return plain.String(), "", nil
	}
	return plain.String(), formatted.String(), nil
}

func exportChatKind(kind string) string {
	switch kind {
	case "personal_chat", "bot_chat", "saved_messages":
		return "direct"
	case "private_group", "private_supergroup", "public_supergroup":
		return "group"
	case "private_channel", "public_channel":
		return "channel"
	default:
		return "unknown"
	}
}

func exportMediaType(kind string) string {
	switch kind {
	case "video_file", "video_message":
		return "video"
	case "voice_message":
		return "voice"
	case "audio_file":
		return "audio"
	case "sticker", "animation":
		return kind
	default:
		return "document"
	}
}

// exportPeerID parses ids like "user123" or "channel456".
func exportPeerID(id string) int64 {
	digits := strings.TrimLeft(id, "abcdefghijklmnopqrstuvwxyz")
	n, _ := strconv.ParseInt(digits, 10, 64)
	return n
}
