package archive

import (
	"strings"
	"testing"
	"time"

	"go.mau.fi/util/ptr"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/store"
)

func TestNormalizeMessage(t *testing.T) {
	cfg := &Config{}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	in := &ingester{cfg: cfg}
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	msg := in.normalizeMessage(&RawMessage{
		ID:              5,
		ChatID:          100,
		ChatTitle:       "Example",
		ChatKind:        "forum",
		SenderID:        42,
		SenderFirstName: "Ada",
		SenderLastName:  "Lovelace",
		SenderUsername:  "@ada",
		TopicID:         ptr.Ptr[int64](3),
		TopicTitle:      "General",
		Date:            date,
		Text:            "bold and italic",
		HTML:            "<b>bold</b> and <i>italic</i>",
	}, store.SourceLive)
	if msg.ChannelID != 100 || msg.MessageID != 5 || msg.Source != store.SourceLive {
		t.Fatalf("unexpected key or source %+v", msg)
	}
	if msg.SenderName != "Ada Lovelace" || msg.SenderUser != "ada" {
		t.Fatalf("sender got name=%q user=%q", msg.SenderName, msg.SenderUser)
	}
	if msg.TopicID == nil || *msg.TopicID != 3 || msg.TopicTitle != "General" || msg.ChannelKind != "forum" {
		t.Fatalf("unexpected topic or kind %+v", msg)
	}
	if msg.DisplayText != "bold and italic" {
		t.Fatalf("display text got=%q want=%q", msg.DisplayText, "bold and italic")
	}

	signed := in.normalizeMessage(&RawMessage{ID: 6, ChatID: 100, SenderID: 42, SenderName: "Example Channel", Date: date}, store.SourceArchive)
	if signed.SenderName != "Example Channel" {
		t.Fatalf("explicit sender name got=%q", signed.SenderName)
	}
	anonymous := in.normalizeMessage(&RawMessage{ID: 7, ChatID: 100, SenderID: 42, Date: date}, store.SourceArchive)
	if anonymous.SenderName != "" {
		t.Fatalf("sender without name parts got=%q want empty", anonymous.SenderName)
	}
}

func TestDisplayTextDropsMarkup(t *testing.T) {
	tests := []struct {
		html string
		want string
	}{
		{"<b>bold</b> and <i>italic</i>", "bold and italic"},
		{"<s>gone</s> <u>under</u> <code>x := 1</code>", "gone under x := 1"},
		{"<pre><code class=\"language-go\">fmt.Println()</code></pre>", "fmt.Println()"},
		{"<a href=\"https://example.com/a\">page</a>", "page (https://example.com/a)"},
		{"<a href=\"https://example.com/a\">https://example.com/a</a>", "https://example.com/a"},
		{"<span data-mx-spoiler>hidden</span>", "hidden"},
	}
	for _, tt := range tests {
		got := displayText(&RawMessage{HTML: tt.html}, "")
		if got != tt.want {
			t.Fatalf("html %q got=%q want=%q", tt.html, got, tt.want)
		}
		if strings.ContainsAny(got, "*_~`") {
			t.Fatalf("html %q left markdown markers got=%q", tt.html, got)
		}
	}
}

func TestNormalizeMedia(t *testing.T) {
	in := &ingester{cfg: &Config{}}
	tests := []struct {
		media    RawMedia
		wantType string
		wantMime string
		wantName string
		wantText string
	}{
		{RawMedia{Filename: "report.pdf", Size: 10}, "document", "application/pdf", "report.pdf", "report.pdf"},
		{RawMedia{Type: "Photo", MimeType: "IMAGE/JPEG"}, "photo", "image/jpeg", "", ""},
		{RawMedia{Filename: "../../etc/clip.mp4", MimeType: "video/mp4"}, "video", "video/mp4", "clip.mp4", "clip.mp4"},
	}
	for _, tt := range tests {
		media := tt.media
		msg := in.normalizeMessage(&RawMessage{ID: 1, ChatID: 1, Date: time.Now(), Media: &media}, store.SourceArchive)
		if msg.MediaType != tt.wantType || msg.MediaMime != tt.wantMime || msg.MediaFilename != tt.wantName {
			t.Fatalf("media %+v got type=%q mime=%q name=%q", tt.media, msg.MediaType, msg.MediaMime, msg.MediaFilename)
		}
		if msg.DisplayText != tt.wantText {
			t.Fatalf("media %+v display text got=%q want=%q", tt.media, msg.DisplayText, tt.wantText)
		}
	}
}
