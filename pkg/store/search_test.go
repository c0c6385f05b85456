package store

import (
	"context"
	"testing"
	"time"

	"go.mau.fi/util/ptr"
)

func seedSearch(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	if err := s.UpsertChannel(ctx, Channel{ID: 1, Name: "Gardening Club", Username: "garden", Kind: ChannelGroup}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertChannel(ctx, Channel{ID: 2, Name: "Work", Kind: ChannelForum}); err != nil {
		t.Fatal(err)
	}
	msgs := []Message{
		{ChannelID: 1, MessageID: 1, SenderID: 10, SenderName: "Bob Builder", Timestamp: base,
			Text: "tomatoes are ripe", Source: SourceArchive},
		{ChannelID: 1, MessageID: 2, SenderID: 11, SenderName: "Carol", Timestamp: base.Add(time.Hour),
			Text: "read https://seeds.example.com/guide", Source: SourceArchive},
		{ChannelID: 2, MessageID: 1, SenderID: 10, SenderName: "Bob Builder", Timestamp: base.Add(2 * time.Hour),
			Text: "quarterly invoice attached", MediaType: "document", MediaFilename: "report-q1.pdf",
			MediaMime: "application/pdf", Source: SourceLive, TopicID: ptr.Ptr(int64(5)), TopicTitle: "Finance"},
		{ChannelID: 2, MessageID: 2, SenderID: 12, SenderName: "Dave", Timestamp: base.Add(3 * time.Hour),
			Text: "lunch?", Source: SourceLive, TopicID: ptr.Ptr(int64(6)), TopicTitle: "Random"},
	}
	for i := range msgs {
		msgs[i].DisplayText = msgs[i].Text
	}
	if _, err := s.IngestMessages(ctx, msgs, nil); err != nil {
		t.Fatal(err)
	}
}

func messageIDs(page Page) []string {
	out := make([]string, len(page.Messages))
	for i, msg := range page.Messages {
		out[i] = messageKey(msg.ChannelID, msg.MessageID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSearchFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedSearch(t, s)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"text", Filter{Query: "tomatoes"}, []string{"1/1"}},
		{"sender name", Filter{Query: "Builder"}, []string{"2/1", "1/1"}},
		{"channel name", Filter{Query: "gardening"}, []string{"1/2", "1/1"}},
		{"topic title", Filter{Query: "finance"}, []string{"2/1"}},
		{"filename", Filter{Query: "report"}, []string{"2/1"}},
		{"url domain", Filter{Query: "seeds.example.com"}, []string{"1/2"}},
		{"all terms required", Filter{Query: "tomatoes invoice"}, []string{}},
		{"scoped by channel", Filter{Query: "Builder", ChannelID: ptr.Ptr(int64(1))}, []string{"1/1"}},
		{"scoped by source", Filter{Query: "Builder", Source: SourceOnlyLive}, []string{"2/1"}},
		{"scoped by topic", Filter{Query: "Builder", TopicID: ptr.Ptr(int64(6))}, []string{}},
		{"no match", Filter{Query: "zucchini"}, []string{}},
		{"syntax characters are literal", Filter{Query: `"invoice*" (`}, []string{"2/1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.Search(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if got := messageIDs(page); !equalIDs(got, tt.want) {
				t.Fatalf("Search(%+v) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedSearch(t, s)
	base := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"everything newest first", Filter{}, []string{"2/2", "2/1", "1/2", "1/1"}},
		{"archive only", Filter{Source: SourceOnlyArchive}, []string{"1/2", "1/1"}},
		{"media type", Filter{MediaType: "document"}, []string{"2/1"}},
		{"any media", Filter{MediaType: "any"}, []string{"2/1"}},
		{"time range", Filter{Since: base.Add(time.Hour), Until: base.Add(3 * time.Hour)}, []string{"2/1", "1/2"}},
		{"domain", Filter{Domain: "example.com"}, []string{"1/2"}},
		{"domain exact", Filter{Domain: "https://www.seeds.example.com/x"}, []string{"1/2"}},
		{"domain mismatch", Filter{Domain: "ample.com"}, []string{}},
		{"sender", Filter{SenderID: ptr.Ptr(int64(10))}, []string{"2/1", "1/1"}},
		{"offset", Filter{Offset: 1, Limit: 2}, []string{"2/1", "1/2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if got := messageIDs(page); !equalIDs(got, tt.want) {
				t.Fatalf("List(%+v) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestSearchEmptyQueryIsList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedSearch(t, s)
	filter := Filter{Query: "   ", ChannelID: ptr.Ptr(int64(2))}
	searched, err := s.Search(ctx, filter)
	if err != nil {
		t.Fatal(err)
	}
	listed, err := s.List(ctx, filter)
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(messageIDs(searched), messageIDs(listed)) || len(listed.Messages) != 2 {
		t.Fatalf("Search = %v, List = %v", messageIDs(searched), messageIDs(listed))
	}
}

func TestCursorPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedSearch(t, s)

	var all []string
	filter := Filter{Limit: 3}
	for i := 0; i < 5; i++ {
		page, err := s.List(ctx, filter)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, messageIDs(page)...)
		if page.NextCursor == "" {
			break
		}
		filter.Cursor = page.NextCursor
	}
	want := []string{"2/2", "2/1", "1/2", "1/1"}
	if !equalIDs(all, want) {
		t.Fatalf("paged = %v, want %v", all, want)
	}

	if _, err := s.List(ctx, Filter{Cursor: "!!!"}); err == nil {
		t.Fatalf("List accepted an invalid cursor")
	}
}

func TestChannelRenameReindexes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedSearch(t, s)
	if err := s.UpsertChannel(ctx, Channel{ID: 1, Name: "Allotment Society"}); err != nil {
		t.Fatal(err)
	}
	page, err := s.Search(ctx, Filter{Query: "allotment"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("search by new channel name = %v", messageIDs(page))
	}
	page, err = s.Search(ctx, Filter{Query: "gardening"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 0 {
		t.Fatalf("search by old channel name = %v", messageIDs(page))
	}
}

func TestContactAliasSearchable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedSearch(t, s)
	if err := s.UpsertContact(ctx, Contact{UserID: 12, Alias: "lunchbuddy", Tag: "work"}); err != nil {
		t.Fatal(err)
	}
	page, err := s.Search(ctx, Filter{Query: "lunchbuddy"})
	if err != nil {
		t.Fatal(err)
	}
	if got := messageIDs(page); !equalIDs(got, []string{"2/2"}) {
		t.Fatalf("search by alias = %v", got)
	}
}

func TestLikeFallbackCombinesFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedSearch(t, s)
	s.ftsEnabled = false
	base := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"two tokens", Filter{Query: "quarterly invoice"}, []string{"2/1"}},
		{"channel and source", Filter{Query: "Builder", ChannelID: ptr.Ptr(int64(2)), Source: SourceOnlyLive}, []string{"2/1"}},
		{"sender and time", Filter{Query: "bob", SenderID: ptr.Ptr(int64(10)), Since: base.Add(time.Minute)}, []string{"2/1"}},
		{"domain", Filter{Query: "guide", Domain: "example.com"}, []string{"1/2"}},
		{"media", Filter{Query: "report", MediaType: "document", Until: base.Add(4 * time.Hour)}, []string{"2/1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.Search(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if got := messageIDs(page); !equalIDs(got, tt.want) {
				t.Fatalf("Search(%+v) got=%v want=%v", tt.filter, got, tt.want)
			}
		})
	}

	var all []string
	filter := Filter{Query: "Builder", Limit: 1}
	for i := 0; i < 4; i++ {
		page, err := s.Search(ctx, filter)
		if err != nil {
			t.Fatalf("Search page %d: %v", i, err)
		}
		all = append(all, messageIDs(page)...)
		if page.NextCursor == "" {
			break
		}
		filter.Cursor = page.NextCursor
	}
	if want := []string{"2/1", "1/1"}; !equalIDs(all, want) {
		t.Fatalf("paged got=%v want=%v", all, want)
	}
}
