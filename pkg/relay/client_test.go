package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/archive"
)

var testDialog = archive.Dialog{ID: 100, Title: "Example", Username: "example", Kind: "group"}

func testMessages(n int) []archive.RawMessage {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := make([]archive.RawMessage, n)
	for i := range msgs {
		msgs[i] = archive.RawMessage{
			ID:              int64(i + 1),
			SenderID:        42,
			SenderFirstName: "Alice",
			Date:            start.Add(time.Duration(i) * time.Hour),
			Text:            "message",
		}
	}
	return msgs
}

func newTestRelay(t *testing.T) (*Server, *Client) {
	t.Helper()
	srv := NewServer(zerolog.Nop())
	srv.MaxPollTimeout = 2 * time.Second
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	client := NewClient(httpSrv.URL, 5*time.Second, zerolog.Nop())
	client.PollTimeout = time.Second
	return srv, client
}

func TestClientHistoryPaging(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestRelay(t)
	srv.AddChat(testDialog, testMessages(5)...)

	dialogs, err := client.FetchDialogs(ctx)
	if err != nil {
		t.Fatalf("FetchDialogs: %v", err)
	}
	if len(dialogs) != 1 || dialogs[0] != testDialog {
		t.Fatalf("dialogs got=%+v", dialogs)
	}

	newest, err := client.FetchHistory(ctx, 100, 0, 2)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(newest) != 2 || newest[0].ID != 5 || newest[1].ID != 4 {
		t.Fatalf("first page got=%+v", newest)
	}
	if newest[0].ChatID != 100 {
		t.Fatalf("chat id got=%d want=100", newest[0].ChatID)
	}
	older, err := client.FetchHistory(ctx, 100, 4, 10)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(older) != 3 || older[0].ID != 3 || older[2].ID != 1 {
		t.Fatalf("second page got=%+v", older)
	}
	end, err := client.FetchHistory(ctx, 100, 1, 10)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(end) != 0 {
		t.Fatalf("past the start got=%d messages", len(end))
	}

	_, err = client.FetchHistory(ctx, 999, 0, 10)
	if !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("unknown chat error got=%v want ErrNotFound", err)
	}
}

func TestClientMapsStatusCodes(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"unauthorized", statusHandler(http.StatusUnauthorized, ""), archive.ErrUnauthorized},
		{"forbidden", statusHandler(http.StatusForbidden, ""), archive.ErrForbidden},
		{"not found", statusHandler(http.StatusNotFound, ""), archive.ErrNotFound},
		{"rate limited", statusHandler(http.StatusTooManyRequests, ""), archive.ErrRateLimited},
		{"server error", statusHandler(http.StatusBadGateway, ""), archive.ErrNetwork},
		{"bad request", statusHandler(http.StatusBadRequest, ""), archive.ErrMalformed},
		{"bad body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{not json"))
		}, archive.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			client := NewClient(srv.URL, time.Second, zerolog.Nop())
			_, err := client.FetchDialogs(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("error got=%v want=%v", err, tt.want)
			}
		})
	}
}

func statusHandler(status int, retryAfter string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		http.Error(w, http.StatusText(status), status)
	}
}

func TestClientRetryAfter(t *testing.T) {
	srv := httptest.NewServer(statusHandler(http.StatusTooManyRequests, "7"))
	defer srv.Close()
	client := NewClient(srv.URL, time.Second, zerolog.Nop())
	_, err := client.FetchHistory(context.Background(), 1, 0, 10)
	var retryErr *archive.RetryAfterError
	if !errors.As(err, &retryErr) {
		t.Fatalf("error got=%v want RetryAfterError", err)
	}
	if retryErr.After != 7*time.Second {
		t.Fatalf("retry after got=%s want=7s", retryErr.After)
	}
	if !errors.Is(err, archive.ErrRateLimited) {
		t.Fatalf("RetryAfterError should match ErrRateLimited")
	}
}

func TestClientNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	client := NewClient(url, time.Second, zerolog.Nop())
	if _, err := client.IsAuthorized(context.Background()); !errors.Is(err, archive.ErrNetwork) {
		t.Fatalf("error got=%v want ErrNetwork", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.IsAuthorized(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled error got=%v want context.Canceled", err)
	}
}

func TestClientLogin(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestRelay(t)
	srv.SetAuthorized(false)

	authorized, err := client.IsAuthorized(ctx)
	if err != nil || authorized {
		t.Fatalf("IsAuthorized got=%v,%v want=false,nil", authorized, err)
	}
	if _, err = client.FetchDialogs(ctx); !errors.Is(err, archive.ErrUnauthorized) {
		t.Fatalf("FetchDialogs error got=%v want ErrUnauthorized", err)
	}
	if authorized, err = client.Login(ctx); err != nil || !authorized {
		t.Fatalf("Login got=%v,%v want=true,nil", authorized, err)
	}
	if _, err = client.FetchDialogs(ctx); err != nil {
		t.Fatalf("FetchDialogs after login: %v", err)
	}
}

func TestClientUpdatesFeed(t *testing.T) {
	srv, client := newTestRelay(t)
	srv.AddChat(testDialog, testMessages(2)...)
	// Updates published before the subscription are not replayed.
	srv.Publish(archive.Update{Kind: archive.UpdateDialog, Dialog: &archive.Dialog{ID: 100, Title: "Old"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := client.StartUpdates(ctx)
	if err != nil {
		t.Fatalf("StartUpdates: %v", err)
	}

	edit := archive.RawMessage{ID: 2, ChatID: 100, Date: time.Now().UTC(), EditDate: time.Now().UTC(), Text: "edited"}
	srv.Publish(archive.Update{Kind: archive.UpdateEditMessage, Message: &edit})
	sent, err := client.SendMessage(ctx, 100, nil, "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent.ID != 3 || sent.Text != "hello" || sent.ChatID != 100 {
		t.Fatalf("sent message got=%+v", sent)
	}

	first := receive(t, updates)
	if first.Kind != archive.UpdateEditMessage || first.Message.ID != 2 || first.Message.Text != "edited" {
		t.Fatalf("first update got=%+v", first)
	}
	second := receive(t, updates)
	if second.Kind != archive.UpdateNewMessage || second.Message.ID != 3 {
		t.Fatalf("second update got=%+v", second)
	}

	history, err := client.FetchHistory(ctx, 100, 0, 10)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(history) != 3 || history[1].Text != "edited" {
		t.Fatalf("history after updates got=%+v", history)
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatalf("unexpected update after cancel")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("feed not closed after cancel")
	}
}

func TestClientUpdatesEndOnUnauthorized(t *testing.T) {
	srv, client := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := client.StartUpdates(ctx)
	if err != nil {
		t.Fatalf("StartUpdates: %v", err)
	}
	srv.SetAuthorized(false)

	last := receive(t, updates)
	if !errors.Is(last.Err, archive.ErrUnauthorized) {
		t.Fatalf("final update error got=%v want ErrUnauthorized", last.Err)
	}
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatalf("feed still open after auth failure")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("feed not closed after auth failure")
	}
}

func TestClientDownloadMedia(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestRelay(t)
	srv.AddChat(testDialog, testMessages(1)...)
	srv.SetMedia(100, 1, []byte("payload"))

	data, err := client.DownloadMedia(ctx, 100, 1)
	if err != nil {
		t.Fatalf("DownloadMedia: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("media got=%q want=%q", data, "payload")
	}
	if _, err = client.DownloadMedia(ctx, 100, 2); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("missing media error got=%v want ErrNotFound", err)
	}
}

func receive(t *testing.T, updates <-chan archive.Update) archive.Update {
	t.Helper()
	select {
	case upd, ok := <-updates:
		if !ok {
			t.Fatalf("update feed closed early")
		}
		return upd
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for update")
	}
	return archive.Update{}
}
