package archive

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// fakeClient serves canned dialogs and history. Errors queued in
// historyErrs are returned by the next FetchHistory calls, one per call.
type fakeClient struct {
	mu sync.Mutex

	authorized  bool
	dialogs     []Dialog
	history     map[int64][]RawMessage
	historyErrs []error
	alwaysErr   error
	// historyCalls records the beforeID of every FetchHistory call.
	historyCalls []int64

	updates chan Update
	// startErrs are returned by the next StartUpdates calls, one per call.
	startErrs  []error
	startCalls int
	sent       []RawMessage
	media      map[int64][]byte
	nextID     int64

	destroyed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		authorized: true,
		history:    make(map[int64][]RawMessage),
		updates:    make(chan Update, 16),
		media:      make(map[int64][]byte),
		nextID:     1000,
	}
}

func (f *fakeClient) addChannel(d Dialog, msgs ...RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialogs = append(f.dialogs, d)
	for i := range msgs {
		msgs[i].ChatID = d.ID
		msgs[i].ChatTitle = d.Title
		msgs[i].ChatKind = d.Kind
	}
	f.history[d.ID] = append(f.history[d.ID], msgs...)
}

func (f *fakeClient) IsAuthorized(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized, nil
}

func (f *fakeClient) Login(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorized = true
	return true, nil
}

func (f *fakeClient) FetchDialogs(ctx context.Context) ([]Dialog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.dialogs), nil
}

func (f *fakeClient) FetchHistory(ctx context.Context, channelID, beforeID int64, limit int) ([]RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls = append(f.historyCalls, beforeID)
	if len(f.historyErrs) > 0 {
		err := f.historyErrs[0]
		f.historyErrs = f.historyErrs[1:]
		return nil, err
	}
	if f.alwaysErr != nil {
		return nil, f.alwaysErr
	}
	var out []RawMessage
	msgs := f.history[channelID]
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeID == 0 || msgs[i].ID < beforeID {
			out = append(out, msgs[i])
		}
	}
	return out, nil
}

func (f *fakeClient) StartUpdates(ctx context.Context) (<-chan Update, error) {
	f.mu.Lock()
	f.startCalls++
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	out := make(chan Update)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-f.updates:
				select {
				case out <- upd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeClient) SendMessage(ctx context.Context, channelID int64, topicID *int64, text string) (*RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg := RawMessage{ID: f.nextID, ChatID: channelID, TopicID: topicID, Date: time.Now(), Text: text}
	f.sent = append(f.sent, msg)
	return &msg, nil
}

func (f *fakeClient) DownloadMedia(ctx context.Context, channelID, messageID int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.media[messageID]
	if !ok {
		return nil, fmt.Errorf("%w: no media for %d", ErrNotFound, messageID)
	}
	return data, nil
}

func (f *fakeClient) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

func (f *fakeClient) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

func (f *fakeClient) calls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.historyCalls)
}

// dailyHistory returns count messages with ids 1..count, one per day
// starting at start.
func dailyHistory(start time.Time, count int) []RawMessage {
	msgs := make([]RawMessage, count)
	for i := range msgs {
		msgs[i] = RawMessage{
			ID:              int64(i + 1),
			SenderID:        42,
			SenderFirstName: "Alice",
			SenderLastName:  "Example",
			Date:            start.AddDate(0, 0, i),
			Text:            fmt.Sprintf("message number %d", i+1),
		}
	}
	return msgs
}
