package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/codyssey-ltd/telegram-mcp-server/pkg/archive"
)

const maxMediaSize = 2 << 30

// Client implements archive.Client against a relay.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	// PollTimeout is how long the relay may hold an /updates request.
	PollTimeout time.Duration
	// QueueSize is the buffer of the channel returned by StartUpdates.
	QueueSize int
}

var _ archive.Client = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:         log,
		PollTimeout: 25 * time.Second,
		QueueSize:   256,
	}
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	var resp authResponse
	if err := c.doJSON(ctx, http.MethodGet, "/auth", nil, nil, &resp); err != nil {
		return false, err
	}
	return resp.Authorized, nil
}

func (c *Client) Login(ctx context.Context) (bool, error) {
	var resp authResponse
	if err := c.doJSON(ctx, http.MethodPost, "/login", nil, struct{}{}, &resp); err != nil {
		return false, err
	}
	return resp.Authorized, nil
}

func (c *Client) FetchDialogs(ctx context.Context) ([]archive.Dialog, error) {
	var dialogs []archive.Dialog
	if err := c.doJSON(ctx, http.MethodGet, "/dialogs", nil, nil, &dialogs); err != nil {
		return nil, err
	}
	return dialogs, nil
}

func (c *Client) FetchHistory(ctx context.Context, channelID, beforeID int64, limit int) ([]archive.RawMessage, error) {
	query := url.Values{"chat_id": {strconv.FormatInt(channelID, 10)}}
	if beforeID > 0 {
		query.Set("before_id", strconv.FormatInt(beforeID, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var messages []archive.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/history", query, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) SendMessage(ctx context.Context, channelID int64, topicID *int64, text string) (*archive.RawMessage, error) {
	var msg archive.RawMessage
	req := &sendRequest{ChatID: channelID, TopicID: topicID, Text: text}
	if err := c.doJSON(ctx, http.MethodPost, "/send", nil, req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) DownloadMedia(ctx context.Context, channelID, messageID int64) ([]byte, error) {
	query := url.Values{
		"chat_id":    {strconv.FormatInt(channelID, 10)},
		"message_id": {strconv.FormatInt(messageID, 10)},
	}
	resp, err := c.do(ctx, http.MethodGet, "/media", query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read /media response: %v", archive.ErrNetwork, err)
	}
	return data, nil
}

// StartUpdates records the current feed position and long-polls the relay
// from there until ctx is done. An authorization failure is delivered as
// the last update before the channel closes.
func (c *Client) StartUpdates(ctx context.Context) (<-chan archive.Update, error) {
	var head updatesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/updates", nil, nil, &head); err != nil {
		return nil, err
	}
	out := make(chan archive.Update, max(c.QueueSize, 1))
	go c.pollUpdates(ctx, head.Next, out)
	return out, nil
}

func (c *Client) pollUpdates(ctx context.Context, next int64, out chan<- archive.Update) {
	defer close(out)
	log := c.log.With().Str("component", "relay_updates").Logger()
	backoff := time.Second
	for ctx.Err() == nil {
		query := url.Values{
			"after":   {strconv.FormatInt(next, 10)},
			"timeout": {strconv.Itoa(int(c.PollTimeout.Seconds()))},
		}
		var resp updatesResponse
		err := c.doJSON(ctx, http.MethodGet, "/updates", query, nil, &resp)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, archive.ErrUnauthorized) {
				select {
				case out <- archive.Update{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			log.Warn().Err(err).Stringer("retry_in", backoff).Msg("Update poll failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second
		for _, upd := range resp.Updates {
			select {
			case out <- upd:
			case <-ctx.Done():
				return
			}
		}
		next = resp.Next
	}
}

func (c *Client) Destroy() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", archive.ErrMalformed, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: relay %s request failed: %v", archive.ErrNetwork, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(path, resp)
	}
	return resp, nil
}

// statusError maps a relay status code onto the archive's error sentinels.
func statusError(path string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := fmt.Sprintf("relay %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", archive.ErrUnauthorized, msg)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", archive.ErrForbidden, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", archive.ErrNotFound, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			return fmt.Errorf("%s: %w", msg, &archive.RetryAfterError{After: time.Duration(secs) * time.Second})
		}
		return fmt.Errorf("%w: %s", archive.ErrRateLimited, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", archive.ErrNetwork, msg)
	default:
		return fmt.Errorf("%w: %s", archive.ErrMalformed, msg)
	}
}
