// Package relay carries messages between rooms through the cloud relay. The
// Client speaks the relay's JSON API; Inbox and AlertRelay drive it through
// poll coalescers so no two fetches or sends for the same purpose overlap.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrUnauthorized is returned when the relay rejects a room token. The
// cached token is dropped so the next call requests a fresh one.
var ErrUnauthorized = errors.New("relay: unauthorized")

const defaultHTTPTimeout = 15 * time.Second

// Message is one relayed message.
type Message struct {
	ID       string    `json:"id,omitempty"`
	FromRoom string    `json:"from_room,omitempty"`
	ToRoom   string    `json:"to_room,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sent_at,omitempty"`
}

type ClientConfig struct {
	BaseURL string
	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	tokens map[string]string
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("relay: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("relay: invalid base URL %q: %w", cfg.BaseURL, err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: hc,
		logger:     logger.With("component", "relay"),
		tokens:     make(map[string]string),
	}, nil
}

// EnsureToken returns the room's relay token, registering the room on first use.
func (c *Client) EnsureToken(ctx context.Context, roomID string) (string, error) {
	c.mu.Lock()
	tok, ok := c.tokens[roomID]
	c.mu.Unlock()
	if ok {
		return tok, nil
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/rooms/"+url.PathEscape(roomID)+"/token", "", nil, &resp); err != nil {
		return "", fmt.Errorf("relay token for room %s: %w", roomID, err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("relay token for room %s: empty token", roomID)
	}
	c.mu.Lock()
	c.tokens[roomID] = resp.Token
	c.mu.Unlock()
	c.logger.Debug("relay token issued", "room_id", roomID)
	return resp.Token, nil
}

// Send posts msg on behalf of roomID and returns the message as stored by the relay.
func (c *Client) Send(ctx context.Context, roomID string, msg Message) (Message, error) {
	tok, err := c.EnsureToken(ctx, roomID)
	if err != nil {
		return Message{}, err
	}
	if msg.FromRoom == "" {
		msg.FromRoom = roomID
	}
	var out Message
	err = c.do(ctx, http.MethodPost, "/v1/rooms/"+url.PathEscape(roomID)+"/messages", tok, msg, &out)
	if err != nil {
		c.forgetOnAuth(roomID, err)
		return Message{}, fmt.Errorf("relay send: %w", err)
	}
	return out, nil
}

// Fetch returns the room's messages after cursor along with the cursor to
// pass next time. An empty cursor fetches from the beginning.
func (c *Client) Fetch(ctx context.Context, roomID, cursor string) ([]Message, string, error) {
	tok, err := c.EnsureToken(ctx, roomID)
	if err != nil {
		return nil, cursor, err
	}
	path := "/v1/rooms/" + url.PathEscape(roomID) + "/messages"
	if cursor != "" {
		path += "?since=" + url.QueryEscape(cursor)
	}
	var resp struct {
		Messages []Message `json:"messages"`
		Cursor   string    `json:"cursor"`
	}
	if err := c.do(ctx, http.MethodGet, path, tok, nil, &resp); err != nil {
		c.forgetOnAuth(roomID, err)
		return nil, cursor, fmt.Errorf("relay fetch: %w", err)
	}
	if resp.Cursor == "" {
		resp.Cursor = cursor
	}
	return resp.Messages, resp.Cursor, nil
}

func (c *Client) forgetOnAuth(roomID string, err error) {
	if !errors.Is(err, ErrUnauthorized) {
		return
	}
	c.mu.Lock()
	delete(c.tokens, roomID)
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	return nil
}
