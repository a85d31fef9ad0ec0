// Package kickapi contains a minimal client for the public Kick channel API,
// used to resolve a channel slug to its chatroom id and to check that a
// channel exists before it is monitored.
package kickapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the channel lookup endpoint; the slug is appended.
const DefaultBaseURL = "https://kick.com/api/v2/channels/"

// DefaultUserAgent is sent on every request; the API rejects empty agents.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

var (
	// ErrChannelNotFound is returned when Kick answers 404 for a slug.
	ErrChannelNotFound = errors.New("kick channel not found")
	// ErrUnexpectedStatus wraps any other non-200 answer.
	ErrUnexpectedStatus = errors.New("kick api unexpected status")
)

// Channel is the subset of the channel document the service uses.
type Channel struct {
	ID       int64  `json:"id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int64 `json:"id"`
	} `json:"chatroom"`
	User struct {
		Username string `json:"username"`
	} `json:"user"`
	Livestream *struct {
		ID        int64  `json:"id"`
		IsLive    bool   `json:"is_live"`
		Title     string `json:"session_title"`
		StartTime string `json:"start_time"`
		Viewers   int    `json:"viewer_count"`
	} `json:"livestream"`
}

// Client fetches channel documents.
type Client struct {
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (c *Client) endpoint(slug string) string {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + url.PathEscape(slug)
}

// GetChannel returns the channel document for slug.
func (c *Client) GetChannel(ctx context.Context, slug string) (*Channel, error) {
	if slug == "" {
		return nil, fmt.Errorf("slug empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(slug), nil)
	if err != nil {
		return nil, err
	}
	ua := c.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, slug)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s: %d", ErrUnexpectedStatus, slug, resp.StatusCode)
	}
	var ch Channel
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return nil, fmt.Errorf("decode channel %s: %w", slug, err)
	}
	return &ch, nil
}

// ChatroomID resolves slug to the chatroom id used for the Pusher subscription.
func (c *Client) ChatroomID(ctx context.Context, slug string) (string, error) {
	ch, err := c.GetChannel(ctx, slug)
	if err != nil {
		return "", err
	}
	if ch.Chatroom.ID == 0 {
		return "", fmt.Errorf("channel %s has no chatroom", slug)
	}
	return fmt.Sprintf("%d", ch.Chatroom.ID), nil
}
