package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiError is a non-2xx answer from the control API.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// client calls the kickchat control API.
type client struct {
	baseURL  string
	token    string
	username string
	password string
	http     *http.Client
}

func newClient(baseURL, token, username, password string, timeout time.Duration) *client {
	return &client{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:    token,
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Admin-Token", c.token)
	} else if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func channelPath(name, suffix string) string {
	p := "/channels/" + url.PathEscape(name)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

type channelStatus struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Attempt     int        `json:"attempt,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Paused      bool       `json:"paused"`
	Degraded    bool       `json:"degraded"`
	Counters    struct {
		Stored            int64 `json:"stored"`
		DecodeFailures    int64 `json:"decode_failures"`
		NormalizeFailures int64 `json:"normalize_failures"`
		WriteFailures     int64 `json:"write_failures"`
	} `json:"counters"`
}

func (c *client) list(ctx context.Context) ([]channelStatus, error) {
	var resp struct {
		Channels []channelStatus `json:"channels"`
	}
	if err := c.do(ctx, http.MethodGet, "/channels", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

func (c *client) add(ctx context.Context, name string) (string, error) {
	var resp struct {
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodPost, "/channels", map[string]string{"name": name}, &resp); err != nil {
		return "", err
	}
	return resp.Name, nil
}

func (c *client) remove(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, channelPath(name, ""), nil, nil)
}

func (c *client) pause(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, channelPath(name, "pause"), nil, nil)
}

func (c *client) resume(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, channelPath(name, "resume"), nil, nil)
}

func (c *client) resumeAll(ctx context.Context) (int, error) {
	var resp struct {
		Resumed int `json:"resumed"`
	}
	err := c.do(ctx, http.MethodPost, "/channels/resume-all", nil, &resp)
	return resp.Resumed, err
}

func (c *client) stats(ctx context.Context, name string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, channelPath(name, "stats"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
