// Package api is the client of the monitor backend REST endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseSize       = 1 << 20
)

var (
	ErrBadBaseURL = errors.New("api base url must be an absolute http(s) url")
	ErrEmptyRoom  = errors.New("room name is empty")
)

// FetchError describes a failed collaborator request.
type FetchError struct {
	Method string
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Device is the camera metadata served by the backend.
type Device struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	StreamURL       string `json:"stream_url"`
	IsActive        bool   `json:"is_active"`
	IsAuthenticated bool   `json:"is_authenticated"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
}

type (
	Config struct {
		Logger  *zerolog.Logger
		BaseURL string
		// HTTPClient defaults to a client with a 10s timeout.
		HTTPClient *http.Client
	}

	Client struct {
		logger zerolog.Logger
		base   *url.URL
		http   *http.Client
	}
)

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.Join(ErrBadBaseURL, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, ErrBadBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		logger: cfg.Logger.With().Str("component", "api-client").Logger(),
		base:   base,
		http:   client,
	}, nil
}

func (c *Client) FetchDevice(ctx context.Context, deviceID int64) (Device, error) {
	var dev Device
	err := c.do(ctx, http.MethodGet, "/api/device/"+strconv.FormatInt(deviceID, 10), &dev)
	if err != nil {
		return Device{}, err
	}
	c.logger.Debug().
		Int64("device", dev.ID).
		Str("name", dev.Name).
		Bool("active", dev.IsActive).
		Msg("device fetched")
	return dev, nil
}

// DeleteChatHistory removes the stored history of room.
func (c *Client) DeleteChatHistory(ctx context.Context, room string) error {
	if room == "" {
		return ErrEmptyRoom
	}
	if err := c.do(ctx, http.MethodDelete, "/api/chat/"+url.PathEscape(room)+"/history", nil); err != nil {
		return err
	}
	c.logger.Debug().Str("room", room).Msg("chat history deleted")
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	target := c.base.JoinPath(path).String()

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return &FetchError{Method: method, URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &FetchError{Method: method, URL: target, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &FetchError{Method: method, URL: target, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Trace().Str("body", string(body)).Int("status", resp.StatusCode).Msg("request failed")
		return &FetchError{Method: method, URL: target, Status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err = json.Unmarshal(body, out); err != nil {
		return &FetchError{Method: method, URL: target, Err: err}
	}
	return nil
}
