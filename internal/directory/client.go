// Package directory talks to the remote user directory that owns user
// profiles and avatar URLs.
package directory

import (
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
)

var (
	// ErrRemoteUnavailable covers transport failures, timeouts and unexpected statuses.
	ErrRemoteUnavailable = errors.New("remote directory unavailable")
	// ErrNotFound is returned when the directory has no such user or resource.
	ErrNotFound = errors.New("remote resource not found")
	// ErrDecode is returned when a directory response cannot be understood.
	ErrDecode = errors.New("remote response could not be decoded")
	// ErrTooLarge is returned when a response body exceeds maxBodyBytes.
	ErrTooLarge = errors.New("remote response too large")
)

// maxBodyBytes caps a single response body.
const maxBodyBytes = 10 << 20

// RemoteUser is the subset of a directory record this service uses.
// Attributes holds the raw record as returned by the directory.
type RemoteUser struct {
	ID         string
	Name       string
	Email      string
	AvatarURL  string
	Attributes map[string]any
}

// Client fetches user records and raw avatar bytes. It never retries.
type Client interface {
	FetchUser(ctx context.Context, id string) (*RemoteUser, error)
	FetchBytes(ctx context.Context, rawURL string) ([]byte, error)
}

// Config configures the HTTP directory client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type httpClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds an HTTP directory client. A zero timeout defaults to 10s.
func NewClient(cfg Config) (Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("directory base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid directory base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &httpClient{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type userEnvelope struct {
	Data map[string]any `json:"data"`
}

func (c *httpClient) FetchUser(ctx context.Context, id string) (*RemoteUser, error) {
	endpoint := fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(id))
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var env userEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: user %s: %v", ErrDecode, id, err)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("%w: user %s: missing data object", ErrDecode, id)
	}

	return parseRemoteUser(env.Data), nil
}

func (c *httpClient) FetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("%w: invalid url %q: %v", ErrDecode, rawURL, err)
	}
	return c.get(ctx, rawURL)
}

func (c *httpClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrRemoteUnavailable, err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrRemoteUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: GET %s", ErrNotFound, endpoint)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrRemoteUnavailable, endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrRemoteUnavailable, err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("%w: GET %s: body exceeds %d bytes", ErrTooLarge, endpoint, maxBodyBytes)
	}
	return body, nil
}

func parseRemoteUser(data map[string]any) *RemoteUser {
	user := &RemoteUser{
		ID:         stringField(data, "id"),
		Name:       stringField(data, "name"),
		Email:      stringField(data, "email"),
		AvatarURL:  stringField(data, "avatar"),
		Attributes: data,
	}
	if user.Name == "" {
		user.Name = strings.TrimSpace(stringField(data, "first_name") + " " + stringField(data, "last_name"))
	}
	return user
}

// stringField reads a string or numeric JSON value as a string.
func stringField(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
