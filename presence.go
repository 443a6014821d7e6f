// Package presence provides the Go client SDK for the Smart Presence
// attendance API, built around an offline-tolerant resilience layer.
//
// The SDK keeps the application usable when the network is slow,
// intermittent, or absent:
//
//   - a durable queue of attendance check-ins captured while disconnected,
//     replayed by SyncManager with bounded retries
//   - a TTL-based response cache plus in-flight request coalescing in
//     front of all reads (Reader)
//   - a single persistent push channel with topic subscriptions and
//     automatic reconnection (Channel)
//
// Example:
//
//	store, _ := presence.OpenStore(dir)
//	defer store.Close()
//
//	client := presence.NewClient("https://presence.example.com", presence.WithToken(token))
//	sm := presence.NewSyncManager(store, client, nil)
//	sm.StartSync(30 * time.Second)
//	defer sm.StopSync()
//
//	sm.AddCheckin(ctx, &presence.CheckinPayload{SessionID: "s1", StudentID: "42"}, "qr")
package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds every HTTP request issued by the client.
	DefaultTimeout = 30 * time.Second

	checkinPath = "/api/attendance/checkin"
)

// ============================================================================
// Client
// ============================================================================

// Client is the low-level HTTP client for the Smart Presence API.
// All requests carry an Authorization bearer header when a token is set.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTimeout overrides the default request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the logger used by the client. The default discards
// everything so the SDK stays silent unless the embedder opts in.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or rotates the auth token after login or refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Response is a raw API response: the HTTP status plus the unparsed body.
// A Response is only produced when the server answered; transport-level
// failures surface as errors instead.
type Response struct {
	Status int
	Body   []byte
}

// ClientError reports whether the response is a 4xx-class rejection.
// Replaying the same request cannot change a 4xx outcome.
func (r *Response) ClientError() bool {
	return r.Status >= 400 && r.Status < 500
}

// OK reports whether the response is a 2xx success.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Do issues a request and returns the raw response. body (when non-nil) is
// JSON-encoded. A non-2xx status is not an error at this level; callers
// classify it.
func (c *Client) Do(ctx context.Context, method, path string, body any, query map[string]string) (*Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &Response{Status: resp.StatusCode, Body: data}, nil
}

// DoResult issues a request and decodes the standard {ok, data, error}
// envelope, preserving the HTTP status for classification.
func (c *Client) DoResult(ctx context.Context, method, path string, body any, query map[string]string) (*APIResult, error) {
	resp, err := c.Do(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	// The status class drives retry classification even when the body is
	// not the standard envelope, so a decode failure is not fatal here.
	var result APIResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		result = APIResult{OK: resp.OK()}
	}
	result.Status = resp.Status
	return &result, nil
}

// SubmitCheckin replays an attendance check-in against the server.
// method records the origin of capture ("qr", "qr_offline").
func (c *Client) SubmitCheckin(ctx context.Context, payload *CheckinPayload, method string) (*APIResult, error) {
	return c.DoResult(ctx, http.MethodPost, checkinPath, &checkinRequest{
		CheckinPayload: *payload,
		Method:         method,
	}, nil)
}

// ============================================================================
// Connectivity
// ============================================================================

// ConnectivityProbe reports whether the device currently has network
// connectivity. SyncManager and Reader consult it before going to the
// network and when deciding whether a stale cache entry may be served.
type ConnectivityProbe interface {
	Online() bool
}

// OnlineFunc adapts a function to the ConnectivityProbe interface.
type OnlineFunc func() bool

// Online implements ConnectivityProbe.
func (f OnlineFunc) Online() bool { return f() }

// online treats a nil probe as "always connected".
func online(p ConnectivityProbe) bool {
	return p == nil || p.Online()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
