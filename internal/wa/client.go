package wa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sender delivers messages through a WhatsApp instance
type Sender interface {
	SendText(ctx context.Context, token, instanceID, number, message string) error
	SendImage(ctx context.Context, token, instanceID, number, image, caption string) error
}

// APIError is a non-2xx answer of the send backend
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("send API: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("send API: HTTP %d: %s", e.StatusCode, e.Message)
}

// RateLimited reports whether the backend is throttling the instance
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsRateLimited reports whether err carries a 429 from the send backend
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited()
}

// Client talks to the external WhatsApp send backend
type Client struct {
	baseURL    string
	probePath  string
	httpClient *http.Client
}

// NewClient creates a send API client. Every call is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		probePath: "/",
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetProbePath changes the path used by Probe
func (c *Client) SetProbePath(path string) {
	if path != "" {
		c.probePath = path
	}
}

func (c *Client) request(ctx context.Context, method, path, token string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp ErrorResponse
	if json.Unmarshal(data, &errResp) == nil {
		apiErr.Message = errResp.Text()
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// SendText posts a text message
func (c *Client) SendText(ctx context.Context, token, instanceID, number, message string) error {
	req := &SendMessageRequest{Number: number, Message: message}
	return c.request(ctx, http.MethodPost, "/send-message/"+url.PathEscape(instanceID), token, req, nil)
}

// SendImage posts an image with an optional caption
func (c *Client) SendImage(ctx context.Context, token, instanceID, number, image, caption string) error {
	req := &SendImageRequest{Number: number, File: image, Message: caption}
	return c.request(ctx, http.MethodPost, "/send-image/"+url.PathEscape(instanceID), token, req, nil)
}

// Probe checks that the backend answers at all
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.probePath, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send backend unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &APIError{StatusCode: resp.StatusCode, Message: "send backend unavailable"}
	}
	return nil
}

// InstanceStatus returns the live connection state of one instance
func (c *Client) InstanceStatus(ctx context.Context, token, instanceID string) (*InstanceStatus, error) {
	var resp InstanceStatus
	if err := c.request(ctx, http.MethodGet, "/instance/"+url.PathEscape(instanceID)+"/status", token, nil, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		resp.ID = instanceID
	}
	return &resp, nil
}

// ConnectedAll checks several instances concurrently and reports which are connected
func (c *Client) ConnectedAll(ctx context.Context, token string, instanceIDs []string) (map[string]bool, error) {
	results := make([]bool, len(instanceIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range instanceIDs {
		g.Go(func() error {
			st, err := c.InstanceStatus(gctx, token, id)
			if err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
					return nil
				}
				return fmt.Errorf("instance %s: %w", id, err)
			}
			results[i] = st.Connected()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]bool, len(instanceIDs))
	for i, id := range instanceIDs {
		out[id] = results[i]
	}
	return out, nil
}
