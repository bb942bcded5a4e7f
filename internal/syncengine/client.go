package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mwinters/roadlog/internal/protocol"
)

// ErrUnauthorized reports a rejected bearer token. The engine suspends
// on it instead of retrying; only a fresh token resumes syncing.
var ErrUnauthorized = errors.New("unauthorized")

// Client is the HTTP client for the server's sync and license surface.
type Client struct {
	mu         sync.RWMutex
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetToken replaces the bearer token after re-pairing.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Reconcile performs one push+pull round trip. The returned server time
// comes from the response header and anchors the trusted clock; it is
// zero when the header is absent.
func (c *Client) Reconcile(ctx context.Context, req protocol.SyncRequest) (*protocol.SyncResponse, time.Time, error) {
	body, serverTime, err := c.post(ctx, "/v1/sync", req)
	if err != nil {
		return nil, time.Time{}, err
	}

	var resp protocol.SyncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode sync response: %w", err)
	}
	return &resp, serverTime, nil
}

// AssignLicense asks the server to link a pool seat to this account.
func (c *Client) AssignLicense(ctx context.Context, req protocol.LicenseRequest) (*protocol.LicenseResponse, time.Time, error) {
	return c.licenseCall(ctx, "/v1/licenses/assign", req)
}

// RequestUnlink starts the notice period for a linked seat.
func (c *Client) RequestUnlink(ctx context.Context, req protocol.LicenseRequest) (*protocol.LicenseResponse, time.Time, error) {
	return c.licenseCall(ctx, "/v1/licenses/unlink", req)
}

// CancelUnlink withdraws a pending unlink before it takes effect.
func (c *Client) CancelUnlink(ctx context.Context, req protocol.LicenseRequest) (*protocol.LicenseResponse, time.Time, error) {
	return c.licenseCall(ctx, "/v1/licenses/cancel-unlink", req)
}

const (
	contentionBaseBackoff = 100 * time.Millisecond
	contentionMaxRetries  = 4
)

var errPoolContention = errors.New("license pool contention")

// licenseCall posts a pool RPC, retrying the transient contention
// outcome with exponential backoff. A budget spent on nothing but
// contention surfaces the tagged outcome to the caller, not an error.
func (c *Client) licenseCall(ctx context.Context, path string, req protocol.LicenseRequest) (*protocol.LicenseResponse, time.Time, error) {
	var resp protocol.LicenseResponse
	var serverTime time.Time

	b := retry.WithMaxRetries(contentionMaxRetries, retry.NewExponential(contentionBaseBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		body, st, err := c.post(ctx, path, req)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decode license response: %w", err)
		}
		serverTime = st
		if resp.Outcome == protocol.LicenseContention {
			return retry.RetryableError(errPoolContention)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errPoolContention) {
			return &resp, serverTime, nil
		}
		return nil, time.Time{}, err
	}
	return &resp, serverTime, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, time.Time, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	serverTime := parseServerTime(resp.Header.Get(protocol.ServerTimeHeader))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, serverTime, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, serverTime, fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, serverTime, fmt.Errorf("read response: %w", err)
	}
	return buf.Bytes(), serverTime, nil
}

func parseServerTime(header string) time.Time {
	if header == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, header)
	if err != nil {
		return time.Time{}
	}
	return t
}
