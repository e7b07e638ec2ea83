// Package lacework implements the read-only Lacework API v2 client the
// aggregator drives: token lifecycle, rate-limit-aware requests, cursor
// pagination, and the windowed composite-alert search.
package lacework

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

const (
	defaultTimeout     = 30 * time.Second
	tokenExpirySeconds = 3600
	maxAttemptsOn429   = 3
	rateLimitBackoff   = 30 * time.Second
	maxErrorBodySize   = 1 << 20 // 1 MiB

	// The API always speaks UTC, so the zone designator is a literal Z.
	timeFormat = "2006-01-02T15:04:05Z"
)

// ErrRateLimited is returned when a request is still rate limited after
// the full retry budget.
var ErrRateLimited = errors.New("lacework api rate limited")

// Client is a Lacework API v2 client bound to one tenant account. Each
// instance owns its own bearer token cache; nothing is shared across
// tenants.
type Client struct {
	BaseURL    string
	KeyID      string
	Secret     string
	SubAccount string
	HTTP       *http.Client

	// OnCategoryFailure, when set, observes composite-alert category
	// sub-queries that failed and were degraded to empty results.
	OnCategoryFailure func(category string)

	sleepFn func(context.Context, time.Duration) error
	now     func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New creates a client for one tenant account. The account host may be
// given bare ("acme.lacework.net"); a scheme is added when missing.
func New(baseURL, keyID, secret, subAccount string) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	keyID = strings.TrimSpace(keyID)
	subAccount = strings.TrimSpace(subAccount)

	if base == "" {
		return nil, errors.New("lacework base URL is required")
	}
	if !strings.HasPrefix(base, "https://") && !strings.HasPrefix(base, "http://") {
		base = "https://" + base
	}
	if keyID == "" {
		return nil, errors.New("lacework api key id is required")
	}
	if secret == "" {
		return nil, errors.New("lacework api secret is required")
	}

	return &Client{
		BaseURL:    base,
		KeyID:      keyID,
		Secret:     secret,
		SubAccount: subAccount,
		HTTP:       &http.Client{Timeout: defaultTimeout},
		sleepFn:    sleep,
		now:        time.Now,
	}, nil
}

func (c *Client) ensureClient() error {
	if c.BaseURL == "" {
		return errors.New("lacework base URL is required")
	}
	if c.KeyID == "" || c.Secret == "" {
		return errors.New("lacework api credentials are required")
	}
	if c.HTTP == nil {
		return errors.New("lacework http client is not configured")
	}
	if c.sleepFn == nil {
		c.sleepFn = sleep
	}
	if c.now == nil {
		c.now = time.Now
	}
	return nil
}

// ensureToken returns the cached bearer token, acquiring a fresh one
// once the cached token has reached its expiry. Acquisition failures
// are not retried; retry policy applies only to rate-limited data
// requests.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]any{
		"keyId":      c.KeyID,
		"expiryTime": tokenExpirySeconds,
	})
	if err != nil {
		return "", err
	}

	endpoint := c.BaseURL + "/api/v2/access/tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("X-LW-UAKS", c.Secret)
	req.Header.Set("Content-Type", "application/json")
	if c.SubAccount != "" {
		req.Header.Set("Account-Name", c.SubAccount)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", formatLaceworkAPIError("lacework token request failed", endpoint, resp, body)
	}

	token, expiresAt, err := parseTokenResponse(body)
	if err != nil {
		return "", err
	}
	c.token = token
	c.tokenExpiry = expiresAt
	return c.token, nil
}

// parseTokenResponse handles both token response shapes: a bare object
// and an object wrapped in a single-element data array.
func parseTokenResponse(body []byte) (string, time.Time, error) {
	var payload struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expiresAt"`
		Data      []struct {
			Token     string `json:"token"`
			ExpiresAt string `json:"expiresAt"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("lacework token response decode failed: %w", err)
	}

	token, expiresAt := payload.Token, payload.ExpiresAt
	if len(payload.Data) > 0 {
		token, expiresAt = payload.Data[0].Token, payload.Data[0].ExpiresAt
	}
	if token == "" {
		return "", time.Time{}, errors.New("lacework token response carries no token")
	}
	expiry, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("lacework token expiry %q: %w", expiresAt, err)
	}
	return token, expiry, nil
}

type apiResponse struct {
	Data   []json.RawMessage `json:"data"`
	Paging struct {
		URLs struct {
			NextPage string `json:"nextPage"`
		} `json:"urls"`
	} `json:"paging"`
}

// request issues one authenticated call. 429 responses are retried up
// to three attempts total with delays of 30s, 60s and 90s; 204 is an
// empty success; any other non-2xx fails immediately.
func (c *Client) request(ctx context.Context, method, path string, body any) (*apiResponse, error) {
	if err := c.ensureClient(); err != nil {
		return nil, err
	}
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	endpoint := c.BaseURL + path
	for attempt := 1; attempt <= maxAttemptsOn429; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		if c.SubAccount != "" {
			req.Header.Set("Account-Name", c.SubAccount)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			drainBody(resp)
			delay := time.Duration(attempt) * rateLimitBackoff
			slog.Warn("lacework api rate limited", "path", path, "delay", delay)
			if err := c.sleepFn(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode == http.StatusNoContent {
			drainBody(resp)
			return &apiResponse{}, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
			resp.Body.Close()
			if readErr != nil {
				return nil, readErr
			}
			return nil, formatLaceworkAPIError("lacework api failed", endpoint, resp, errBody)
		}

		var parsed apiResponse
		err = json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("lacework response decode failed: %w", err)
		}
		return &parsed, nil
	}

	return nil, fmt.Errorf("%w after %d attempts on %s", ErrRateLimited, maxAttemptsOn429, path)
}

// paginate follows the server-supplied next-page link up to maxPages
// total page fetches, accumulating data arrays. Duplicates across pages
// are the caller's concern.
func (c *Client) paginate(ctx context.Context, method, path string, body any, maxPages int) ([]json.RawMessage, error) {
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	records := resp.Data

	for pages := 1; pages < maxPages; pages++ {
		next := resp.Paging.URLs.NextPage
		if next == "" {
			break
		}
		resp, err = c.request(ctx, http.MethodGet, strings.TrimPrefix(next, c.BaseURL), nil)
		if err != nil {
			return nil, err
		}
		records = append(records, resp.Data...)
	}
	return records, nil
}

// TestConnection acquires a token and probes one authenticated read to
// verify the credentials work end to end.
func (c *Client) TestConnection(ctx context.Context) (bool, string) {
	if err := c.ensureClient(); err != nil {
		return false, err.Error()
	}
	if _, err := c.ensureToken(ctx); err != nil {
		return false, err.Error()
	}
	if _, err := c.request(ctx, http.MethodGet, "/api/v2/CloudAccounts", nil); err != nil {
		return false, err.Error()
	}
	return true, "Connection successful"
}

func drainBody(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize)) //nolint:errcheck
	resp.Body.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type timeFilter struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

func (c *Client) last24h() timeFilter {
	now := c.now().UTC()
	return timeFilter{
		StartTime: now.Add(-24 * time.Hour).Format(timeFormat),
		EndTime:   now.Format(timeFormat),
	}
}

func formatLaceworkAPIError(prefix, reqURL string, resp *http.Response, body []byte) error {
	message := extractLaceworkAPIErrorMessage(body)
	details := formatLaceworkAPIErrorDetails(reqURL, resp)

	if message != "" && details != "" {
		return fmt.Errorf("%s: %s: %s (%s)", prefix, resp.Status, message, details)
	}
	if message != "" {
		return fmt.Errorf("%s: %s: %s", prefix, resp.Status, message)
	}
	if details != "" {
		return fmt.Errorf("%s: %s (%s)", prefix, resp.Status, details)
	}
	return fmt.Errorf("%s: %s", prefix, resp.Status)
}

func extractLaceworkAPIErrorMessage(body []byte) string {
	var payload struct {
		Message string   `json:"message"`
		Errors  []string `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
		if len(payload.Errors) > 0 {
			if first := strings.TrimSpace(payload.Errors[0]); first != "" {
				return first
			}
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return ""
	}
	if strings.HasPrefix(msg, "<!DOCTYPE html") || strings.HasPrefix(msg, "<html") {
		return ""
	}
	msg = strings.Join(strings.Fields(msg), " ")
	const maxLen = 300
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "…"
	}
	return msg
}

func formatLaceworkAPIErrorDetails(reqURL string, resp *http.Response) string {
	var parts []string
	if v := safeURL(reqURL); v != "" {
		parts = append(parts, "url="+v)
	}
	if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
		parts = append(parts, "retry_after="+v)
	}
	return strings.Join(parts, ", ")
}

func safeURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.RawQuery != "" {
		return u.Scheme + "://" + u.Host + u.Path + "?" + u.RawQuery
	}
	return u.Scheme + "://" + u.Host + u.Path
}
