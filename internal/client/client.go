// Package client is a Go client for the callmanager HTTP API, used by
// callmanagerctl and by collaborators such as the dialer bridge.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/callmanager/internal/contacts"
)

// Contact is a record as served by the API.
type Contact struct {
	contacts.ContactRecord
	VisibilityMonthsAgo int  `json:"visibilityMonthsAgo"`
	LeaseActive         bool `json:"locked"`
}

type ContactList struct {
	Contacts []Contact `json:"contacts"`
	Count    int       `json:"count"`
	Total    int       `json:"total"`
}

type ListOptions struct {
	Statuses []string
	Limit    int
}

type AdminConfig struct {
	Policy       contacts.Policy `json:"policy"`
	Limits       contacts.Limits `json:"limits"`
	Backend      string          `json:"backend"`
	Server       map[string]any  `json:"server"`
	ActiveLeases int             `json:"activeLeases"`
	Subscribers  int             `json:"subscribers"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) List(ctx context.Context, opts ListOptions) (ContactList, error) {
	q := url.Values{}
	if len(opts.Statuses) > 0 {
		q.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/v1/contacts"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out ContactList
	err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (Contact, error) {
	var out Contact
	err := c.doJSON(ctx, http.MethodGet, contactPath(id), nil, nil, &out)
	return out, err
}

func (c *Client) Create(ctx context.Context, row contacts.ImportRow) (Contact, error) {
	var out Contact
	err := c.doJSON(ctx, http.MethodPost, "/v1/contacts", nil, row, &out)
	return out, err
}

// Edit applies patch if the record is still at version.
func (c *Client) Edit(ctx context.Context, id string, version int64, patch contacts.Patch) (Contact, error) {
	var out Contact
	headers := map[string]string{"If-Match": strconv.FormatInt(version, 10)}
	err := c.doJSON(ctx, http.MethodPatch, contactPath(id), headers, patch, &out)
	return out, err
}

// Outcome records a call result. A version of zero skips the version check.
func (c *Client) Outcome(ctx context.Context, id, status, note string, version int64) (Contact, error) {
	var headers map[string]string
	if version > 0 {
		headers = map[string]string{"If-Match": strconv.FormatInt(version, 10)}
	}
	body := map[string]string{"status": status, "note": note}
	var out Contact
	err := c.doJSON(ctx, http.MethodPost, contactPath(id)+"/outcome", headers, body, &out)
	return out, err
}

func (c *Client) Lock(ctx context.Context, id string, ttl time.Duration) (contacts.Lease, error) {
	body := map[string]int{"ttlSeconds": int(ttl / time.Second)}
	var out contacts.Lease
	err := c.doJSON(ctx, http.MethodPost, contactPath(id)+"/lock", nil, body, &out)
	return out, err
}

func (c *Client) Unlock(ctx context.Context, id string) (bool, error) {
	var out struct {
		Released bool `json:"released"`
	}
	err := c.doJSON(ctx, http.MethodDelete, contactPath(id)+"/lock", nil, nil, &out)
	return out.Released, err
}

func (c *Client) Delete(ctx context.Context, id string) (Contact, error) {
	var out struct {
		Deleted Contact `json:"deleted"`
	}
	err := c.doJSON(ctx, http.MethodDelete, contactPath(id), nil, nil, &out)
	return out.Deleted, err
}

func (c *Client) Import(ctx context.Context, rows []contacts.ImportRow) (contacts.ImportResult, error) {
	var out contacts.ImportResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/import", nil, map[string]any{"rows": rows}, &out)
	return out, err
}

func (c *Client) AdminConfig(ctx context.Context) (AdminConfig, error) {
	var out AdminConfig
	err := c.doJSON(ctx, http.MethodGet, "/v1/admin/config", nil, nil, &out)
	return out, err
}

func contactPath(id string) string {
	return "/v1/contacts/" + url.PathEscape(strings.TrimSpace(id))
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlation := correlationID()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlation)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil && replaySafe(method, headers) {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}
		if retryable(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeAPIError(resp, payloadBytes)
	}
}

// replaySafe reports whether a request that may already have reached the
// server can be sent again. Version-guarded writes fail with a conflict on
// replay instead of applying twice.
func replaySafe(method string, headers map[string]string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	_, guarded := headers["If-Match"]
	return guarded
}

// retryable covers throttling and server-side failures. 501 is permanent.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599 && status != http.StatusNotImplemented)
}

func correlationID() string {
	return "ctl_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
