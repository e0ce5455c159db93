// Package remote implements the HTTP client for the flow backend and the
// websocket change feed that doubles as the connectivity monitor.
package remote

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

	"github.com/flowtrack/flowsync/internal/flowsync"
)

// APIError is a non-2xx response from the backend. Unwrap maps status codes
// onto the core's error taxonomy: 401/403 become ErrLoginRequired, and
// validation or conflict statuses become ErrRejected so the queue never
// retries them.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return flowsync.ErrLoginRequired
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return flowsync.ErrRejected
	}
	return nil
}

// TokenFunc supplies the bearer credential for each request.
type TokenFunc func(ctx context.Context) (string, error)

type Client struct {
	baseURL    string
	token      TokenFunc
	httpClient *http.Client
	retry      flowsync.RetryPolicy
}

func NewClient(baseURL string, token TokenFunc, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		retry:      flowsync.DefaultRetryPolicy(),
	}
}

func (c *Client) ListFlows(ctx context.Context) ([]flowsync.Flow, error) {
	var out struct {
		Flows []flowsync.Flow `json:"flows"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/flows", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Flows, nil
}

// ListEntries fetches the per-date entries modified since the given instant.
func (c *Client) ListEntries(ctx context.Context, since time.Time) ([]flowsync.RemoteEntry, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	path := "/v1/entries"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out struct {
		Entries []flowsync.RemoteEntry `json:"entries"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// CreateFlow uploads a new flow. The operation id travels as the
// Idempotency-Key header so a retried upload is applied at most once
// server-side.
func (c *Client) CreateFlow(ctx context.Context, opID string, flow flowsync.Flow) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/flows", opID, flow, nil)
}

func (c *Client) UpdateFlow(ctx context.Context, opID, flowID string, patch json.RawMessage) error {
	return c.doJSON(ctx, http.MethodPatch, "/v1/flows/"+url.PathEscape(flowID), opID, patch, nil)
}

func (c *Client) DeleteFlow(ctx context.Context, opID, flowID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/flows/"+url.PathEscape(flowID), opID, nil, nil)
}

func (c *Client) CreateEntry(ctx context.Context, opID, flowID, date string, entry json.RawMessage) error {
	return c.doJSON(ctx, http.MethodPost, entryPath(flowID, date), opID, entry, nil)
}

func (c *Client) UpdateEntry(ctx context.Context, opID, flowID, date string, entry json.RawMessage) error {
	return c.doJSON(ctx, http.MethodPut, entryPath(flowID, date), opID, entry, nil)
}

func (c *Client) DeleteEntry(ctx context.Context, opID, flowID, date string) error {
	return c.doJSON(ctx, http.MethodDelete, entryPath(flowID, date), opID, nil, nil)
}

func (c *Client) GetSettings(ctx context.Context) (flowsync.Settings, error) {
	var out flowsync.Settings
	err := c.doJSON(ctx, http.MethodGet, "/v1/settings", "", nil, &out)
	return out, err
}

func (c *Client) PutSettings(ctx context.Context, opID string, settings flowsync.Settings) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/settings", opID, settings, nil)
}

func entryPath(flowID, date string) string {
	return "/v1/flows/" + url.PathEscape(flowID) + "/entries/" + url.PathEscape(date)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath, idempotencyKey string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		if raw, ok := body.(json.RawMessage); ok {
			bodyBytes = raw
		} else {
			var err error
			bodyBytes, err = json.Marshal(body)
			if err != nil {
				return err
			}
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != nil {
			token, tokenErr := c.token(ctx)
			if tokenErr != nil {
				return fmt.Errorf("%w: %v", flowsync.ErrLoginRequired, tokenErr)
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.retry.MaxRetries {
				if waitErr := c.retry.Wait(ctx, c.retry.Delay(attempt+1)); waitErr != nil {
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

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.retry.MaxRetries {
			if waitErr := c.retry.Wait(ctx, c.retry.DelayWithHint(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}
