// Package remote talks to the Plantao backend API.
package remote

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

	"plantao/internal/domain"
)

// ErrAlreadyConfigured maps the server's schedule-uniqueness conflict:
// the agent's first shift date is locked and cannot be set again.
var ErrAlreadyConfigured = errors.New("remote: schedule already configured")

// Client is the HTTP implementation of Source.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Query lists records of a collection with equality filters, ordering
// and a row limit.
func (c *Client) Query(ctx context.Context, collection string, opts QueryOptions) ([]json.RawMessage, error) {
	values := url.Values{}
	for field, want := range opts.Filters {
		values.Set("filter."+field, want)
	}
	if opts.OrderBy != "" {
		values.Set("order_by", opts.OrderBy)
		if opts.Descending {
			values.Set("desc", "true")
		}
	}
	if opts.Limit > 0 {
		values.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	endpoint := c.collectionPath(collection, "records")
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// QueryOne fetches a single record by id.
func (c *Client) QueryOne(ctx context.Context, collection, id string) (json.RawMessage, error) {
	var resp json.RawMessage
	endpoint := c.collectionPath(collection, "records/"+url.PathEscape(id))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Mutate applies a queued mutation. Update and delete payloads must carry
// the record id in an "id" field.
func (c *Client) Mutate(ctx context.Context, collection string, action domain.SyncAction, payload json.RawMessage) error {
	switch action {
	case domain.ActionInsert:
		return c.do(ctx, http.MethodPost, c.collectionPath(collection, "records"), payload, nil)
	case domain.ActionUpdate:
		id, err := payloadID(payload)
		if err != nil {
			return err
		}
		return c.do(ctx, http.MethodPatch, c.collectionPath(collection, "records/"+url.PathEscape(id)), payload, nil)
	case domain.ActionDelete:
		id, err := payloadID(payload)
		if err != nil {
			return err
		}
		return c.do(ctx, http.MethodDelete, c.collectionPath(collection, "records/"+url.PathEscape(id)), nil, nil)
	default:
		return fmt.Errorf("unknown sync action %q", action)
	}
}

// RegisterSchedule sets the agent's first shift date. A conflict means the
// schedule is locked; it is surfaced as ErrAlreadyConfigured and must not
// mutate local state.
func (c *Client) RegisterSchedule(ctx context.Context, agentID, firstShiftDate string, pattern domain.CyclePattern) (domain.Schedule, error) {
	body := map[string]any{
		"first_shift_date": firstShiftDate,
		"pattern":          pattern,
	}
	var resp domain.Schedule
	endpoint := "v0/agents/" + url.PathEscape(agentID) + "/schedule"
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return domain.Schedule{}, ErrAlreadyConfigured
	}
	return resp, err
}

// GetSchedule fetches the agent's schedule.
func (c *Client) GetSchedule(ctx context.Context, agentID string) (domain.Schedule, error) {
	var resp domain.Schedule
	endpoint := "v0/agents/" + url.PathEscape(agentID) + "/schedule"
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) collectionPath(collection, p string) string {
	return fmt.Sprintf("v0/collections/%s/%s", url.PathEscape(collection), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func payloadID(payload json.RawMessage) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", fmt.Errorf("decode mutation payload: %w", err)
	}
	if probe.ID == "" {
		return "", errors.New("mutation payload missing id")
	}
	return probe.ID, nil
}
