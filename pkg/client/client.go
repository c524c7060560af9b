package client

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

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/cuemby/fleet/pkg/action"
	"github.com/cuemby/fleet/pkg/inventory"
	"github.com/cuemby/fleet/pkg/server"
	"github.com/cuemby/fleet/pkg/types"
)

// DefaultAddr is the ops address a manager listens on out of the box
const DefaultAddr = "127.0.0.1:9090"

// ErrNotFound is returned when the manager answers 404
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx answer from the manager
type APIError struct {
	Status int
	Msg    string
	Leader string
}

func (e *APIError) Error() string {
	if e.Leader != "" {
		return fmt.Sprintf("manager returned %d: %s (leader: %s)", e.Status, e.Msg, e.Leader)
	}
	return fmt.Sprintf("manager returned %d: %s", e.Status, e.Msg)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client talks to the ops HTTP API of a fleet manager
type Client struct {
	base string
	user string
	http *http.Client
}

// NewClient creates a client for the manager at addr. addr may omit the scheme.
func NewClient(addr, user string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		user: user,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitMerge starts tracking a live merge
func (c *Client) SubmitMerge(ctx context.Context, req types.MergeRequest) (*types.MergeAttempt, error) {
	var attempt types.MergeAttempt
	if err := c.do(ctx, http.MethodPost, "/v1/merges", req, &attempt); err != nil {
		return nil, err
	}
	return &attempt, nil
}

// GetMerge returns an attempt and its decision
func (c *Client) GetMerge(ctx context.Context, id string) (*server.MergeView, error) {
	var view server.MergeView
	if err := c.get(ctx, "/v1/merges/"+url.PathEscape(id), &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListMerges returns every attempt, filtered by state when state is set
func (c *Client) ListMerges(ctx context.Context, state types.AttemptState) ([]*types.MergeAttempt, error) {
	path := "/v1/merges"
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}
	var attempts []*types.MergeAttempt
	if err := c.get(ctx, path, &attempts); err != nil {
		return nil, err
	}
	return attempts, nil
}

// CancelMerge stops polling an attempt
func (c *Client) CancelMerge(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/merges/"+url.PathEscape(id), nil, nil)
}

// GetWorkflow returns the parent workflow of a merge
func (c *Client) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	var wf types.Workflow
	if err := c.get(ctx, "/v1/workflows/"+url.PathEscape(id), &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ApplyInventory creates or updates the objects of doc. It is sent once;
// Apply is idempotent, so a failed call can simply be repeated.
func (c *Client) ApplyInventory(ctx context.Context, doc *inventory.Document) (*inventory.Summary, error) {
	var sum inventory.Summary
	if err := c.do(ctx, http.MethodPost, "/v1/inventory", doc, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// DetachDisk runs the detach-disk action as the client's user. A rejected
// action is not an error; inspect the returned ValidationResult.
func (c *Client) DetachDisk(ctx context.Context, params action.DetachDiskParams) (*action.Result, *action.ValidationResult, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/actions/detach-disk", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(server.UserHeader, c.user)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reach manager: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var result action.Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return &result, nil, nil
	case http.StatusForbidden, http.StatusNotFound, http.StatusConflict:
		var v action.ValidationResult
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return nil, nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return nil, &v, nil
	default:
		return nil, nil, decodeError(resp)
	}
}

// get retries idempotent reads across transient failures. Answers below 500
// are final.
func (c *Client) get(ctx context.Context, path string, out any) error {
	var final error
	err := retry.Retry(func(attempt uint) error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			final = err
			return nil
		}
		return err
	},
		strategy.Limit(3),
		strategy.Backoff(backoff.Linear(200*time.Millisecond)),
	)
	if final != nil {
		return final
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set(server.UserHeader, c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach manager: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Msg: http.StatusText(resp.StatusCode)}
	var body server.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Msg = body.Error
		apiErr.Leader = body.Leader
	}
	return apiErr
}
