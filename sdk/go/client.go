package shopfloorsdk

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
)

// Client is a minimal Shopfloor HTTP API client.
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

// MachineRef is a compatible machine listed on a candidate.
type MachineRef struct {
	ID    int64  `json:"id"`
	Code  string `json:"code"`
	Class string `json:"class"`
	Axes  int    `json:"axes"`
}

// Candidate represents a ranked operation (partial).
type Candidate struct {
	OperationID        int64        `json:"operation_id"`
	OrderID            int64        `json:"order_id"`
	DrawingNumber      string       `json:"drawing_number"`
	Sequence           int          `json:"sequence"`
	Type               string       `json:"type"`
	Priority           int          `json:"priority"`
	Deadline           string       `json:"deadline"`
	DaysOverdue        int          `json:"days_overdue"`
	CanStart           bool         `json:"can_start"`
	BlockingReason     string       `json:"blocking_reason"`
	CompatibleMachines []MachineRef `json:"compatible_machines"`
}

type CandidateList struct {
	Candidates         []Candidate `json:"candidates"`
	Total              int         `json:"total"`
	ReadyToStart       int         `json:"ready_to_start"`
	NeedsPrerequisites int         `json:"needs_prerequisites"`
	GeneratedAt        string      `json:"generated_at"`
}

// Progress is the cached progress of an operation.
type Progress struct {
	OperationID    int64  `json:"operation_id"`
	CompletedUnits int    `json:"completed_units"`
	TotalUnits     int    `json:"total_units"`
	Percentage     int    `json:"percentage"`
	DayOperator    string `json:"day_operator"`
	NightOperator  string `json:"night_operator"`
	LastUpdated    string `json:"last_updated"`
}

// Ack acknowledges an operation state change. Changed is false when the
// operation already was in the requested state.
type Ack struct {
	OperationID int64     `json:"operation_id"`
	Success     bool      `json:"success"`
	Changed     bool      `json:"changed"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Progress    *Progress `json:"progress"`
}

type CompletionOutcome struct {
	Action          string      `json:"action"`
	Ack             Ack         `json:"ack"`
	ArchivedRecords int64       `json:"archived_records"`
	FreedMachineID  *int64      `json:"freed_machine_id"`
	Recommendations []Candidate `json:"recommendations"`
}

type ReconcileResult struct {
	Machines    int        `json:"machines"`
	Updated     []Progress `json:"updated"`
	Completed   []int64    `json:"completed"`
	GeneratedAt string     `json:"generated_at"`
}

type Notification struct {
	ID             string `json:"id"`
	OperationID    int64  `json:"operation_id"`
	DrawingNumber  string `json:"drawing_number"`
	CompletedUnits int    `json:"completed_units"`
	TotalUnits     int    `json:"total_units"`
	Percentage     int    `json:"percentage"`
	Source         string `json:"source"`
	CreatedAt      string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type PaginatedNotifications struct {
	Items      []Notification `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// Candidates returns the ranked candidate list.
func (c *Client) Candidates(ctx context.Context) (CandidateList, error) {
	var resp CandidateList
	err := c.do(ctx, http.MethodGet, "candidates", nil, &resp)
	return resp, err
}

// Recommended returns the most urgent startable operations. A machineID of 0
// considers every machine.
func (c *Client) Recommended(ctx context.Context, machineID int64, limit int) ([]Candidate, error) {
	q := url.Values{}
	if machineID > 0 {
		q.Set("machine_id", fmt.Sprint(machineID))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []Candidate
	err := c.do(ctx, http.MethodGet, withQuery("candidates/recommended", q), nil, &resp)
	return resp, err
}

func (c *Client) Assign(ctx context.Context, opID, machineID int64) (Ack, error) {
	var resp Ack
	err := c.do(ctx, http.MethodPost, operationPath(opID, "assign"), map[string]any{"machine_id": machineID}, &resp)
	return resp, err
}

func (c *Client) Start(ctx context.Context, opID int64) (Ack, error) {
	var resp Ack
	err := c.do(ctx, http.MethodPost, operationPath(opID, "start"), nil, &resp)
	return resp, err
}

// Complete completes an operation. actualQuantity may be nil.
func (c *Client) Complete(ctx context.Context, opID int64, actualQuantity *int) (Ack, error) {
	body := map[string]any{}
	if actualQuantity != nil {
		body["actual_quantity"] = *actualQuantity
	}
	var resp Ack
	err := c.do(ctx, http.MethodPost, operationPath(opID, "complete"), body, &resp)
	return resp, err
}

// CompletionAction sends close, continue or plan for a finished operation.
func (c *Client) CompletionAction(ctx context.Context, opID int64, action string, completedQuantity *int) (CompletionOutcome, error) {
	body := map[string]any{"action": action}
	if completedQuantity != nil {
		body["completed_quantity"] = *completedQuantity
	}
	var resp CompletionOutcome
	err := c.do(ctx, http.MethodPost, operationPath(opID, "completion-action"), body, &resp)
	return resp, err
}

func (c *Client) Progress(ctx context.Context, opID int64) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, operationPath(opID, "progress"), nil, &resp)
	return resp, err
}

func (c *Client) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var resp ReconcileResult
	err := c.do(ctx, http.MethodPost, "reconcile", nil, &resp)
	return resp, err
}

// NotificationsPage returns notifications newest first.
func (c *Client) NotificationsPage(ctx context.Context, limit int, cursor string) (PaginatedNotifications, error) {
	var resp PaginatedNotifications
	err := c.do(ctx, http.MethodGet, withQuery("notifications", pageQuery(limit, cursor)), nil, &resp)
	return resp, err
}

// ClearNotification lets an operation notify again.
func (c *Client) ClearNotification(ctx context.Context, opID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("notifications/%d", opID), nil, nil)
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", pageQuery(limit, cursor)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func operationPath(opID int64, action string) string {
	return fmt.Sprintf("operations/%d/%s", opID, action)
}

func pageQuery(limit int, cursor string) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return q
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
