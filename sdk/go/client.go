package flowlinesdk

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

// Client is a minimal Flowline HTTP API client.
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

// Project represents the API project model.
type Project struct {
	ID         string `json:"id"`
	TemplateID string `json:"template_id"`
	Name       string `json:"name"`
	StartDate  string `json:"start_date"`
	Status     string `json:"status"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  string `json:"created_at"`
}

// Step represents one step instance of a project (partial).
type Step struct {
	ProjectID      string   `json:"project_id"`
	StepNo         int      `json:"step_no"`
	Description    string   `json:"description"`
	Assignees      []string `json:"assignees"`
	Status         string   `json:"status"`
	PlannedDueDate *string  `json:"planned_due_date,omitempty"`
	Overdue        bool     `json:"overdue"`
}

// ProjectDetail is a project with its steps.
type ProjectDetail struct {
	Project    Project        `json:"project"`
	Tasks      []Step         `json:"tasks"`
	TaskCounts map[string]int `json:"task_counts"`
}

// Objection represents a schedule objection.
type Objection struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	StepNo        int     `json:"step_no"`
	Type          string  `json:"type"`
	RequestedDate *string `json:"requested_date,omitempty"`
	Status        string  `json:"status"`
	RequestedBy   string  `json:"requested_by"`
}

// ScoreLog represents one immutable punctuality record.
type ScoreLog struct {
	ID              string  `json:"id"`
	EntityType      string  `json:"entity_type"`
	EntityID        string  `json:"entity_id"`
	UserID          string  `json:"user_id"`
	WasOnTime       bool    `json:"was_on_time"`
	ScorePercentage float64 `json:"score_percentage"`
	ScoreImpacted   bool    `json:"score_impacted"`
	CompletedDate   string  `json:"completed_date"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject instantiates a project from a template.
func (c *Client) CreateProject(ctx context.Context, templateID, name, startDate string) (Project, error) {
	body := map[string]any{
		"template_id": templateID,
		"name":        name,
		"start_date":  startDate,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v1/projects", body, &resp)
	return resp, err
}

// GetProject fetches a project with its steps.
func (c *Client) GetProject(ctx context.Context, projectID string) (ProjectDetail, error) {
	var resp ProjectDetail
	endpoint := fmt.Sprintf("v1/projects/%s", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CompleteStep marks a step done.
func (c *Client) CompleteStep(ctx context.Context, projectID string, stepNo int, notes string) (Step, error) {
	body := map[string]any{
		"status": "done",
		"notes":  notes,
	}
	var resp Step
	endpoint := fmt.Sprintf("v1/projects/%s/tasks/%d", url.PathEscape(projectID), stepNo)
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// SeedStepDate supplies the due date an awaiting step needs.
func (c *Client) SeedStepDate(ctx context.Context, projectID string, stepNo int, date string) (Step, error) {
	body := map[string]any{"date": date}
	var resp Step
	endpoint := fmt.Sprintf("v1/projects/%s/tasks/%d/date", url.PathEscape(projectID), stepNo)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RaiseObjection contests a step's schedule.
func (c *Client) RaiseObjection(ctx context.Context, projectID string, stepNo int, objType, requestedDate, remarks string) (Objection, error) {
	body := map[string]any{
		"type":    objType,
		"remarks": remarks,
	}
	if requestedDate != "" {
		body["requested_date"] = requestedDate
	}
	var resp Objection
	endpoint := fmt.Sprintf("v1/projects/%s/tasks/%d/objections", url.PathEscape(projectID), stepNo)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ResolveObjection approves or rejects a pending objection.
func (c *Client) ResolveObjection(ctx context.Context, objectionID, decision, remarks string) (Objection, error) {
	body := map[string]any{
		"decision": decision,
		"remarks":  remarks,
	}
	var resp Objection
	endpoint := fmt.Sprintf("v1/objections/%s/resolve", url.PathEscape(objectionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ScoreLogs returns punctuality records, newest first.
func (c *Client) ScoreLogs(ctx context.Context, userID string, limit int) ([]ScoreLog, error) {
	endpoint := "v1/score-logs"
	params := url.Values{}
	if userID != "" {
		params.Set("user_id", userID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []ScoreLog
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	endpoint := "v1/events"
	params := url.Values{}
	if projectID != "" {
		params.Set("project_id", projectID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
