package irrilinesdk

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

// Client is a minimal irriline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set; servers
	// only honour it with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Project is the API project model.
type Project struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	CurrentStage int    `json:"current_stage"`
	StageName    string `json:"current_stage_name"`
	Description  string `json:"description,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// State summarises wizard navigation.
type State struct {
	CurrentStage int    `json:"current_stage"`
	StageName    string `json:"current_stage_name"`
	Completed    []int  `json:"completed"`
	Reachable    []int  `json:"reachable"`
	Done         bool   `json:"done"`
}

// Stage is a stored stage record.
type Stage struct {
	StageID     int            `json:"stage_id"`
	Name        string         `json:"name"`
	Inputs      map[string]any `json:"inputs"`
	Derived     map[string]any `json:"derived,omitempty"`
	CompletedAt *string        `json:"completed_at,omitempty"`
}

// BOQSummary holds the aggregated cost figures.
type BOQSummary struct {
	CategoryTotals struct {
		Materials float64 `json:"materials"`
		Equipment float64 `json:"equipment"`
		Labor     float64 `json:"labor"`
	} `json:"category_totals"`
	Subtotal        float64  `json:"subtotal"`
	ContingencyRate float64  `json:"contingency_rate"`
	Contingency     float64  `json:"contingency"`
	TaxRate         float64  `json:"tax_rate"`
	Tax             float64  `json:"tax"`
	GrandTotal      float64  `json:"grand_total"`
	PotentialArea   float64  `json:"potential_area_ha"`
	CostPerHectare  *float64 `json:"cost_per_hectare"`
	AreaUndefined   bool     `json:"area_undefined"`
}

// Wizard is the full wizard view of a project.
type Wizard struct {
	Project Project     `json:"project"`
	State   State       `json:"state"`
	Stages  []Stage     `json:"stages"`
	Summary *BOQSummary `json:"summary,omitempty"`
}

// CommitResult is returned by CommitStage.
type CommitResult struct {
	Record      Stage       `json:"record"`
	Changed     bool        `json:"changed"`
	Invalidated []int       `json:"invalidated"`
	State       State       `json:"state"`
	Summary     *BOQSummary `json:"summary,omitempty"`
}

// InvalidateResult is returned by Invalidate.
type InvalidateResult struct {
	Invalidated []int `json:"invalidated"`
	State       State `json:"state"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates the client's project.
func (c *Client) CreateProject(ctx context.Context, description string) (Project, error) {
	body := map[string]any{"id": c.ProjectID}
	if description != "" {
		body["description"] = description
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// Project fetches the client's project.
func (c *Client) Project(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// ListProjects returns every project.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp, err
}

// Wizard returns the project, navigation state and stored stages.
func (c *Client) Wizard(ctx context.Context) (Wizard, error) {
	var resp Wizard
	err := c.do(ctx, http.MethodGet, c.projectPath("wizard"), nil, &resp)
	return resp, err
}

// CommitStage stores inputs for a stage given by number or name.
func (c *Client) CommitStage(ctx context.Context, stage string, inputs map[string]any) (CommitResult, error) {
	var resp CommitResult
	err := c.do(ctx, http.MethodPut, c.stagePath(stage), inputs, &resp)
	return resp, err
}

// Stage fetches one stored stage.
func (c *Client) Stage(ctx context.Context, stage string) (Stage, error) {
	var resp Stage
	err := c.do(ctx, http.MethodGet, c.stagePath(stage), nil, &resp)
	return resp, err
}

// GoTo moves the wizard to a reachable stage.
func (c *Client) GoTo(ctx context.Context, stage string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, c.projectPath("wizard/goto"), map[string]any{"stage": stage}, &resp)
	return resp, err
}

// Invalidate clears completion of a stage and everything after it.
func (c *Client) Invalidate(ctx context.Context, stage string) (InvalidateResult, error) {
	var resp InvalidateResult
	err := c.do(ctx, http.MethodPost, c.projectPath("wizard/invalidate"), map[string]any{"stage": stage}, &resp)
	return resp, err
}

// BOQ returns the cost summary, or nil while resources are incomplete.
func (c *Client) BOQ(ctx context.Context) (*BOQSummary, error) {
	var resp struct {
		Available bool        `json:"available"`
		Summary   *BOQSummary `json:"summary"`
	}
	if err := c.do(ctx, http.MethodGet, c.projectPath("boq"), nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Available {
		return nil, nil
	}
	return resp.Summary, nil
}

// Submit moves a complete project to submitted.
func (c *Client) Submit(ctx context.Context) (Project, error) {
	return c.transition(ctx, "submit")
}

// Approve approves a submitted project.
func (c *Client) Approve(ctx context.Context) (Project, error) {
	return c.transition(ctx, "approve")
}

// Reopen returns a submitted project to draft.
func (c *Client) Reopen(ctx context.Context) (Project, error) {
	return c.transition(ctx, "reopen")
}

func (c *Client) transition(ctx context.Context, action string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(action), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v0/projects/%s", project)
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) stagePath(stage string) string {
	return c.projectPath("stages/" + url.PathEscape(stage))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
