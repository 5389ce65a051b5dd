package proxim8sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Proxim8 HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Agent struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	TimelinePoints    int    `json:"timeline_points"`
	Rank              string `json:"rank"`
	MissionsCompleted int    `json:"missions_completed"`
	CreatedAt         string `json:"created_at"`
}

type Unit struct {
	ID                string `json:"id"`
	AgentID           string `json:"agent_id"`
	Name              string `json:"name"`
	Personality       string `json:"personality"`
	Level             int    `json:"level"`
	Experience        int    `json:"experience"`
	IsDeployed        bool   `json:"is_deployed"`
	MissionsCompleted int    `json:"missions_completed"`
}

// NewUnit are the fields accepted when creating a unit. Zero Level means 1.
type NewUnit struct {
	Name        string `json:"name"`
	Personality string `json:"personality"`
	Level       int    `json:"level,omitempty"`
	Experience  int    `json:"experience,omitempty"`
}

type Mission struct {
	ID              string `json:"id"`
	Sequence        int    `json:"sequence"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	DurationSeconds int64  `json:"duration_seconds"`
}

type Compatibility struct {
	Overall          float64 `json:"overall"`
	PersonalityBonus float64 `json:"personality_bonus"`
	ExperienceBonus  float64 `json:"experience_bonus"`
	LevelBonus       float64 `json:"level_bonus"`
}

type Rewards struct {
	TimelinePoints int      `json:"timeline_points"`
	Experience     int      `json:"experience"`
	LoreFragments  []string `json:"lore_fragments"`
}

type Result struct {
	OverallSuccess bool    `json:"overall_success"`
	SuccessCount   int     `json:"success_count"`
	TimelineShift  int     `json:"timeline_shift"`
	Rewards        Rewards `json:"rewards"`
	Narrative      string  `json:"narrative,omitempty"`
}

type Deployment struct {
	ID               string        `json:"id"`
	MissionID        string        `json:"mission_id"`
	AgentID          string        `json:"agent_id"`
	UnitID           string        `json:"unit_id"`
	Approach         string        `json:"approach"`
	Status           string        `json:"status"`
	DeployedAt       string        `json:"deployed_at"`
	CompletesAt      string        `json:"completes_at"`
	CompletedAt      string        `json:"completed_at,omitempty"`
	FinalSuccessRate float64       `json:"final_success_rate"`
	Compatibility    Compatibility `json:"compatibility"`
	CurrentPhase     int           `json:"current_phase"`
	Result           *Result       `json:"result,omitempty"`
}

type Phase struct {
	PhaseID   int    `json:"phase_id"`
	Status    string `json:"status"`
	Narrative string `json:"narrative,omitempty"`
	RevealAt  string `json:"reveal_at"`
}

// State is the player view of a deployment.
type State struct {
	DeploymentID string `json:"deployment_id"`
	MissionID    string `json:"mission_id"`
	Status       string `json:"status"`
	Progress     struct {
		Progress     float64 `json:"progress"`
		CurrentPhase int     `json:"current_phase"`
		IsComplete   bool    `json:"is_complete"`
	} `json:"progress"`
	Phases []Phase `json:"phases"`
	Result *Result `json:"result,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

func (c *Client) Missions(ctx context.Context) ([]Mission, error) {
	var resp []Mission
	err := c.do(ctx, http.MethodGet, "missions", nil, &resp)
	return resp, err
}

func (c *Client) CreateAgent(ctx context.Context, name string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agents", map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "agents/"+url.PathEscape(agentID), nil, &resp)
	return resp, err
}

func (c *Client) CreateUnit(ctx context.Context, agentID string, u NewUnit) (Unit, error) {
	var resp Unit
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("agents/%s/units", url.PathEscape(agentID)), u, &resp)
	return resp, err
}

func (c *Client) GetUnit(ctx context.Context, unitID string) (Unit, error) {
	var resp Unit
	err := c.do(ctx, http.MethodGet, "units/"+url.PathEscape(unitID), nil, &resp)
	return resp, err
}

// Deploy sends a unit on a mission with the given approach (low, medium, high).
func (c *Client) Deploy(ctx context.Context, agentID, unitID, missionID, approach string) (Deployment, error) {
	body := map[string]any{
		"agent_id":   agentID,
		"unit_id":    unitID,
		"mission_id": missionID,
		"approach":   approach,
	}
	var resp Deployment
	err := c.do(ctx, http.MethodPost, "deployments", body, &resp)
	return resp, err
}

func (c *Client) GetDeployment(ctx context.Context, id string) (Deployment, error) {
	var resp Deployment
	err := c.do(ctx, http.MethodGet, "deployments/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// State returns the deployment with only revealed phases filled in.
func (c *Client) State(ctx context.Context, id string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("deployments/%s/state", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Complete finalizes a due deployment. applied is false when it was already
// completed by someone else.
func (c *Client) Complete(ctx context.Context, id string) (d Deployment, applied bool, err error) {
	var resp struct {
		Applied    bool       `json:"applied"`
		Deployment Deployment `json:"deployment"`
	}
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("deployments/%s/complete", url.PathEscape(id)), nil, &resp)
	return resp.Deployment, resp.Applied, err
}

func (c *Client) Abandon(ctx context.Context, id, agentID string) (Deployment, error) {
	var resp Deployment
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("deployments/%s/abandon", url.PathEscape(id)), map[string]any{"agent_id": agentID}, &resp)
	return resp, err
}

// Deployments lists an agent's deployments; status may be empty.
func (c *Client) Deployments(ctx context.Context, agentID, status string, limit int) ([]Deployment, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := fmt.Sprintf("agents/%s/deployments", url.PathEscape(agentID))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Deployment
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Compatibility(ctx context.Context, unitID, missionID string) (Compatibility, error) {
	q := url.Values{"unit_id": {unitID}, "mission_id": {missionID}}
	var resp Compatibility
	err := c.do(ctx, http.MethodGet, "compatibility?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) Rank(ctx context.Context, points int) (string, error) {
	var resp struct {
		Rank string `json:"rank"`
	}
	err := c.do(ctx, http.MethodGet, "rank?points="+strconv.Itoa(points), nil, &resp)
	return resp.Rank, err
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
