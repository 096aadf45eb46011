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
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is used when no API address is configured.
const DefaultBaseURL = "http://localhost:8000"

// Client provides typed access to the deployments API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken attaches a bearer token to every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised API address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for field, msg := range e.Fields {
			parts = append(parts, field+": "+msg)
		}
		return fmt.Sprintf("api request failed (%d): %s (%s)", e.Status, e.Message, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := extractError(resp.Body)
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) APIError {
	if body == nil {
		return APIError{}
	}
	var payload struct {
		Detail string            `json:"detail"`
		Errors map[string]string `json:"errors"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return APIError{}
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return APIError{Message: strings.TrimSpace(string(data))}
	}
	return APIError{Message: strings.TrimSpace(payload.Detail), Fields: payload.Errors}
}

// Deployment mirrors the API's deployment payload.
type Deployment struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Environment string    `json:"environment"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateDeploymentInput is the POST body for a new deployment.
type CreateDeploymentInput struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
}

// UpdateDeploymentInput is a partial update; nil fields are left unchanged.
type UpdateDeploymentInput struct {
	Name        *string `json:"name,omitempty"`
	Version     *string `json:"version,omitempty"`
	Environment *string `json:"environment,omitempty"`
}

// ListOptions narrows ListDeployments.
type ListOptions struct {
	Name        string
	Environment string
}

// Event is one frame from the deployment event stream.
type Event struct {
	Type       string     `json:"type"`
	Topic      string     `json:"topic,omitempty"`
	Deployment Deployment `json:"deployment"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Health calls /healthz.
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// ListDeployments returns every deployment matching opts.
func (c *Client) ListDeployments(ctx context.Context, opts ListOptions) ([]Deployment, error) {
	query := url.Values{}
	if strings.TrimSpace(opts.Name) != "" {
		query.Set("name", strings.TrimSpace(opts.Name))
	}
	if strings.TrimSpace(opts.Environment) != "" {
		query.Set("environment", strings.TrimSpace(opts.Environment))
	}
	path := "/deployments"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp []Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp == nil {
		resp = []Deployment{}
	}
	return resp, nil
}

// GetDeployment fetches one deployment.
func (c *Client) GetDeployment(ctx context.Context, id int64) (Deployment, error) {
	var resp Deployment
	if err := c.do(ctx, http.MethodGet, deploymentPath(id), nil, &resp); err != nil {
		return Deployment{}, err
	}
	return resp, nil
}

// CreateDeployment registers a new deployment.
func (c *Client) CreateDeployment(ctx context.Context, input CreateDeploymentInput) (Deployment, error) {
	var resp Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments", input, &resp); err != nil {
		return Deployment{}, err
	}
	return resp, nil
}

// UpdateDeployment applies a partial update.
func (c *Client) UpdateDeployment(ctx context.Context, id int64, input UpdateDeploymentInput) (Deployment, error) {
	var resp Deployment
	if err := c.do(ctx, http.MethodPut, deploymentPath(id), input, &resp); err != nil {
		return Deployment{}, err
	}
	return resp, nil
}

// DeleteDeployment removes a deployment.
func (c *Client) DeleteDeployment(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, deploymentPath(id), nil, nil)
}

// EventsURL returns the websocket address of the event stream.
func (c *Client) EventsURL(environment string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	endpoint := base + "/ws/deployments"
	if env := strings.TrimSpace(environment); env != "" {
		endpoint += "?" + url.Values{"environment": {env}}.Encode()
	}
	return endpoint
}

// AuthHeader returns the headers needed to authenticate a websocket dial.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func deploymentPath(id int64) string {
	return "/deployments/" + strconv.FormatInt(id, 10)
}
