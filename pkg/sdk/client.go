// Package sdk is the Go client for the enforcer control API.
//
// Quick Start:
//
//	client := sdk.NewClient(sdk.Config{ControlURL: "http://localhost:8080"})
//
//	proc, err := client.Process(ctx, 4242)
//	if proc.Verdict == sdk.VerdictHold {
//	    client.SetVerdict(ctx, 4242, sdk.VerdictAllow)
//	}
//
//	pending, _ := client.PendingEscrow(ctx)
//	for _, p := range pending {
//	    client.Approve(ctx, p.ID)
//	}
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// ControlURL is the control API endpoint, e.g. "http://localhost:8080".
	ControlURL string

	// Timeout bounds every request (default 10s).
	Timeout time.Duration
}

// Client talks to one enforcer's control API.
type Client struct {
	config     Config
	httpClient *http.Client
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control api: %d %s", e.Status, e.Message)
}

// NewClient creates a client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ControlURL == "" {
		cfg.ControlURL = "http://localhost:8080"
	}
	cfg.ControlURL = strings.TrimRight(cfg.ControlURL, "/")
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("sdk: failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.ControlURL+path, body)
	if err != nil {
		return fmt.Errorf("sdk: failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sdk: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sdk: failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("sdk: failed to parse response: %w", err)
	}
	return nil
}

func processPath(pid uint32, suffix string) string {
	return "/v1/processes/" + strconv.FormatUint(uint64(pid), 10) + suffix
}

// Health reports whether the API answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Process returns the enforcement state of pid.
func (c *Client) Process(ctx context.Context, pid uint32) (*Process, error) {
	var p Process
	if err := c.do(ctx, http.MethodGet, processPath(pid, ""), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetVerdict writes ALLOW, BLOCK or HOLD for pid.
func (c *Client) SetVerdict(ctx context.Context, pid uint32, verdict string) error {
	return c.do(ctx, http.MethodPut, processPath(pid, "/verdict"), map[string]string{"verdict": verdict}, nil)
}

// ClearVerdict removes pid's verdict.
func (c *Client) ClearVerdict(ctx context.Context, pid uint32) error {
	return c.do(ctx, http.MethodDelete, processPath(pid, "/verdict"), nil, nil)
}

// SetTrust writes pid's trust level in the enforcer's trust scale.
func (c *Client) SetTrust(ctx context.Context, pid, trust uint32) error {
	return c.do(ctx, http.MethodPut, processPath(pid, "/trust"), map[string]uint32{"trust": trust}, nil)
}

// ChangeEntitlements grants and revokes named entitlements.
func (c *Client) ChangeEntitlements(ctx context.Context, pid uint32, change EntitlementChange) (*EntitlementResult, error) {
	var r EntitlementResult
	if err := c.do(ctx, http.MethodPost, processPath(pid, "/entitlements"), change, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// RevokeGrant withdraws an ephemeral grant before it expires.
func (c *Client) RevokeGrant(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/grants/"+url.PathEscape(id), nil, nil)
}

// BindIdentity attaches tenant, agent id and, when spiffeID is set, a
// verified workload credential to a tracked process.
func (c *Client) BindIdentity(ctx context.Context, pid, tenantID uint32, agentID, spiffeID string) (*Identity, error) {
	var id Identity
	body := map[string]interface{}{"tenant_id": tenantID, "agent_id": agentID, "spiffe_id": spiffeID}
	if err := c.do(ctx, http.MethodPut, processPath(pid, "/identity"), body, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// Tools lists the tool catalog.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var out []Tool
	if err := c.do(ctx, http.MethodGet, "/v1/tools", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PendingEscrow lists requests awaiting a human decision, oldest first.
func (c *Client) PendingEscrow(ctx context.Context) ([]EscrowRequest, error) {
	var out []EscrowRequest
	if err := c.do(ctx, http.MethodGet, "/v1/escrow", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Approve releases the process behind escrow request id.
func (c *Client) Approve(ctx context.Context, id string) (*Decision, error) {
	return c.decide(ctx, id, "approve")
}

// Reject blocks the process behind escrow request id.
func (c *Client) Reject(ctx context.Context, id string) (*Decision, error) {
	return c.decide(ctx, id, "reject")
}

func (c *Client) decide(ctx context.Context, id, action string) (*Decision, error) {
	var d Decision
	if err := c.do(ctx, http.MethodPost, "/v1/escrow/"+url.PathEscape(id)+"/"+action, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Kills lists active kill switches.
func (c *Client) Kills(ctx context.Context) ([]KillRecord, error) {
	var out []KillRecord
	if err := c.do(ctx, http.MethodGet, "/v1/kill", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// KillAgent blocks every process of agentID.
func (c *Client) KillAgent(ctx context.Context, agentID string, req KillRequest) (*KillRecord, error) {
	var r KillRecord
	if err := c.do(ctx, http.MethodPost, "/v1/kill/agents/"+url.PathEscape(agentID), req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// KillTenant blocks every process of tenantID.
func (c *Client) KillTenant(ctx context.Context, tenantID uint32, req KillRequest) (*KillRecord, error) {
	var r KillRecord
	path := "/v1/kill/tenants/" + strconv.FormatUint(uint64(tenantID), 10)
	if err := c.do(ctx, http.MethodPost, path, req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ReviveAgent removes an agent kill.
func (c *Client) ReviveAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/kill/agents/"+url.PathEscape(agentID), nil, nil)
}

// ReviveTenant removes a tenant kill.
func (c *Client) ReviveTenant(ctx context.Context, tenantID uint32) error {
	return c.do(ctx, http.MethodDelete, "/v1/kill/tenants/"+strconv.FormatUint(uint64(tenantID), 10), nil, nil)
}
