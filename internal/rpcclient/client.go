// Package rpcclient implements dispatch.RuntimeClient: the HTTP RPC contract
// a provisioned runtime worker exposes at its endpoint (§6.2).
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/agentorch/internal/dispatch"
)

// Client is a plain net/http RPC client; the runtime RPC surface is a
// small synchronous JSON POST, not worth a third-party HTTP client.
type Client struct {
	httpClient *http.Client
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

type dispatchPayload struct {
	RunID      string            `json:"run_id"`
	TaskID     string            `json:"task_id"`
	Prompt     string            `json:"prompt"`
	Command    string            `json:"command"`
	Env        map[string]string `json:"env"`
	Secrets    map[string]string `json:"secrets"`
	RetryCount int               `json:"retry_count"`
}

type dispatchResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message"`
}

// DispatchJob implements dispatch.RuntimeClient.
func (c *Client) DispatchJob(ctx context.Context, endpoint string, req dispatch.DispatchRequest) (dispatch.DispatchResult, error) {
	body, err := json.Marshal(dispatchPayload{
		RunID: req.RunID, TaskID: req.TaskID, Prompt: req.Prompt, Command: req.Command,
		Env: req.Env, Secrets: req.Secrets, RetryCount: req.RetryCount,
	})
	if err != nil {
		return dispatch.DispatchResult{}, fmt.Errorf("rpcclient: marshal dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return dispatch.DispatchResult{}, fmt.Errorf("rpcclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return dispatch.DispatchResult{}, fmt.Errorf("rpcclient: dispatch job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return dispatch.DispatchResult{}, fmt.Errorf("rpcclient: runtime returned status %d", resp.StatusCode)
	}

	var out dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return dispatch.DispatchResult{}, fmt.Errorf("rpcclient: decode dispatch response: %w", err)
	}
	return dispatch.DispatchResult{
		Success:      out.Success,
		ErrorMessage: out.ErrorMessage,
		DispatchedAt: time.Now().UTC(),
	}, nil
}

// CancelJob implements dispatch.RuntimeClient.
func (c *Client) CancelJob(ctx context.Context, endpoint, runID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint+"/v1/jobs/"+runID, nil)
	if err != nil {
		return fmt.Errorf("rpcclient: build cancel request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpcclient: cancel job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("rpcclient: cancel returned status %d", resp.StatusCode)
	}
	return nil
}
