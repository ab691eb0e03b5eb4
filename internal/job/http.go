package job

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

// FunctionErrorHeader marks a 200 response whose body is a function error
// rather than a result.
const FunctionErrorHeader = "X-Function-Error"

// HTTPConfig configures an HTTP-backed job.
type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
	Client  *http.Client
}

func (c HTTPConfig) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &http.Client{Timeout: timeout}
}

// HTTPDirect invokes a direct job by POSTing the dispatch event to a URL.
// A 2xx response body is the job result. Non-2xx responses, and 2xx
// responses carrying FunctionErrorHeader, are job errors.
type HTTPDirect struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPDirect creates a direct job.
func NewHTTPDirect(cfg HTTPConfig) *HTTPDirect {
	return &HTTPDirect{url: cfg.URL, headers: cfg.Headers, client: cfg.client()}
}

func (d *HTTPDirect) Invoke(ctx context.Context, req *Request) ([]byte, error) {
	resp, body, err := do(ctx, d.client, http.MethodPost, d.url, d.headers, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.Header.Get(FunctionErrorHeader) != "" {
		return nil, parseError(resp.StatusCode, body)
	}
	return body, nil
}

// HTTPWorkflow drives a workflow engine over HTTP:
//
//	POST <url>/executions       -> {"execution_id": "..."}
//	GET  <url>/executions/{id}  -> {"status": "RUNNING|SUCCEEDED|...", "output": ..., "error": "...", "cause": "..."}
type HTTPWorkflow struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPWorkflow creates a workflow job.
func NewHTTPWorkflow(cfg HTTPConfig) *HTTPWorkflow {
	return &HTTPWorkflow{url: strings.TrimSuffix(cfg.URL, "/"), headers: cfg.Headers, client: cfg.client()}
}

func (w *HTTPWorkflow) Start(ctx context.Context, req *Request) (string, error) {
	resp, body, err := do(ctx, w.client, http.MethodPost, w.url+"/executions", w.headers, req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", parseError(resp.StatusCode, body)
	}

	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("unmarshal start response: %w", err)
	}
	if out.ExecutionID == "" {
		return "", fmt.Errorf("workflow start returned no execution_id")
	}
	return out.ExecutionID, nil
}

func (w *HTTPWorkflow) Describe(ctx context.Context, executionID string) (*Execution, error) {
	resp, body, err := do(ctx, w.client, http.MethodGet, w.url+"/executions/"+url.PathEscape(executionID), w.headers, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseError(resp.StatusCode, body)
	}

	var out struct {
		Status string          `json:"status"`
		Output json.RawMessage `json:"output"`
		Error  string          `json:"error"`
		Cause  string          `json:"cause"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	if out.Status == "" {
		return nil, fmt.Errorf("execution %s has no status", executionID)
	}

	return &Execution{
		ID:     executionID,
		State:  State(strings.ToUpper(out.Status)),
		Output: outputBytes(out.Output),
		Error:  out.Error,
		Cause:  out.Cause,
	}, nil
}

// outputBytes unwraps JSON string outputs so a workflow returning
// "output": "{\"a\":1}" is shown as {"a":1}.
func outputBytes(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return []byte(raw)
}

func do(ctx context.Context, client *http.Client, method, target string, headers map[string]string, payload any) (*http.Response, []byte, error) {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal job request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("job request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read job response: %w", err)
	}
	return resp, body, nil
}

// parseError extracts {"message","cause"} or {"errorMessage","errorType"}
// from a failed response, falling back to the raw body.
func parseError(status int, body []byte) *Error {
	var payload struct {
		Message      string `json:"message"`
		Cause        string `json:"cause"`
		ErrorMessage string `json:"errorMessage"`
		ErrorType    string `json:"errorType"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		e := &Error{Message: payload.Message, Cause: payload.Cause}
		if e.Message == "" {
			e.Message = payload.ErrorMessage
		}
		if e.Cause == "" {
			e.Cause = payload.ErrorType
		}
		if e.Message != "" || e.Cause != "" {
			return e
		}
	}
	return &Error{
		Message: fmt.Sprintf("job returned status %d", status),
		Cause:   strings.TrimSpace(string(body)),
	}
}

var (
	_ Direct   = (*HTTPDirect)(nil)
	_ Workflow = (*HTTPWorkflow)(nil)
	_ Direct   = DirectFunc(nil)
)
