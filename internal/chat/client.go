// Package chat is the status-message transport: it posts and updates
// channel messages through the platform's Web API and answers interactive
// requests through their response targets.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/chatops-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/chatops-gateway/internal/render"
)

const (
	defaultBaseURL = "https://slack.com/api"
	defaultTimeout = 10 * time.Second
)

// MessageRef identifies a posted channel message.
type MessageRef struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

// IsZero reports whether the reference is unset.
func (r MessageRef) IsZero() bool {
	return r.Channel == "" && r.TS == ""
}

// Transport is the set of chat operations the core composes.
type Transport interface {
	// PostMessage posts a channel-visible message and returns its reference.
	PostMessage(ctx context.Context, channel string, doc render.Document) (MessageRef, error)
	// UpdateMessage replaces the content of a posted message.
	UpdateMessage(ctx context.Context, ref MessageRef, doc render.Document) error
	// PostEphemeral replies to the requesting user through a response target.
	PostEphemeral(ctx context.Context, target string, doc render.Document) error
	// DeleteOriginal dismisses the message a response target belongs to.
	DeleteOriginal(ctx context.Context, target string) error
}

// APIError is returned when the Web API answers ok=false.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat API %s: %s", e.Method, e.Code)
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom Web API base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets the HTTP client used for Web API calls.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithResponseClient sets the HTTP client used for response targets.
// The default rejects private addresses.
func WithResponseClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.responseClient = httpClient
	}
}

// Client is a Web API client for the chat platform.
type Client struct {
	token          string
	baseURL        string
	httpClient     *http.Client
	responseClient *http.Client
}

// NewClient creates a client authenticating with a bot token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:          token,
		baseURL:        defaultBaseURL,
		httpClient:     &http.Client{Timeout: defaultTimeout},
		responseClient: safehttp.NewClient(defaultTimeout),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	TS      string `json:"ts,omitempty"`
	render.Document
}

type apiResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Channel string `json:"channel,omitempty"`
	TS      string `json:"ts,omitempty"`
}

func (c *Client) PostMessage(ctx context.Context, channel string, doc render.Document) (MessageRef, error) {
	resp, err := c.call(ctx, "chat.postMessage", postMessageRequest{Channel: channel, Document: doc})
	if err != nil {
		return MessageRef{}, err
	}
	ref := MessageRef{Channel: resp.Channel, TS: resp.TS}
	if ref.Channel == "" {
		ref.Channel = channel
	}
	if ref.TS == "" {
		return MessageRef{}, fmt.Errorf("chat.postMessage: response carried no message timestamp")
	}
	return ref, nil
}

func (c *Client) UpdateMessage(ctx context.Context, ref MessageRef, doc render.Document) error {
	if ref.IsZero() {
		return fmt.Errorf("chat.update: empty message reference")
	}
	_, err := c.call(ctx, "chat.update", postMessageRequest{Channel: ref.Channel, TS: ref.TS, Document: doc})
	return err
}

func (c *Client) PostEphemeral(ctx context.Context, target string, doc render.Document) error {
	if doc.ResponseType == "" {
		doc.ResponseType = "ephemeral"
	}
	return c.respond(ctx, target, doc)
}

func (c *Client) DeleteOriginal(ctx context.Context, target string) error {
	return c.respond(ctx, target, map[string]bool{"delete_original": true})
}

func (c *Client) call(ctx context.Context, method string, payload any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: API error (status %d): %s", method, resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s response: %w", method, err)
	}
	if !result.OK {
		return nil, &APIError{Method: method, Code: result.Error}
	}
	return &result, nil
}

func (c *Client) respond(ctx context.Context, target string, payload any) error {
	if target == "" {
		return fmt.Errorf("response target is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.responseClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("response target request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("response target returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

var _ Transport = (*Client)(nil)
