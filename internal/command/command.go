// Package command turns an inbound webhook body into a normalized command
// and routes it to one of a closed set of handler kinds.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/tjfontaine/chatops-gateway/internal/render"
	"github.com/tjfontaine/chatops-gateway/internal/signature"
)

// WelcomeAction opens the action menu and is allowed for every known user.
const WelcomeAction = "welcome"

var (
	// ErrMalformedPayload is returned when a verified body cannot be
	// normalized into a command.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownAction is returned when no handler exists for an action.
	ErrUnknownAction = errors.New("unknown action")
)

// InboundRequest is the raw webhook call: the headers the pipeline reads
// and the exact body bytes the signature covers.
type InboundRequest struct {
	Timestamp   string
	Signature   string
	ContentType string
	RetryNum    string
	Body        []byte
}

// FromHTTP captures the relevant headers of r alongside an already-read body.
func FromHTTP(r *http.Request, body []byte) *InboundRequest {
	return &InboundRequest{
		Timestamp:   r.Header.Get(signature.TimestampHeader),
		Signature:   r.Header.Get(signature.SignatureHeader),
		ContentType: r.Header.Get("Content-Type"),
		RetryNum:    r.Header.Get("X-Slack-Retry-Num"),
		Body:        body,
	}
}

// HeaderContext is the subset of inbound headers forwarded to jobs.
// The signature is never forwarded.
func (r *InboundRequest) HeaderContext() map[string]string {
	h := map[string]string{signature.TimestampHeader: r.Timestamp}
	if r.ContentType != "" {
		h["Content-Type"] = r.ContentType
	}
	if r.RetryNum != "" {
		h["X-Slack-Retry-Num"] = r.RetryNum
	}
	return h
}

// Command is a normalized request.
type Command struct {
	ChannelID      string
	UserName       string
	Action         string
	ActionBase     string
	ResponseTarget string
	Input          string
	// Interactive is set for requests raised from a posted message, such
	// as a form submission, as opposed to a typed slash command.
	Interactive bool
}

// ActionBase returns the prefix of action up to the first "/".
func ActionBase(action string) string {
	base, _, _ := strings.Cut(action, "/")
	return base
}

// Parse normalizes a verified request body. Three shapes are accepted, all
// form-encoded: a slash command (command, text), a simple submission
// (action, input), and an interactive callback (a JSON "payload" field).
func Parse(req *InboundRequest) (*Command, error) {
	if ct := req.ContentType; ct != "" && !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		return nil, fmt.Errorf("%w: unsupported content type %q", ErrMalformedPayload, ct)
	}

	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var cmd *Command
	switch {
	case form.Has("payload"):
		cmd, err = parseInteractive([]byte(form.Get("payload")))
		if err != nil {
			return nil, err
		}
	case form.Has("command"):
		action := strings.TrimSpace(form.Get("text"))
		if action == "" {
			action = WelcomeAction
		}
		cmd = &Command{
			ChannelID:      form.Get("channel_id"),
			UserName:       form.Get("user_name"),
			Action:         action,
			ResponseTarget: form.Get("response_url"),
		}
	case form.Has("action"):
		cmd = &Command{
			ChannelID:      form.Get("channel_id"),
			UserName:       form.Get("user_name"),
			Action:         strings.TrimSpace(form.Get("action")),
			ResponseTarget: form.Get("response_url"),
			Input:          form.Get("input"),
		}
	default:
		return nil, fmt.Errorf("%w: no command, action or payload field", ErrMalformedPayload)
	}

	if cmd.Action == "" {
		return nil, fmt.Errorf("%w: empty action", ErrMalformedPayload)
	}
	cmd.ActionBase = ActionBase(cmd.Action)
	return cmd, nil
}

type interactivePayload struct {
	Type string `json:"type"`
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"user"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Container struct {
		ChannelID string `json:"channel_id"`
	} `json:"container"`
	ResponseURL string `json:"response_url"`
	Actions     []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
	State struct {
		Values map[string]map[string]stateValue `json:"values"`
	} `json:"state"`
}

type stateValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func parseInteractive(raw []byte) (*Command, error) {
	var p interactivePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(p.Actions) == 0 {
		return nil, fmt.Errorf("%w: interactive payload has no actions", ErrMalformedPayload)
	}

	user := p.User.Username
	if user == "" {
		user = p.User.Name
	}
	channel := p.Channel.ID
	if channel == "" {
		channel = p.Container.ChannelID
	}

	return &Command{
		ChannelID:      channel,
		UserName:       user,
		Action:         p.Actions[0].ActionID,
		ResponseTarget: p.ResponseURL,
		Input:          inputValue(p.State.Values),
		Interactive:    true,
	}, nil
}

// inputValue prefers the form's own input element and otherwise takes the
// first text input found, visiting blocks in a stable order.
func inputValue(values map[string]map[string]stateValue) string {
	if v, ok := values[render.InputBlockID][render.InputActionID]; ok {
		return v.Value
	}

	blocks := make([]string, 0, len(values))
	for id := range values {
		blocks = append(blocks, id)
	}
	sort.Strings(blocks)
	for _, id := range blocks {
		elems := make([]string, 0, len(values[id]))
		for eid := range values[id] {
			elems = append(elems, eid)
		}
		sort.Strings(elems)
		for _, eid := range elems {
			if v := values[id][eid]; v.Type == "plain_text_input" {
				return v.Value
			}
		}
	}
	return ""
}
