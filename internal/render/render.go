// Package render builds the display documents posted to the chat surface:
// run status messages, the welcome menu, input forms and denials.
//
// Every function here is pure. The same arguments always produce an equal
// Document, and nothing is sent anywhere.
package render

import (
	"strings"
	"unicode/utf8"
)

// Phase is the execution status a status message displays.
type Phase string

const (
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Document is a message payload in the chat platform's block format.
type Document struct {
	Text            string  `json:"text"`
	Blocks          []Block `json:"blocks,omitempty"`
	ResponseType    string  `json:"response_type,omitempty"`
	ReplaceOriginal bool    `json:"replace_original,omitempty"`
}

// Block is a layout block.
type Block struct {
	Type     string    `json:"type"`
	BlockID  string    `json:"block_id,omitempty"`
	Text     *Text     `json:"text,omitempty"`
	Label    *Text     `json:"label,omitempty"`
	Element  *Element  `json:"element,omitempty"`
	Elements []Element `json:"elements,omitempty"`
}

// Text is a text object. Type is "plain_text" or "mrkdwn".
type Text struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// Element is an interactive element such as a button or text input.
type Element struct {
	Type        string `json:"type"`
	ActionID    string `json:"action_id,omitempty"`
	Text        *Text  `json:"text,omitempty"`
	Value       string `json:"value,omitempty"`
	Style       string `json:"style,omitempty"`
	Placeholder *Text  `json:"placeholder,omitempty"`
}

const (
	// InputBlockID and InputActionID locate the form's text input in
	// interactive payload state.
	InputBlockID  = "job_input"
	InputActionID = "value"

	// SubmitSuffix marks an action as the submission of its form.
	SubmitSuffix = "/submit"
)

func plain(s string) *Text    { return &Text{Type: "plain_text", Text: s, Emoji: true} }
func markdown(s string) *Text { return &Text{Type: "mrkdwn", Text: s} }

// Status renders a run status message. detail is shown verbatim in a
// details block for terminal phases and ignored while running.
func Status(phase Phase, detail string) Document {
	var headline string
	switch phase {
	case PhaseSucceeded:
		headline = ":white_check_mark: Job succeeded"
	case PhaseFailed:
		headline = ":x: Job failed"
	default:
		headline = ":hourglass_flowing_sand: Job is running..."
	}

	doc := Document{
		Text:   headline,
		Blocks: []Block{{Type: "section", Text: markdown("*" + headline + "*")}},
	}
	if phase.Terminal() {
		doc.Blocks = append(doc.Blocks, detailsBlocks(detail)...)
	}
	return doc
}

// MaxSectionText is the longest text the platform accepts in one section
// block.
const MaxSectionText = 3000

const (
	detailsHeader = "*Details*\n"
	fence         = "```"
)

// detailsBlocks wraps detail in fenced sections. Output longer than one
// section is split across consecutive sections; concatenating the fenced
// contents yields detail unchanged.
func detailsBlocks(detail string) []Block {
	var blocks []Block
	prefix := detailsHeader
	for {
		limit := MaxSectionText - len(prefix) - 2*len(fence)
		chunk, rest := splitAt(detail, limit)
		blocks = append(blocks, Block{Type: "section", Text: markdown(prefix + fence + chunk + fence)})
		if rest == "" {
			return blocks
		}
		detail, prefix = rest, ""
	}
}

// splitAt cuts s after at most n bytes without splitting a UTF-8 sequence.
func splitAt(s string, n int) (string, string) {
	if len(s) <= n {
		return s, ""
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i], s[i:]
}

// MenuItem is one button in the welcome menu.
type MenuItem struct {
	Action string
	Title  string
}

// Welcome renders the menu of available actions.
func Welcome(items []MenuItem) Document {
	doc := Document{
		Text:         "Available actions",
		ResponseType: "ephemeral",
		Blocks: []Block{
			{Type: "section", Text: markdown("*Welcome!* Choose an action to run.")},
		},
	}
	if len(items) == 0 {
		doc.Blocks = append(doc.Blocks, Block{Type: "section", Text: markdown("_No actions are configured._")})
		return doc
	}

	buttons := make([]Element, 0, len(items))
	for _, it := range items {
		title := it.Title
		if title == "" {
			title = it.Action
		}
		buttons = append(buttons, Element{
			Type:     "button",
			ActionID: it.Action,
			Text:     plain(title),
			Value:    it.Action,
		})
	}
	doc.Blocks = append(doc.Blocks, Block{Type: "actions", BlockID: "welcome_menu", Elements: buttons})
	return doc
}

// FormSpec describes the input-collection form for one action.
type FormSpec struct {
	Action      string
	Title       string
	Description string
	InputLabel  string
	Placeholder string
}

// Form renders the input form for an action. Its submit button carries the
// action name with the submit suffix.
func Form(spec FormSpec) Document {
	title := spec.Title
	if title == "" {
		title = spec.Action
	}
	label := spec.InputLabel
	if label == "" {
		label = "Input"
	}

	blocks := []Block{{Type: "header", Text: plain(title)}}
	if spec.Description != "" {
		blocks = append(blocks, Block{Type: "section", Text: markdown(spec.Description)})
	}

	input := &Element{Type: "plain_text_input", ActionID: InputActionID}
	if spec.Placeholder != "" {
		input.Placeholder = plain(spec.Placeholder)
	}
	blocks = append(blocks,
		Block{Type: "input", BlockID: InputBlockID, Label: plain(label), Element: input},
		Block{Type: "actions", Elements: []Element{{
			Type:     "button",
			ActionID: SubmitAction(spec.Action),
			Text:     plain("Submit"),
			Style:    "primary",
			Value:    spec.Action,
		}}},
	)

	return Document{
		Text:            title,
		ResponseType:    "ephemeral",
		ReplaceOriginal: true,
		Blocks:          blocks,
	}
}

// SubmitAction returns the submit action name for a base action.
func SubmitAction(base string) string {
	return strings.TrimSuffix(base, SubmitSuffix) + SubmitSuffix
}

// Notice renders a short ephemeral text reply.
func Notice(text string) Document {
	return Document{Text: text, ResponseType: "ephemeral"}
}
