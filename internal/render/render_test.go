package render

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestStatus_Running(t *testing.T) {
	doc := Status(PhaseRunning, "ignored")
	if len(doc.Blocks) != 1 {
		t.Fatalf("expected 1 block while running, got %d", len(doc.Blocks))
	}
	if strings.Contains(doc.Blocks[0].Text.Text, "ignored") {
		t.Error("running status must not include detail")
	}
	if !strings.Contains(doc.Text, "running") {
		t.Errorf("unexpected text %q", doc.Text)
	}
}

func TestStatus_TerminalEmbedsDetailVerbatim(t *testing.T) {
	tests := []struct {
		phase    Phase
		headline string
	}{
		{PhaseSucceeded, "succeeded"},
		{PhaseFailed, "failed"},
	}

	detail := `{"result": 42, "note": "<b>raw</b>"}`
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			doc := Status(tt.phase, detail)
			if !strings.Contains(doc.Text, tt.headline) {
				t.Errorf("Text = %q, want it to mention %q", doc.Text, tt.headline)
			}
			if len(doc.Blocks) != 2 {
				t.Fatalf("expected status and details blocks, got %d", len(doc.Blocks))
			}
			if !strings.Contains(doc.Blocks[1].Text.Text, "```"+detail+"```") {
				t.Errorf("details block = %q, want detail wrapped verbatim", doc.Blocks[1].Text.Text)
			}
		})
	}
}

func TestStatus_LargeDetailSplitsAcrossSections(t *testing.T) {
	// Multi-byte runes make sure chunks never cut a UTF-8 sequence.
	detail := strings.Repeat("line of job output é\n", 500)
	if len(detail) < 10_000 {
		t.Fatalf("test detail too short: %d bytes", len(detail))
	}

	doc := Status(PhaseSucceeded, detail)
	if len(doc.Blocks) < 4 {
		t.Fatalf("expected detail split over several sections, got %d blocks", len(doc.Blocks))
	}

	var rebuilt strings.Builder
	for i, b := range doc.Blocks[1:] {
		if b.Type != "section" {
			t.Fatalf("block %d type = %q, want section", i+1, b.Type)
		}
		text := b.Text.Text
		if len(text) > MaxSectionText {
			t.Errorf("block %d is %d bytes, limit %d", i+1, len(text), MaxSectionText)
		}
		if i == 0 {
			text = strings.TrimPrefix(text, "*Details*\n")
		}
		if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") {
			t.Fatalf("block %d is not fenced: %q", i+1, text[:20])
		}
		chunk := text[3 : len(text)-3]
		if !utf8.ValidString(chunk) {
			t.Errorf("block %d splits a UTF-8 sequence", i+1)
		}
		rebuilt.WriteString(chunk)
	}
	if rebuilt.String() != detail {
		t.Error("concatenated sections do not reproduce the detail verbatim")
	}
}

func TestStatus_Idempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("rendering twice yields equal documents", prop.ForAll(
		func(phaseIdx int, detail string) bool {
			phase := []Phase{PhaseRunning, PhaseSucceeded, PhaseFailed}[phaseIdx]
			a, b := Status(phase, detail), Status(phase, detail)
			if !reflect.DeepEqual(a, b) {
				return false
			}
			ja, _ := json.Marshal(a)
			jb, _ := json.Marshal(b)
			return string(ja) == string(jb)
		},
		gen.IntRange(0, 2),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestWelcome(t *testing.T) {
	doc := Welcome([]MenuItem{
		{Action: "sample-lambda", Title: "Sample Lambda"},
		{Action: "sample-workflow"},
	})
	if doc.ResponseType != "ephemeral" {
		t.Errorf("ResponseType = %q, want ephemeral", doc.ResponseType)
	}
	last := doc.Blocks[len(doc.Blocks)-1]
	if last.Type != "actions" || len(last.Elements) != 2 {
		t.Fatalf("expected actions block with 2 buttons, got %+v", last)
	}
	if last.Elements[0].ActionID != "sample-lambda" || last.Elements[0].Text.Text != "Sample Lambda" {
		t.Errorf("unexpected first button %+v", last.Elements[0])
	}
	if last.Elements[1].Text.Text != "sample-workflow" {
		t.Errorf("untitled action should fall back to its name, got %q", last.Elements[1].Text.Text)
	}
}

func TestWelcome_Empty(t *testing.T) {
	doc := Welcome(nil)
	for _, b := range doc.Blocks {
		if b.Type == "actions" {
			t.Error("empty menu should have no actions block")
		}
	}
}

func TestForm(t *testing.T) {
	doc := Form(FormSpec{
		Action:      "sample-lambda",
		Title:       "Sample Lambda",
		Description: "Runs the sample function",
		InputLabel:  "Number",
		Placeholder: "42",
	})

	var input, actions *Block
	for i := range doc.Blocks {
		switch doc.Blocks[i].Type {
		case "input":
			input = &doc.Blocks[i]
		case "actions":
			actions = &doc.Blocks[i]
		}
	}
	if input == nil || input.BlockID != InputBlockID || input.Element.ActionID != InputActionID {
		t.Fatalf("missing or misconfigured input block: %+v", input)
	}
	if input.Element.Placeholder == nil || input.Element.Placeholder.Text != "42" {
		t.Errorf("placeholder not rendered: %+v", input.Element)
	}
	if actions == nil || actions.Elements[0].ActionID != "sample-lambda/submit" {
		t.Fatalf("submit button should carry sample-lambda/submit, got %+v", actions)
	}
	if !doc.ReplaceOriginal {
		t.Error("form should replace the message it was opened from")
	}
}

func TestSubmitAction(t *testing.T) {
	if got := SubmitAction("x"); got != "x/submit" {
		t.Errorf("SubmitAction(x) = %q", got)
	}
	if got := SubmitAction("x/submit"); got != "x/submit" {
		t.Errorf("SubmitAction(x/submit) = %q", got)
	}
}

func TestNotice(t *testing.T) {
	doc := Notice("hi")
	if doc.Text != "hi" || doc.ResponseType != "ephemeral" || len(doc.Blocks) != 0 {
		t.Errorf("unexpected notice %+v", doc)
	}
}
