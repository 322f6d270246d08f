package mermaid_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/inklet-app/diagramchat/backend/internal/mermaid"
)

func TestValidateAcceptsCompleteDefinitions(t *testing.T) {
	valid := []string{
		"flowchart TD\nA-->B",
		"graph LR\nA[Start]-->B",
		"sequenceDiagram\nAlice->>Bob: hi",
		"pie\n\"a\" : 1\n\"b\" : 2",
	}
	for _, def := range valid {
		if !mermaid.Validate(def) {
			t.Fatalf("Validate(%q) = false, want true", def)
		}
	}
}

func TestValidateRejectsIncompleteSnapshots(t *testing.T) {
	invalid := []string{
		"",
		"   ",
		"flow",
		"flowchart",
		"flowchart T",
		"flowchart TD\nA[Sta",
		"flowchart TD\nA[\"half quoted]",
		"something else entirely",
	}
	for _, def := range invalid {
		if mermaid.Validate(def) {
			t.Fatalf("Validate(%q) = true, want false", def)
		}
	}
}

func TestFlowchartConverterParsesNodesAndEdges(t *testing.T) {
	def := "flowchart TD\nA[Start]-->|go|B{Choice}\nB-->C([End])"

	scene, err := mermaid.FlowchartConverter{}.Parse(context.Background(), def)
	if err != nil {
		t.Fatalf("Parse err: %v", err)
	}

	var nodes, edges int
	for _, el := range scene.Elements {
		switch el.Kind {
		case "node":
			nodes++
		case "edge":
			edges++
		}
	}
	if nodes != 3 || edges != 2 {
		t.Fatalf("nodes=%d edges=%d, want 3 nodes and 2 edges", nodes, edges)
	}
}

func TestFlowchartConverterRejectsUnsupportedType(t *testing.T) {
	_, err := mermaid.FlowchartConverter{}.Parse(context.Background(), "mindmap\nroot")
	if err == nil || !strings.Contains(err.Error(), "invalid diagram") {
		t.Fatalf("Parse err: %v, want invalid diagram error", err)
	}
}

func TestFlowchartConverterRejectsMalformedEdge(t *testing.T) {
	_, err := mermaid.FlowchartConverter{}.Parse(context.Background(), "flowchart TD\nA-->|oops B")
	if err == nil {
		t.Fatal("expected parse error for unterminated edge label")
	}
}

// quoteSensitive fails on double quotes, succeeding once Parse retries with
// single quotes substituted.
type quoteSensitive struct {
	calls int
}

func (c *quoteSensitive) Parse(_ context.Context, definition string) (*mermaid.Scene, error) {
	c.calls++
	if strings.Contains(definition, `"`) {
		return nil, errors.New("invalid diagram: double quotes")
	}
	return &mermaid.Scene{Definition: definition}, nil
}

func TestParseRetriesWithSingleQuotes(t *testing.T) {
	conv := &quoteSensitive{}
	scene, err := mermaid.Parse(context.Background(), conv, `flowchart TD`+"\n"+`A["Start"]-->B`)
	if err != nil {
		t.Fatalf("Parse err: %v", err)
	}
	if conv.calls != 2 {
		t.Fatalf("converter called %d times, want 2 (original then quote-substituted)", conv.calls)
	}
	if strings.Contains(scene.Definition, `"`) {
		t.Fatalf("retry definition still contains double quotes: %q", scene.Definition)
	}
}

func TestParseReturnsSecondErrorWhenRetryFails(t *testing.T) {
	failing := mermaid.FlowchartConverter{}
	_, err := mermaid.Parse(context.Background(), failing, "nonsense")
	if err == nil {
		t.Fatal("expected error when both attempts fail")
	}
}
