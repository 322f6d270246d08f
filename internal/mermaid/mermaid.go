// Package mermaid is the boundary to diagram-definition handling: a cheap
// syntax plausibility check used while text is still streaming, and the
// Converter interface through which validated definitions become drawable
// scenes.
package mermaid

import (
	"context"
	"strings"
)

// Scene is the drawable result of converting a diagram definition.
type Scene struct {
	Definition string            `json:"definition"`
	Elements   []Element         `json:"elements"`
	Assets     map[string]string `json:"assets,omitempty"`
}

// Element is one drawable object of a converted diagram.
type Element struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label,omitempty"`
	Shape string `json:"shape,omitempty"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
}

// Converter turns a complete diagram definition into a scene, or fails with
// a parse error describing what is wrong with the definition.
type Converter interface {
	Parse(ctx context.Context, definition string) (*Scene, error)
}

// Parse runs the converter, retrying once with straight double quotes
// replaced by single quotes. Works around a known quoting quirk in generated
// definitions.
func Parse(ctx context.Context, c Converter, definition string) (*Scene, error) {
	scene, err := c.Parse(ctx, definition)
	if err == nil {
		return scene, nil
	}
	return c.Parse(ctx, strings.ReplaceAll(definition, `"`, `'`))
}

// Known first tokens of a diagram definition.
var diagramHeaders = []string{
	"flowchart",
	"graph",
	"sequenceDiagram",
	"classDiagram",
	"stateDiagram-v2",
	"stateDiagram",
	"erDiagram",
	"journey",
	"gantt",
	"pie",
	"mindmap",
	"timeline",
	"quadrantChart",
	"gitGraph",
}

var flowchartDirections = map[string]bool{
	"TB": true, "TD": true, "BT": true, "LR": true, "RL": true,
}

// Validate is the cheap plausibility check run on streaming snapshots before
// the expensive conversion. It rejects obviously incomplete text: an
// unfinished header, dangling brackets, or an odd number of quotes. It does
// not guarantee the definition parses.
func Validate(definition string) bool {
	trimmed := strings.TrimSpace(definition)
	if trimmed == "" {
		return false
	}

	header, rest, _ := strings.Cut(firstLine(trimmed), " ")
	matched := false
	for _, known := range diagramHeaders {
		if header == known {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	// flowchart/graph headers are only complete once a direction follows.
	if header == "flowchart" || header == "graph" {
		if !flowchartDirections[strings.TrimSpace(rest)] {
			return false
		}
	}

	return balanced(trimmed)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// balanced rejects snapshots cut off inside a bracket pair or a quoted
// label.
func balanced(s string) bool {
	var round, square, curly, quotes int
	for _, r := range s {
		switch r {
		case '(':
			round++
		case ')':
			round--
		case '[':
			square++
		case ']':
			square--
		case '{':
			curly++
		case '}':
			curly--
		case '"':
			quotes++
		}
	}
	return round == 0 && square == 0 && curly == 0 && quotes%2 == 0
}
