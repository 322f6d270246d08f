package mermaid

import (
	"context"
	"fmt"
	"strings"
)

// FlowchartConverter is the built-in converter for the flowchart/graph
// subset. It stands in for the full conversion library behind the Converter
// interface; swap it out to support more diagram types.
type FlowchartConverter struct{}

// Parse converts a flowchart definition into nodes and edges.
func (FlowchartConverter) Parse(_ context.Context, definition string) (*Scene, error) {
	lines := strings.Split(strings.TrimSpace(definition), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("invalid diagram: empty definition")
	}

	header, dir, _ := strings.Cut(strings.TrimSpace(lines[0]), " ")
	if header != "flowchart" && header != "graph" {
		return nil, fmt.Errorf("invalid diagram: unsupported diagram type %q", header)
	}
	if !flowchartDirections[strings.TrimSpace(dir)] {
		return nil, fmt.Errorf("invalid diagram: missing direction after %q", header)
	}

	scene := &Scene{Definition: definition}
	nodes := map[string]bool{}

	addNode := func(id, label, shape string) {
		if id == "" {
			return
		}
		if nodes[id] {
			if label == "" {
				return
			}
			for i := range scene.Elements {
				if scene.Elements[i].Kind == "node" && scene.Elements[i].ID == id {
					scene.Elements[i].Label = label
					scene.Elements[i].Shape = shape
					return
				}
			}
			return
		}
		nodes[id] = true
		if label == "" {
			label = id
		}
		scene.Elements = append(scene.Elements, Element{ID: id, Kind: "node", Label: label, Shape: shape})
	}

	for n, raw := range lines[1:] {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "%%") {
			continue
		}
		if line == "end" || strings.HasPrefix(line, "subgraph") {
			continue
		}

		if left, right, ok := strings.Cut(line, "-->"); ok {
			label := ""
			right = strings.TrimSpace(right)
			if strings.HasPrefix(right, "|") {
				rest := right[1:]
				end := strings.Index(rest, "|")
				if end < 0 {
					return nil, fmt.Errorf("invalid diagram: unterminated edge label on line %d", n+2)
				}
				label = rest[:end]
				right = strings.TrimSpace(rest[end+1:])
			}

			fromID, fromLabel, fromShape, err := splitNode(strings.TrimSpace(left), n+2)
			if err != nil {
				return nil, err
			}
			toID, toLabel, toShape, err := splitNode(right, n+2)
			if err != nil {
				return nil, err
			}

			addNode(fromID, fromLabel, fromShape)
			addNode(toID, toLabel, toShape)
			scene.Elements = append(scene.Elements, Element{
				ID:    fmt.Sprintf("%s-%s", fromID, toID),
				Kind:  "edge",
				Label: label,
				From:  fromID,
				To:    toID,
			})
			continue
		}

		id, label, shape, err := splitNode(line, n+2)
		if err != nil {
			return nil, err
		}
		addNode(id, label, shape)
	}

	if len(scene.Elements) == 0 {
		return nil, fmt.Errorf("invalid diagram: no nodes or edges")
	}
	return scene, nil
}

// splitNode splits "A[Label]" style declarations into id, label and shape.
func splitNode(token string, lineNo int) (id, label, shape string, err error) {
	if token == "" {
		return "", "", "", fmt.Errorf("invalid diagram: missing node on line %d", lineNo)
	}

	openers := []struct {
		open, close, shape string
	}{
		{"([", "])", "stadium"},
		{"[[", "]]", "subroutine"},
		{"[", "]", "rectangle"},
		{"((", "))", "circle"},
		{"(", ")", "round"},
		{"{", "}", "diamond"},
	}

	for _, o := range openers {
		start := strings.Index(token, o.open)
		if start <= 0 {
			continue
		}
		if !strings.HasSuffix(token, o.close) {
			return "", "", "", fmt.Errorf("invalid diagram: unterminated %s node on line %d", o.shape, lineNo)
		}
		id = token[:start]
		label = token[start+len(o.open) : len(token)-len(o.close)]
		if strings.Contains(label, `"`) {
			return "", "", "", fmt.Errorf("invalid diagram: double-quoted label on line %d", lineNo)
		}
		return id, strings.Trim(label, "'"), o.shape, nil
	}

	if strings.ContainsAny(token, "[](){}|<> \t") {
		return "", "", "", fmt.Errorf("invalid diagram: malformed node %q on line %d", token, lineNo)
	}
	return token, "", "", nil
}
