package diagram

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// RenderASCIIAuto renders through the mermaid-ascii binary at binPath when it
// exists, falling back to RenderASCII.
func RenderASCIIAuto(ctx context.Context, model *DiagramModel, binPath string) string {
	if binPath != "" {
		if _, err := os.Stat(binPath); err == nil {
			if out, err := RenderASCIIViaCLI(ctx, model, binPath); err == nil {
				return out
			}
		}
	}
	return RenderASCII(model)
}

// RenderASCIIViaCLI pipes simplified Mermaid through the mermaid-ascii binary.
func RenderASCIIViaCLI(ctx context.Context, model *DiagramModel, binPath string) (string, error) {
	cmd := exec.CommandContext(ctx, binPath)
	cmd.Stdin = strings.NewReader(RenderMermaidForCLI(model))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("mermaid-ascii: %w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// RenderMermaidForCLI emits the subset mermaid-ascii understands: no label
// declarations and no subgraphs. Nodes are referenced by a dash-joined form
// of their label so the output stays readable; isolated nodes are dropped.
func RenderMermaidForCLI(model *DiagramModel) string {
	var b strings.Builder
	switch model.Direction {
	case DirectionLR, DirectionRL:
		b.WriteString("graph LR\n")
	default:
		b.WriteString("graph TD\n")
	}

	display := make(map[string]string, len(model.Nodes))
	used := make(map[string]bool, len(model.Nodes))
	for _, node := range model.Nodes {
		id := cliNodeID(node)
		for base, n := id, 2; used[id]; n++ {
			id = fmt.Sprintf("%s-%d", base, n)
		}
		used[id] = true
		display[node.ID] = id
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", firstLine(edge.Label))
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", display[edge.From], label, display[edge.To])
	}
	return b.String()
}

// cliNodeID turns a label into a token mermaid-ascii accepts as a node id.
func cliNodeID(node *Node) string {
	id := firstLine(node.Label)
	if strings.TrimSpace(id) == "" {
		id = node.ID
	}
	id = strings.Join(strings.Fields(id), "-")
	id = strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', '(', ')', '{', '}', '|', '"', ';', '&', '<', '>':
			return -1
		}
		return r
	}, id)
	if id == "" {
		return node.ID
	}
	return id
}
