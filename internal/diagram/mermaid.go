package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid re-emits a DiagramModel as canonical Mermaid flowchart
// source: every label quoted, one node declaration per line, subgraphs
// before edges.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "---\ntitle: %s\n---\n", model.Title)
	}
	dir := model.Direction
	if dir == "" {
		dir = DirectionTB
	}
	fmt.Fprintf(&b, "flowchart %s\n", dir)

	grouped := make(map[string]bool)
	for _, sg := range model.SubGraphs {
		for _, id := range sg.NodeIDs {
			grouped[id] = true
		}
	}

	for _, node := range model.Nodes {
		if !grouped[node.ID] {
			fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
		}
	}

	for _, sg := range model.SubGraphs {
		fmt.Fprintf(&b, "    subgraph %s[%s]\n", sg.ID, quoted(sg.Label))
		for _, id := range sg.NodeIDs {
			if node := model.Node(id); node != nil {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(node))
			}
		}
		b.WriteString("    end\n")
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = "|" + quoted(edge.Label) + "|"
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", edge.From, mermaidLink(edge.Style), label, edge.To)
	}

	return b.String()
}

// mermaidNodeDef returns a node declaration with the shape's delimiters.
func mermaidNodeDef(node *Node) string {
	opener, closer := "[", "]"
	for _, d := range labelDelims {
		if d.shape == node.Shape {
			opener, closer = d.open, d.close
			break
		}
	}
	return node.ID + opener + quoted(node.Label) + closer
}

func mermaidLink(style EdgeStyle) string {
	switch style {
	case EdgeOpen:
		return "---"
	case EdgeDotted:
		return "-.->"
	case EdgeThick:
		return "==>"
	default:
		return "-->"
	}
}

// quoted wraps a label in double quotes. Mermaid has no quote escape, so
// quotes become the #quot; entity and newlines <br>.
func quoted(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	return `"` + strings.ReplaceAll(s, "\n", "<br>") + `"`
}
