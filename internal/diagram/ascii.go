package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// shapeTag marks non-rectangular nodes inside an ASCII box.
func shapeTag(shape NodeShape) string {
	switch shape {
	case ShapeDiamond:
		return "<?>"
	case ShapeCircle:
		return "(o)"
	case ShapeHexagon:
		return "{*}"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as text for terminals. Nodes are laid
// out in levels by longest path from the roots; links are listed after the
// boxes since box rows cannot show arbitrary fan-in.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	levels := Levels(model)
	for levelIdx, level := range levels {
		var boxes []asciiBox
		for _, nodeID := range level {
			if node := model.Node(nodeID); node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}

		renderBoxRow(&b, boxes)

		if levelIdx < len(levels)-1 {
			renderConnector(&b, len(boxes))
		}
	}

	for _, sg := range model.SubGraphs {
		renderSubGraph(&b, model, sg)
	}

	if len(model.Edges) > 0 {
		b.WriteString("\n--- links ---\n")
		for _, edge := range model.Edges {
			arrow := "─→"
			if edge.Style == EdgeOpen {
				arrow = "──"
			}
			if edge.Label != "" {
				fmt.Fprintf(&b, "  %s %s %s  (%s)\n", edge.From, arrow, edge.To, firstLine(edge.Label))
			} else {
				fmt.Fprintf(&b, "  %s %s %s\n", edge.From, arrow, edge.To)
			}
		}
	}

	return b.String()
}

// Levels groups node ids by longest distance from a root, in declaration
// order within a level. Nodes on a cycle are placed one level below the
// deepest node already placed.
func Levels(model *DiagramModel) [][]string {
	indeg := make(map[string]int, len(model.Nodes))
	out := make(map[string][]string, len(model.Nodes))
	for _, n := range model.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range model.Edges {
		if _, ok := indeg[e.To]; !ok {
			continue
		}
		if _, ok := indeg[e.From]; !ok || e.From == e.To {
			continue
		}
		indeg[e.To]++
		out[e.From] = append(out[e.From], e.To)
	}

	depth := make(map[string]int, len(model.Nodes))
	placed := make(map[string]bool, len(model.Nodes))
	var queue []string
	for _, n := range model.Nodes {
		if indeg[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	maxDepth := 0
	for len(placed) < len(model.Nodes) {
		if len(queue) == 0 {
			// Break a cycle at the first unplaced node.
			for _, n := range model.Nodes {
				if !placed[n.ID] {
					depth[n.ID] = maxDepth + 1
					indeg[n.ID] = 0
					queue = append(queue, n.ID)
					break
				}
			}
		}
		id := queue[0]
		queue = queue[1:]
		if placed[id] {
			continue
		}
		placed[id] = true
		if depth[id] > maxDepth {
			maxDepth = depth[id]
		}
		for _, next := range out[id] {
			if placed[next] {
				continue
			}
			if depth[id]+1 > depth[next] {
				depth[next] = depth[id] + 1
			}
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(model.Nodes) == 0 {
		return nil
	}
	levels := make([][]string, maxDepth+1)
	for _, n := range model.Nodes {
		levels[depth[n.ID]] = append(levels[depth[n.ID]], n.ID)
	}
	compact := levels[:0]
	for _, l := range levels {
		if len(l) > 0 {
			compact = append(compact, l)
		}
	}
	return compact
}

// asciiBox holds the rendered lines of a single box.
type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	contentLines := strings.Split(node.Label, "\n")
	if tag := shapeTag(node.Shape); tag != "" {
		contentLines = append(contentLines, tag)
	}

	maxLen := 0
	for _, line := range contentLines {
		if n := utf8.RuneCountInString(line); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	lines := make([]string, 0, len(contentLines)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-utf8.RuneCountInString(content))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return asciiBox{lines: lines, width: width}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}

	maxHeight := 0
	for _, box := range boxes {
		if len(box.lines) > maxHeight {
			maxHeight = len(box.lines)
		}
	}

	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

func renderConnector(b *strings.Builder, boxCount int) {
	if boxCount == 0 {
		return
	}
	b.WriteString("       │\n")
	b.WriteString("       ▼\n")
}

func renderSubGraph(b *strings.Builder, model *DiagramModel, sg *SubGraph) {
	fmt.Fprintf(b, "\n--- %s ---\n", sg.Label)
	for _, id := range sg.NodeIDs {
		if node := model.Node(id); node != nil {
			fmt.Fprintf(b, "    %s\n", firstLine(node.Label))
		}
	}
}
