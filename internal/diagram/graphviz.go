package diagram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ErrEngineClosed is returned by renders on a closed engine.
var ErrEngineClosed = errors.New("diagram: engine closed")

// RenderSVG lays out the model with dot and returns the SVG document.
// The underlying graphviz instance is not safe for concurrent use; renders
// on one engine run one at a time.
func (e *Engine) RenderSVG(ctx context.Context, model *DiagramModel) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	graph, err := e.gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(rankDir(model.Direction))
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(dotLabel(node.Label))
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	// Clusters re-declare existing nodes by name, which moves them into
	// the subgraph.
	for _, sg := range model.SubGraphs {
		sub, subErr := graph.CreateSubGraphByName("cluster_" + sg.ID)
		if subErr != nil {
			return nil, fmt.Errorf("diagram: create subgraph %s: %w", sg.ID, subErr)
		}
		sub.SetLabel(dotLabel(sg.Label))
		sub.SetStyle(cgraph.DashedGraphStyle)
		for _, id := range sg.NodeIDs {
			if _, nErr := sub.CreateNodeByName(id); nErr != nil {
				return nil, fmt.Errorf("diagram: place node %s in %s: %w", id, sg.ID, nErr)
			}
		}
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		gvEdge, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, eErr)
		}
		if edge.Label != "" {
			gvEdge.SetLabel(dotLabel(edge.Label))
		}
		applyEdgeStyle(gvEdge, edge.Style)
	}

	var buf bytes.Buffer
	if err := e.gv.Render(ctx, graph, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render SVG: %w", err)
	}
	return buf.Bytes(), nil
}

func rankDir(d Direction) cgraph.RankDir {
	switch d {
	case DirectionLR:
		return cgraph.LRRank
	case DirectionRL:
		return cgraph.RLRank
	case DirectionBT:
		return cgraph.BTRank
	default:
		return cgraph.TBRank
	}
}

// dotLabel turns real newlines into dot's line-break escape.
func dotLabel(s string) string {
	return strings.ReplaceAll(s, "\n", `\n`)
}

// applyNodeStyle maps the Mermaid shape onto the closest dot shape.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Shape {
	case ShapeDiamond:
		gvNode.SetShape(cgraph.DiamondShape)
	case ShapeHexagon:
		gvNode.SetShape(cgraph.HexagonShape)
	case ShapeCircle:
		gvNode.SetShape(cgraph.CircleShape)
	case ShapeStadium:
		gvNode.SetShape(cgraph.EllipseShape)
	case ShapeRound:
		gvNode.SetShape(cgraph.BoxShape)
		gvNode.SetStyle(cgraph.RoundedNodeStyle)
	default: // rect, subroutine
		gvNode.SetShape(cgraph.BoxShape)
	}
}

func applyEdgeStyle(gvEdge *cgraph.Edge, style EdgeStyle) {
	switch style {
	case EdgeOpen:
		gvEdge.SetArrowHead(cgraph.NoneArrow)
	case EdgeDotted:
		gvEdge.SetStyle(cgraph.DottedEdgeStyle)
	case EdgeThick:
		gvEdge.SetStyle(cgraph.BoldEdgeStyle)
	}
}
