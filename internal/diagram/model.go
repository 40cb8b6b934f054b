package diagram

// NodeShape is the Mermaid flowchart shape a node was declared with.
type NodeShape string

const (
	ShapeRect       NodeShape = "rect"       // A[x]
	ShapeRound      NodeShape = "round"      // A(x)
	ShapeStadium    NodeShape = "stadium"    // A([x])
	ShapeSubroutine NodeShape = "subroutine" // A[[x]]
	ShapeCircle     NodeShape = "circle"     // A((x))
	ShapeDiamond    NodeShape = "diamond"    // A{x}
	ShapeHexagon    NodeShape = "hexagon"    // A{{x}}
)

// Direction is the flowchart layout direction.
type Direction string

const (
	DirectionTB Direction = "TB"
	DirectionBT Direction = "BT"
	DirectionLR Direction = "LR"
	DirectionRL Direction = "RL"
)

// EdgeStyle is the link type between two nodes.
type EdgeStyle string

const (
	EdgeArrow  EdgeStyle = "arrow"  // -->
	EdgeOpen   EdgeStyle = "open"   // ---
	EdgeDotted EdgeStyle = "dotted" // -.->
	EdgeThick  EdgeStyle = "thick"  // ==>
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes keep declaration order; a node referenced only by an edge is
// declared on first use with its id as label.
type DiagramModel struct {
	Title     string
	Direction Direction
	Nodes     []*Node
	Edges     []Edge
	SubGraphs []*SubGraph
}

// Node is a single flowchart vertex.
type Node struct {
	ID    string
	Label string
	Shape NodeShape
}

// SubGraph groups nodes into a labelled cluster.
type SubGraph struct {
	ID      string
	Label   string
	NodeIDs []string
}

// Edge is a link between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
	Style EdgeStyle
}

// Node returns the node with the given id, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
