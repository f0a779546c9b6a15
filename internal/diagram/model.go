package diagram

import "github.com/conveyorhq/conveyor/pkg/schema"

// NodeKind classifies a diagram node by its flow action kind.
type NodeKind string

const (
	NodeKindCode   NodeKind = "code"
	NodeKindBranch NodeKind = "branch"
	NodeKindLoop   NodeKind = "loop"
	NodeKindPiece  NodeKind = "piece"
	NodeKindStart  NodeKind = "start"
	NodeKindEnd    NodeKind = "end"
)

// Node is a single action in the diagram. Status is the recorded step
// status of the action within a run; empty for a bare flow diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status schema.StepStatus
}

// Edge is a directed connection between two nodes. Branch sides and loop
// bodies carry a label naming the path taken.
type Edge struct {
	From  string
	To    string
	Label string
}

// Model is the intermediate representation handed to the renderer.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}
