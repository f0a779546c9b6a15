package diagram

import "github.com/conveyorhq/conveyor/pkg/schema"

const (
	startNodeID = "__start__"
	endNodeID   = "__end__"
)

// Build converts a flow graph into a diagram model. steps overlays the
// recorded step status of a run onto the nodes; pass nil for a bare flow
// diagram.
func Build(flow *schema.FlowVersion, steps map[string]schema.StepStatus) *Model {
	b := &builder{
		model: &Model{Title: flowTitle(flow)},
		steps: steps,
	}

	b.node(startNodeID, "start", NodeKindStart, "")
	tails := b.walkChain(flow.Root, []string{startNodeID}, "")
	b.node(endNodeID, "end", NodeKindEnd, "")
	for _, tail := range tails {
		b.edge(tail, endNodeID, "")
	}
	return b.model
}

type builder struct {
	model *Model
	steps map[string]schema.StepStatus
}

// walkChain adds one owned chain to the model. from holds the node IDs
// that flow into the chain's first action; the return value holds the
// IDs that flow out of its last one.
func (b *builder) walkChain(action *schema.Action, from []string, label string) []string {
	for action != nil {
		b.actionNode(action)
		for _, f := range from {
			b.edge(f, action.Name, label)
		}
		label = ""

		switch {
		case action.Kind == schema.ActionKindBranch && action.Branch != nil:
			var tails []string
			if sub := action.Branch.OnSuccessAction; sub != nil {
				tails = append(tails, b.walkChain(sub, []string{action.Name}, "true")...)
			} else {
				tails = append(tails, action.Name)
			}
			if sub := action.Branch.OnFailureAction; sub != nil {
				tails = append(tails, b.walkChain(sub, []string{action.Name}, "false")...)
			} else if action.Branch.OnSuccessAction != nil {
				tails = append(tails, action.Name)
			}
			from = tails

		case action.Kind == schema.ActionKindLoop && action.Loop != nil && action.Loop.FirstLoopAction != nil:
			tails := b.walkChain(action.Loop.FirstLoopAction, []string{action.Name}, "each item")
			for _, tail := range tails {
				b.edge(tail, action.Name, "next item")
			}
			from = []string{action.Name}

		default:
			from = []string{action.Name}
		}

		action = action.Next
	}
	return from
}

func (b *builder) actionNode(action *schema.Action) {
	label := action.DisplayName
	if label == "" {
		label = action.Name
	}
	b.node(action.Name, label, kindFor(action.Kind), b.steps[action.Name])
}

func (b *builder) node(id, label string, kind NodeKind, status schema.StepStatus) {
	b.model.Nodes = append(b.model.Nodes, &Node{ID: id, Label: label, Kind: kind, Status: status})
}

func (b *builder) edge(from, to, label string) {
	b.model.Edges = append(b.model.Edges, Edge{From: from, To: to, Label: label})
}

func kindFor(kind schema.ActionKind) NodeKind {
	switch kind {
	case schema.ActionKindBranch:
		return NodeKindBranch
	case schema.ActionKindLoop:
		return NodeKindLoop
	case schema.ActionKindPiece:
		return NodeKindPiece
	default:
		return NodeKindCode
	}
}

func flowTitle(flow *schema.FlowVersion) string {
	if flow.DisplayName != "" {
		return flow.DisplayName
	}
	return flow.FlowID
}
