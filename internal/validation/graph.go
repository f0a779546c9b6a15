package validation

import (
	"fmt"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// validateGraph walks the action tree and enforces what JSON Schema cannot
// express: unique action names, exclusive chain ownership, settings matching
// the declared kind, operator membership, and known piece names.
func validateGraph(fv *schema.FlowVersion, pieces PieceLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if fv.Root == nil {
		return result
	}

	w := &graphWalker{
		names:   make(map[string]string),
		visited: make(map[*schema.Action]string),
		pieces:  pieces,
		result:  result,
	}
	w.walkChain(fv.Root, "root")
	return result
}

type graphWalker struct {
	names   map[string]string         // action name -> path of first occurrence
	visited map[*schema.Action]string // pointer identity -> owning path
	pieces  PieceLookup
	result  *schema.ValidationResult
}

func (w *graphWalker) walkChain(first *schema.Action, path string) {
	for a, i := first, 0; a != nil; a, i = a.Next, i+1 {
		w.walkAction(a, fmt.Sprintf("%s[%d]", path, i))
	}
}

func (w *graphWalker) walkAction(a *schema.Action, path string) {
	// Exclusive ownership: the same node reachable from two chains means
	// the graph aliases a sub-chain (or worse, cycles).
	if prev, seen := w.visited[a]; seen {
		w.result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("action %q already owned by chain at %s", a.Name, prev))
		return
	}
	w.visited[a] = path

	if prev, dup := w.names[a.Name]; dup {
		w.result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("duplicate action name %q (first used at %s)", a.Name, prev))
	} else {
		w.names[a.Name] = path
	}

	switch a.Kind {
	case schema.ActionKindCode:
		w.checkCode(a, path)
	case schema.ActionKindBranch:
		w.checkBranch(a, path)
	case schema.ActionKindLoop:
		w.checkLoop(a, path)
	case schema.ActionKindPiece:
		w.checkPiece(a, path)
	default:
		w.result.AddError(path+".kind", schema.ErrCodeInvalidAction,
			fmt.Sprintf("unknown action kind %q", a.Kind))
	}
}

func (w *graphWalker) checkCode(a *schema.Action, path string) {
	if a.Code == nil {
		w.result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("CODE action %q has no code settings", a.Name))
		return
	}
	switch a.Code.Runtime {
	case "", schema.CodeRuntimeJS, schema.CodeRuntimeExpr, schema.CodeRuntimeCEL, schema.CodeRuntimeJQ:
	default:
		w.result.AddError(path+".code.runtime", schema.ErrCodeValidation,
			fmt.Sprintf("unknown code runtime %q", a.Code.Runtime))
	}
}

func (w *graphWalker) checkBranch(a *schema.Action, path string) {
	if a.Branch == nil {
		w.result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("BRANCH action %q has no branch settings", a.Name))
		return
	}
	for gi, group := range a.Branch.ConditionGroups {
		for ci, cond := range group {
			if !validOperator(cond.Operator) {
				w.result.AddError(
					fmt.Sprintf("%s.branch.conditionGroups[%d][%d].operator", path, gi, ci),
					schema.ErrCodeValidation,
					fmt.Sprintf("unknown condition operator %q", cond.Operator))
			}
		}
	}
	if a.Branch.OnSuccessAction != nil {
		w.walkChain(a.Branch.OnSuccessAction, path+".branch.onSuccess")
	}
	if a.Branch.OnFailureAction != nil {
		w.walkChain(a.Branch.OnFailureAction, path+".branch.onFailure")
	}
}

func (w *graphWalker) checkLoop(a *schema.Action, path string) {
	if a.Loop == nil {
		w.result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("LOOP_ON_ITEMS action %q has no loop settings", a.Name))
		return
	}
	if a.Loop.Items == "" {
		w.result.AddError(path+".loop.items", schema.ErrCodeValidation,
			fmt.Sprintf("loop %q has empty items expression", a.Name))
	}
	if a.Loop.FirstLoopAction != nil {
		w.walkChain(a.Loop.FirstLoopAction, path+".loop.body")
	}
}

func (w *graphWalker) checkPiece(a *schema.Action, path string) {
	if a.Piece == nil {
		w.result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("PIECE action %q has no piece settings", a.Name))
		return
	}
	if w.pieces != nil && !w.pieces.Has(a.Piece.PieceName) {
		w.result.AddError(path+".piece.pieceName", schema.ErrCodePieceUnavailable,
			fmt.Sprintf("piece %q not registered", a.Piece.PieceName))
	}
}

func validOperator(op schema.ConditionOperator) bool {
	for _, known := range schema.ConditionOperators {
		if op == known {
			return true
		}
	}
	return false
}
