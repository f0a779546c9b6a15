package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// executeBranch evaluates the action's condition groups and walks the
// selected owned sub-chain. The branch records its own output before
// entering the sub-chain, so a later resume can follow the side taken.
func (it *Interpreter) executeBranch(ctx context.Context, action *schema.Action, rc *expressions.RunContext, ws *walkState) (*dispatchResult, error) {
	settings := action.Branch
	if settings == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidAction,
			"branch action %q has no settings", action.Name).WithAction(action.Name)
	}

	start := time.Now()
	scope := rc.Scope()
	matched, err := it.evaluateGroups(ctx, settings.ConditionGroups, scope)
	if err != nil {
		return nil, err
	}

	side := "on_failure"
	sub := settings.OnFailureAction
	if matched {
		side = "on_success"
		sub = settings.OnSuccessAction
	}

	output := map[string]any{"condition_matched": matched, "branch": side}
	if rerr := rc.RecordStepOutput(action.Name, schema.StepOutput{
		Status:     schema.StepStatusCompleted,
		Output:     output,
		DurationMs: time.Since(start).Milliseconds(),
	}); rerr != nil {
		return nil, rerr
	}
	it.reportStep(ctx, ws, action.Name, schema.StepStatusCompleted, time.Since(start).Milliseconds())

	if sub != nil {
		pause, ferr := it.executeChain(ctx, sub, rc, ws)
		if ferr != nil {
			return nil, &chainFailure{fe: ferr}
		}
		if pause != nil {
			return &dispatchResult{pause: pause, recorded: true}, nil
		}
	}

	return &dispatchResult{output: output, recorded: true}, nil
}

// evaluateGroups combines condition groups by OR and conditions within a
// group by AND, left to right with short-circuit. No groups means the
// success side unconditionally.
func (it *Interpreter) evaluateGroups(ctx context.Context, groups [][]schema.Condition, scope *expressions.Scope) (bool, error) {
	if len(groups) == 0 {
		return true, nil
	}

	for _, group := range groups {
		groupMatched := true
		for _, cond := range group {
			ok, err := it.evaluateCondition(ctx, cond, scope)
			if err != nil {
				return false, err
			}
			if !ok {
				groupMatched = false
				break
			}
		}
		if groupMatched {
			return true, nil
		}
	}
	return false, nil
}

// evaluateCondition resolves both operands through the Variable Resolver
// and applies one operator from the closed set.
func (it *Interpreter) evaluateCondition(ctx context.Context, cond schema.Condition, scope *expressions.Scope) (bool, error) {
	first, err := it.resolver.ResolveString(ctx, cond.FirstValue, scope)
	if err != nil {
		return false, err
	}

	// Existence checks look only at the first operand.
	switch cond.Operator {
	case schema.OpExists:
		return exists(first), nil
	case schema.OpDoesNotExist:
		return !exists(first), nil
	case schema.OpBooleanIsTrue:
		return asBool(first), nil
	case schema.OpBooleanIsFalse:
		return !asBool(first), nil
	}

	second, err := it.resolver.ResolveString(ctx, cond.SecondValue, scope)
	if err != nil {
		return false, err
	}

	switch cond.Operator {
	case schema.OpTextContains, schema.OpTextDoesNotContain,
		schema.OpTextExactlyMatches, schema.OpTextStartsWith, schema.OpTextEndsWith:
		return evaluateText(cond.Operator, asText(first), asText(second), cond.CaseSensitive), nil

	case schema.OpNumberGreaterThan, schema.OpNumberLessThan:
		a, aok := asNumber(first)
		b, bok := asNumber(second)
		if !aok || !bok {
			return false, nil
		}
		if cond.Operator == schema.OpNumberGreaterThan {
			return a > b, nil
		}
		return a < b, nil

	default:
		return false, schema.NewErrorf(schema.ErrCodeInvalidAction,
			"unknown condition operator %q", string(cond.Operator))
	}
}

func evaluateText(op schema.ConditionOperator, first, second string, caseSensitive bool) bool {
	if !caseSensitive {
		first = strings.ToLower(first)
		second = strings.ToLower(second)
	}
	switch op {
	case schema.OpTextContains:
		return strings.Contains(first, second)
	case schema.OpTextDoesNotContain:
		return !strings.Contains(first, second)
	case schema.OpTextExactlyMatches:
		return first == second
	case schema.OpTextStartsWith:
		return strings.HasPrefix(first, second)
	case schema.OpTextEndsWith:
		return strings.HasSuffix(first, second)
	}
	return false
}

// exists treats null and missing alike; empty strings do not exist.
func exists(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	default:
		return true
	}
}

func asBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.EqualFold(val, "true")
	default:
		return false
	}
}

func asText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return stringifyOperand(val)
	}
}

func stringifyOperand(v any) string {
	switch val := v.(type) {
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}

// asNumber coerces the way JSON numbers arrive: float64 natively,
// strings parsed as floats.
func asNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
