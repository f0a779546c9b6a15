package schema

import "encoding/json"

// ActionKind enumerates the four node kinds of a flow graph.
// The interpreter dispatches on this closed set; the validator rejects
// anything outside it before a run is accepted.
type ActionKind string

const (
	ActionKindCode  ActionKind = "CODE"
	ActionKindBranch ActionKind = "BRANCH"
	ActionKindLoop   ActionKind = "LOOP_ON_ITEMS"
	ActionKindPiece  ActionKind = "PIECE"
)

// ActionKinds lists every valid kind, in dispatch order.
var ActionKinds = []ActionKind{ActionKindCode, ActionKindBranch, ActionKindLoop, ActionKindPiece}

// Action is one node in a flow graph. An action exclusively owns its
// successor chain (Next) and, for branch/loop kinds, its sub-chains;
// no sharing, no cycles in a valid flow.
type Action struct {
	Name          string                `json:"name"`
	DisplayName   string                `json:"displayName,omitempty"`
	Kind          ActionKind            `json:"kind"`
	Valid         bool                  `json:"valid"`
	Code          *CodeSettings         `json:"code,omitempty"`
	Branch        *BranchSettings       `json:"branch,omitempty"`
	Loop          *LoopSettings         `json:"loop,omitempty"`
	Piece         *PieceSettings        `json:"piece,omitempty"`
	ErrorHandling *ErrorHandlingOptions `json:"errorHandling,omitempty"`
	Next          *Action               `json:"next,omitempty"`
}

// CodeSettings configures a CODE action: an embedded script evaluated
// against its resolved input under one of the supported runtimes.
type CodeSettings struct {
	Runtime CodeRuntime    `json:"runtime,omitempty"` // default: js
	Source  string         `json:"source"`
	Input   map[string]any `json:"input,omitempty"`
}

// CodeRuntime selects the evaluation engine for a code action.
type CodeRuntime string

const (
	CodeRuntimeJS   CodeRuntime = "js"
	CodeRuntimeExpr CodeRuntime = "expr"
	CodeRuntimeCEL  CodeRuntime = "cel"
	CodeRuntimeJQ   CodeRuntime = "jq"
)

// BranchSettings configures a BRANCH action. Condition groups combine by
// OR; conditions within a group combine by AND, evaluated left to right
// with short-circuit. The action owns both sub-chains exclusively.
type BranchSettings struct {
	ConditionGroups [][]Condition `json:"conditionGroups"`
	OnSuccessAction *Action       `json:"onSuccessAction,omitempty"`
	OnFailureAction *Action       `json:"onFailureAction,omitempty"`
}

// Condition is a single comparison over the closed operator set. Both
// operands pass through the variable resolver before evaluation.
type Condition struct {
	Operator    ConditionOperator `json:"operator"`
	FirstValue  string            `json:"firstValue"`
	SecondValue string            `json:"secondValue,omitempty"`
	CaseSensitive bool            `json:"caseSensitive,omitempty"`
}

// ConditionOperator is the explicitly enumerated comparison set. There is
// deliberately no general expression escape hatch here.
type ConditionOperator string

const (
	OpTextContains       ConditionOperator = "TEXT_CONTAINS"
	OpTextDoesNotContain ConditionOperator = "TEXT_DOES_NOT_CONTAIN"
	OpTextExactlyMatches ConditionOperator = "TEXT_EXACTLY_MATCHES"
	OpTextStartsWith     ConditionOperator = "TEXT_STARTS_WITH"
	OpTextEndsWith       ConditionOperator = "TEXT_ENDS_WITH"
	OpNumberGreaterThan  ConditionOperator = "NUMBER_IS_GREATER_THAN"
	OpNumberLessThan     ConditionOperator = "NUMBER_IS_LESS_THAN"
	OpBooleanIsTrue      ConditionOperator = "BOOLEAN_IS_TRUE"
	OpBooleanIsFalse     ConditionOperator = "BOOLEAN_IS_FALSE"
	OpExists             ConditionOperator = "EXISTS"
	OpDoesNotExist       ConditionOperator = "DOES_NOT_EXIST"
)

// ConditionOperators lists every valid operator for validation.
var ConditionOperators = []ConditionOperator{
	OpTextContains, OpTextDoesNotContain, OpTextExactlyMatches,
	OpTextStartsWith, OpTextEndsWith,
	OpNumberGreaterThan, OpNumberLessThan,
	OpBooleanIsTrue, OpBooleanIsFalse,
	OpExists, OpDoesNotExist,
}

// LoopSettings configures a LOOP_ON_ITEMS action: Items resolves to an
// ordered sequence; FirstLoopAction is the owned body chain executed once
// per item in an iteration-scoped context.
type LoopSettings struct {
	Items           string  `json:"items"`
	FirstLoopAction *Action `json:"firstLoopAction,omitempty"`
}

// PieceSettings configures a PIECE action: an invocation of a named action
// on an external capability provider.
type PieceSettings struct {
	PieceName    string         `json:"pieceName"`
	PieceVersion string         `json:"pieceVersion,omitempty"`
	ActionName   string         `json:"actionName"`
	Input        map[string]any `json:"input,omitempty"`
}

// ErrorHandlingOptions governs failure policy for a single action.
// The two flags are independent and may combine: retry until exhausted,
// then continue rather than fail the run.
type ErrorHandlingOptions struct {
	ContinueOnFailure bool `json:"continueOnFailure,omitempty"`
	RetryOnFailure    bool `json:"retryOnFailure,omitempty"`
}

// RetryPolicy is the run-scoped retry configuration applied to actions
// that opt in via RetryOnFailure. The delay before attempt n (1-based)
// is RetryInterval * RetryExponential^(n-1).
type RetryPolicy struct {
	MaxAttempts      int     `json:"maxAttempts"`
	RetryExponential float64 `json:"retryExponential,omitempty"`
	RetryInterval    string  `json:"retryInterval,omitempty"` // e.g. "500ms", "2s"
}

// FlowVersionState is the lifecycle state of a flow version. Draft
// versions resolve pieces at their latest compatible version; locked
// versions pin exact versions.
type FlowVersionState string

const (
	FlowVersionStateDraft  FlowVersionState = "DRAFT"
	FlowVersionStateLocked FlowVersionState = "LOCKED"
)

// FlowVersion is the persisted, user-authored automation graph the engine
// interprets. Root is the first action of the main chain.
type FlowVersion struct {
	ID          string           `json:"id"`
	FlowID      string           `json:"flowId"`
	DisplayName string           `json:"displayName,omitempty"`
	State       FlowVersionState `json:"state"`
	Root        *Action          `json:"root,omitempty"`
}

// StepOutput is one recorded entry of the run context: the resolved
// output and status of a single executed action. Once written under an
// action name it is never overwritten within the same run.
type StepOutput struct {
	Status       StepStatus `json:"status"`
	Output       any        `json:"output,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	DurationMs   int64      `json:"durationMs,omitempty"`
}

// Errored reports whether the step recorded a failure, including failures
// converted to continues by continue-on-failure policy.
func (s StepOutput) Errored() bool {
	return s.ErrorMessage != "" || s.Status == StepStatusFailed
}

// ParseFlowVersion decodes a flow version document.
func ParseFlowVersion(raw []byte) (*FlowVersion, error) {
	var fv FlowVersion
	if err := json.Unmarshal(raw, &fv); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "parse flow version: %s", err.Error()).WithCause(err)
	}
	return &fv, nil
}
