package condition

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// LogicOp combines child expressions.
type LogicOp string

const (
	LogicAnd LogicOp = "AND"
	LogicOr  LogicOp = "OR"
)

// Operator compares a resolved context field against the expression value.
type Operator string

const (
	OpGT       Operator = ">"
	OpLT       Operator = "<"
	OpGTE      Operator = ">="
	OpLTE      Operator = "<="
	OpEQ       Operator = "=="
	OpNEQ      Operator = "!="
	OpContains Operator = "contains"
	OpIn       Operator = "in"
)

func (o Operator) Valid() bool {
	switch o {
	case OpGT, OpLT, OpGTE, OpLTE, OpEQ, OpNEQ, OpContains, OpIn:
		return true
	default:
		return false
	}
}

// Expression is a boolean condition tree. A node is either a leaf
// (Field/Operator/Value) or a composite (Logic/Conditions); never both.
// Expressions are immutable once attached to a rule and are re-evaluated
// on every tick.
type Expression struct {
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`

	Logic      LogicOp       `json:"logic,omitempty"`
	Conditions []*Expression `json:"conditions,omitempty"`
}

// IsComposite reports whether the node combines children.
func (e *Expression) IsComposite() bool {
	return e != nil && e.Logic != ""
}

// Parse decodes and validates an expression document. Malformed trees are
// configuration errors and are rejected here, never at evaluation time.
func Parse(raw []byte) (*Expression, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("条件表达式为空")
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("条件表达式不是合法 JSON")
	}
	var expr Expression
	if err := json.Unmarshal(raw, &expr); err != nil {
		return nil, fmt.Errorf("解析条件表达式失败: %w", err)
	}
	if err := expr.Validate(); err != nil {
		return nil, err
	}
	return &expr, nil
}

// Validate checks the tree shape recursively.
func (e *Expression) Validate() error {
	if e == nil {
		return fmt.Errorf("条件表达式节点为 nil")
	}
	if e.Logic != "" {
		if e.Logic != LogicAnd && e.Logic != LogicOr {
			return fmt.Errorf("未知逻辑操作符: %q", e.Logic)
		}
		if e.Field != "" || e.Operator != "" {
			return fmt.Errorf("复合节点不允许携带 field/operator")
		}
		for i, child := range e.Conditions {
			if err := child.Validate(); err != nil {
				return fmt.Errorf("子条件#%d: %w", i+1, err)
			}
		}
		return nil
	}
	if strings.TrimSpace(e.Field) == "" {
		return fmt.Errorf("叶子节点缺少 field")
	}
	if !e.Operator.Valid() {
		return fmt.Errorf("未知比较操作符: %q", e.Operator)
	}
	if e.Operator == OpIn {
		if _, ok := e.Value.([]any); !ok {
			return fmt.Errorf("in 操作符的 value 必须是数组 (field=%s)", e.Field)
		}
	}
	return nil
}

// String renders a compact human-readable form used in trigger reasons.
func (e *Expression) String() string {
	if e == nil {
		return ""
	}
	if e.IsComposite() {
		parts := make([]string, 0, len(e.Conditions))
		for _, c := range e.Conditions {
			parts = append(parts, c.String())
		}
		return "(" + strings.Join(parts, " "+string(e.Logic)+" ") + ")"
	}
	return fmt.Sprintf("%s %s %v", e.Field, e.Operator, e.Value)
}
