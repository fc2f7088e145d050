package models

// LogicOp combines multiple predicates.
type LogicOp string

const (
	LogicAnd LogicOp = "and"
	LogicOr  LogicOp = "or"
)

// Operator is a comparison applied by the condition evaluator.
type Operator string

const (
	OperatorEq       Operator = "eq"
	OperatorNe       Operator = "ne"
	OperatorGt       Operator = "gt"
	OperatorLt       Operator = "lt"
	OperatorGte      Operator = "gte"
	OperatorLte      Operator = "lte"
	OperatorContains Operator = "contains"
	OperatorExists   Operator = "exists"
	OperatorIn       Operator = "in"
	OperatorNotIn    Operator = "not_in"
)

// ValueType optionally declares how predicate operands should be cast before
// comparison. Casting failures leave the original value unchanged.
type ValueType string

const (
	ValueTypeString  ValueType = "string"
	ValueTypeNumber  ValueType = "number"
	ValueTypeBoolean ValueType = "boolean"
	ValueTypeDate    ValueType = "date"
	ValueTypeArray   ValueType = "array"
)

// Predicate compares a context field, addressed by dotted path, against a
// value. Exists needs no comparison value; every other operator does.
type Predicate struct {
	Field    string    `json:"field"    validate:"required"`
	Operator Operator  `json:"operator" validate:"required"`
	Value    any       `json:"value,omitempty"`
	Type     ValueType `json:"type,omitempty"`
}
