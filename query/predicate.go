// Package query translates a structured predicate tree into executable
// search plans over the multi-segment view. The predicate tree is this
// module's input: the surface query-language grammars that produce it are
// external collaborators.
package query

import "github.com/INLOpen/nexussearch/core"

// Operator is a comparison operator.
type Operator int

const (
	OpEqual Operator = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterOrEqual
	OpLessThan
	OpLessOrEqual
	OpLike
)

func (o Operator) String() string {
	switch o {
	case OpEqual:
		return "="
	case OpNotEqual:
		return "<>"
	case OpGreaterThan:
		return ">"
	case OpGreaterOrEqual:
		return ">="
	case OpLessThan:
		return "<"
	case OpLessOrEqual:
		return "<="
	case OpLike:
		return "LIKE"
	}
	return "?"
}

// Transform is an optional case-folding transform applied to a comparison
// operand. It is rewritten into the compiled term at translation time, not
// evaluated per document.
type Transform int

const (
	TransformNone Transform = iota
	TransformUpper
	TransformLower
)

// Operand is a comparison right-hand side: either a literal value or a
// reference to a bind variable resolved at translation time.
type Operand struct {
	Literal *core.Value
	BindVar string
}

// Constraint is the closed sum type of predicate variants. The translator
// switches exhaustively over these; adding a variant without a translation
// case is a compile-time visible gap in translateConstraint.
type Constraint interface {
	isConstraint()
}

// And matches documents satisfying every child constraint.
type And struct {
	Constraints []Constraint
}

// Or matches documents satisfying at least one child constraint.
type Or struct {
	Constraints []Constraint
}

// Not matches live documents of the selector not matched by the child.
type Not struct {
	Constraint Constraint
}

// Comparison compares a property against an operand.
type Comparison struct {
	Selector  string
	Property  string
	Transform Transform
	Operator  Operator
	Operand   Operand
}

// PropertyExistence matches documents carrying the property at all.
type PropertyExistence struct {
	Selector string
	Property string
}

// FullTextSearch matches the analyzed full-text expression against the
// node-level token stream, or a single property's stream when Property is
// set.
type FullTextSearch struct {
	Selector   string
	Property   string
	Expression string
}

// SameNode matches exactly the node at the given absolute path.
type SameNode struct {
	Selector string
	Path     string
}

// ChildNode matches direct children of the node at the given path.
type ChildNode struct {
	Selector string
	Path     string
}

// DescendantNode matches all descendants of the node at the given path.
type DescendantNode struct {
	Selector string
	Path     string
}

func (And) isConstraint()               {}
func (Or) isConstraint()                {}
func (Not) isConstraint()               {}
func (Comparison) isConstraint()        {}
func (PropertyExistence) isConstraint() {}
func (FullTextSearch) isConstraint()    {}
func (SameNode) isConstraint()          {}
func (ChildNode) isConstraint()         {}
func (DescendantNode) isConstraint()    {}

// Selector declares one queried node source with its type constraint.
type Selector struct {
	Name     string
	NodeType string
}

// JoinType selects inner or outer join semantics.
type JoinType int

const (
	JoinInner JoinType = iota
	JoinLeftOuter
	JoinRightOuter
)

// JoinConditionKind selects how two selector streams are matched.
type JoinConditionKind int

const (
	// JoinEqui matches rows whose property values are equal.
	JoinEqui JoinConditionKind = iota
	// JoinSameNode matches rows referring to the same node.
	JoinSameNode
	// JoinChildNode matches when Selector1's node is a child of
	// Selector2's node.
	JoinChildNode
	// JoinDescendantNode matches when Selector1's node is a descendant of
	// Selector2's node.
	JoinDescendantNode
)

// JoinCondition describes the match predicate between the two selectors.
type JoinCondition struct {
	Kind      JoinConditionKind
	Selector1 string
	Property1 string
	Selector2 string
	Property2 string
}

// Join combines the two declared selectors.
type Join struct {
	Type      JoinType
	Condition JoinCondition
}

// Ordering is one sort key. Property may be a relative path
// ("child/title"); keys not directly stored on the matched node fall back
// to a live item-state lookup at sort time.
type Ordering struct {
	Selector   string
	Property   string
	Descending bool
}

// Statement is the translated unit: selectors, an optional join, an
// optional root constraint, orderings, and the bind-variable map.
type Statement struct {
	Selectors     []Selector
	Join          *Join
	Constraint    Constraint
	Orderings     []Ordering
	BindVariables map[string]core.Value
}
