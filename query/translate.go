package query

import (
	"strings"

	"github.com/INLOpen/nexussearch/analysis"
	"github.com/INLOpen/nexussearch/core"
)

// PathResolver resolves absolute hierarchy paths to node identities.
// Path-based constraints are translated against the authoritative store,
// not the index, so a stale index cannot redirect a path constraint.
type PathResolver interface {
	ResolvePath(path string) (string, error)
}

// Query is a translated statement: one executable plan per selector, ready
// to run against a view snapshot.
type Query struct {
	Selectors []Selector
	Join      *Join
	Plans     map[string]Plan
	Orderings []Ordering
}

// PrimarySelector returns the selector whose identities form the result
// column of a non-join query.
func (q *Query) PrimarySelector() string {
	return q.Selectors[0].Name
}

// Translator compiles statements into executable plans. Node-type
// expansion, bind-variable resolution, case-transform rewriting, and
// full-text analysis all happen here, once per query, never per document.
type Translator struct {
	Types    *NodeTypeRegistry
	Analyzer analysis.Analyzer
	Synonyms analysis.SynonymProvider
	Resolver PathResolver
}

// NewTranslator wires a translator. Types and Resolver may be nil when the
// deployment has no registry or no path constraints.
func NewTranslator(types *NodeTypeRegistry, analyzer analysis.Analyzer, synonyms analysis.SynonymProvider, resolver PathResolver) *Translator {
	if analyzer == nil {
		analyzer = analysis.NewStandardAnalyzer()
	}
	return &Translator{Types: types, Analyzer: analyzer, Synonyms: synonyms, Resolver: resolver}
}

// Translate compiles the statement. All malformed-statement conditions
// surface as core.InvalidQueryError.
func (t *Translator) Translate(stmt *Statement) (*Query, error) {
	switch {
	case len(stmt.Selectors) == 0:
		return nil, core.Invalidf("statement declares no selectors")
	case len(stmt.Selectors) > 2:
		return nil, core.Invalidf("at most two selectors are supported, got %d", len(stmt.Selectors))
	case len(stmt.Selectors) == 2 && stmt.Join == nil:
		return nil, core.Invalidf("two selectors require a join")
	case len(stmt.Selectors) == 1 && stmt.Join != nil:
		return nil, core.Invalidf("a join requires two selectors")
	}
	names := make(map[string]bool, len(stmt.Selectors))
	for _, sel := range stmt.Selectors {
		if sel.Name == "" {
			return nil, core.Invalidf("selector has no name")
		}
		if names[sel.Name] {
			return nil, core.Invalidf("duplicate selector name %q", sel.Name)
		}
		names[sel.Name] = true
	}
	for _, o := range stmt.Orderings {
		if o.Selector != "" && !names[o.Selector] {
			return nil, core.Invalidf("ordering references unknown selector %q", o.Selector)
		}
	}
	if stmt.Join != nil {
		c := stmt.Join.Condition
		if !names[c.Selector1] || !names[c.Selector2] {
			return nil, core.Invalidf("join condition references an undeclared selector")
		}
	}

	perSelector, err := splitConstraint(stmt.Constraint, names)
	if err != nil {
		return nil, err
	}

	q := &Query{
		Selectors: stmt.Selectors,
		Join:      stmt.Join,
		Plans:     make(map[string]Plan, len(stmt.Selectors)),
		Orderings: stmt.Orderings,
	}
	for _, sel := range stmt.Selectors {
		var children []Plan
		if p := t.typePlan(sel.NodeType); p != nil {
			children = append(children, p)
		}
		for _, c := range perSelector[sel.Name] {
			p, err := t.translateConstraint(c, stmt.BindVariables)
			if err != nil {
				return nil, err
			}
			children = append(children, p)
		}
		switch len(children) {
		case 0:
			q.Plans[sel.Name] = matchAllPlan{}
		case 1:
			q.Plans[sel.Name] = children[0]
		default:
			q.Plans[sel.Name] = andPlan{children: children}
		}
	}
	return q, nil
}

// typePlan expands a selector's node type into the disjunction of the type
// and its registered subtypes. BaseType matches everything and compiles to
// no constraint at all.
func (t *Translator) typePlan(nodeType string) Plan {
	if nodeType == "" || nodeType == BaseType {
		return nil
	}
	types := []string{nodeType}
	if t.Types != nil {
		types = t.Types.SubTypes(nodeType)
	}
	if len(types) == 1 {
		return termPlan{field: core.FieldType, term: types[0]}
	}
	children := make([]Plan, len(types))
	for i, typ := range types {
		children[i] = termPlan{field: core.FieldType, term: typ}
	}
	return orPlan{children: children}
}

// splitConstraint assigns constraints to selectors. A single-selector
// statement keeps the whole tree; a joined statement must keep each
// top-level conjunct on one selector, since cross-selector disjunctions
// have no per-column plan.
func splitConstraint(c Constraint, selectors map[string]bool) (map[string][]Constraint, error) {
	out := make(map[string][]Constraint)
	if c == nil {
		return out, nil
	}
	var conjuncts []Constraint
	if and, ok := c.(And); ok {
		conjuncts = and.Constraints
	} else {
		conjuncts = []Constraint{c}
	}
	for _, conjunct := range conjuncts {
		refs := make(map[string]bool)
		collectSelectors(conjunct, refs)
		var owner string
		for name := range refs {
			if name != "" && !selectors[name] {
				return nil, core.Invalidf("constraint references unknown selector %q", name)
			}
			if owner == "" {
				owner = name
			} else if name != "" && name != owner {
				return nil, core.Invalidf("constraint mixes selectors %q and %q outside the top-level conjunction", owner, name)
			}
		}
		if owner == "" {
			// No explicit selector; the single-selector shorthand.
			if len(selectors) > 1 {
				return nil, core.Invalidf("constraint names no selector in a joined statement")
			}
			for name := range selectors {
				owner = name
			}
		}
		out[owner] = append(out[owner], conjunct)
	}
	return out, nil
}

func collectSelectors(c Constraint, refs map[string]bool) {
	switch v := c.(type) {
	case And:
		for _, child := range v.Constraints {
			collectSelectors(child, refs)
		}
	case Or:
		for _, child := range v.Constraints {
			collectSelectors(child, refs)
		}
	case Not:
		collectSelectors(v.Constraint, refs)
	case Comparison:
		refs[v.Selector] = true
	case PropertyExistence:
		refs[v.Selector] = true
	case FullTextSearch:
		refs[v.Selector] = true
	case SameNode:
		refs[v.Selector] = true
	case ChildNode:
		refs[v.Selector] = true
	case DescendantNode:
		refs[v.Selector] = true
	}
}

func (t *Translator) translateConstraint(c Constraint, binds map[string]core.Value) (Plan, error) {
	switch v := c.(type) {
	case And:
		children, err := t.translateAll(v.Constraints, binds)
		if err != nil {
			return nil, err
		}
		return andPlan{children: children}, nil
	case Or:
		children, err := t.translateAll(v.Constraints, binds)
		if err != nil {
			return nil, err
		}
		return orPlan{children: children}, nil
	case Not:
		child, err := t.translateConstraint(v.Constraint, binds)
		if err != nil {
			return nil, err
		}
		return notPlan{child: child}, nil
	case Comparison:
		return t.translateComparison(v, binds)
	case PropertyExistence:
		if v.Property == "" {
			return nil, core.Invalidf("property existence constraint has no property")
		}
		return termPlan{field: core.FieldPropNames, term: v.Property}, nil
	case FullTextSearch:
		return t.translateFullText(v)
	case SameNode:
		id, ok := t.resolvePath(v.Path)
		if !ok {
			return emptyPlan{}, nil
		}
		return identityPlan{id: id}, nil
	case ChildNode:
		id, ok := t.resolvePath(v.Path)
		if !ok {
			return emptyPlan{}, nil
		}
		return childrenPlan{parentID: id}, nil
	case DescendantNode:
		id, ok := t.resolvePath(v.Path)
		if !ok {
			return emptyPlan{}, nil
		}
		return descendantsPlan{ancestorID: id}, nil
	default:
		return nil, core.Invalidf("unsupported constraint type %T", c)
	}
}

func (t *Translator) translateAll(cs []Constraint, binds map[string]core.Value) ([]Plan, error) {
	plans := make([]Plan, len(cs))
	for i, c := range cs {
		p, err := t.translateConstraint(c, binds)
		if err != nil {
			return nil, err
		}
		plans[i] = p
	}
	return plans, nil
}

// resolvePath resolves a path constraint. A path that denotes no existing
// node is not an error: the constraint simply matches nothing.
func (t *Translator) resolvePath(path string) (string, bool) {
	if t.Resolver == nil {
		return "", false
	}
	id, err := t.Resolver.ResolvePath(path)
	if err != nil {
		return "", false
	}
	return id, true
}

func (t *Translator) translateComparison(c Comparison, binds map[string]core.Value) (Plan, error) {
	if c.Property == "" {
		return nil, core.Invalidf("comparison has no property")
	}
	value, err := resolveOperand(c.Operand, binds)
	if err != nil {
		return nil, err
	}

	field := core.FieldProperties
	if c.Transform != TransformNone {
		if value.Type != core.ValueString && value.Type != core.ValueName {
			return nil, core.Invalidf("case transform on non-string operand for property %s", c.Property)
		}
		// A folded comparison can only match when the operand itself is
		// already in the transform's case.
		switch c.Transform {
		case TransformUpper:
			if value.Raw != strings.ToUpper(value.Raw) {
				return emptyPlan{}, nil
			}
		case TransformLower:
			if value.Raw != strings.ToLower(value.Raw) {
				return emptyPlan{}, nil
			}
		}
		value.Raw = strings.ToLower(value.Raw)
		field = core.FieldPropertiesFold
	}

	if c.Operator == OpLike {
		if value.Type != core.ValueString && value.Type != core.ValueName {
			return nil, core.Invalidf("LIKE requires a string operand for property %s", c.Property)
		}
		if value.Raw == "%" {
			// Matches any value, so only existence remains.
			return termPlan{field: core.FieldPropNames, term: c.Property}, nil
		}
		prefix, pattern, err := compileLike(value.Raw)
		if err != nil {
			return nil, err
		}
		return wildcardPlan{field: field, property: c.Property, prefix: prefix, pattern: pattern}, nil
	}

	encoded, err := core.EncodeValue(value)
	if err != nil {
		return nil, core.Invalidf("cannot encode operand for property %s: %v", c.Property, err)
	}
	term := core.PropertyTerm(c.Property, encoded)
	loBound, hiBound := core.PropertyTermBounds(c.Property)

	switch c.Operator {
	case OpEqual:
		return termPlan{field: field, term: term}, nil
	case OpNotEqual:
		// Two disjoint open ranges around the operand. Documents without
		// the property do not match, same as every other comparison.
		return orPlan{children: []Plan{
			rangePlan{field: field, lo: loBound, hi: term, includeLo: true, includeHi: false},
			rangePlan{field: field, lo: term, hi: hiBound, includeLo: false, includeHi: false},
		}}, nil
	case OpGreaterThan:
		return rangePlan{field: field, lo: term, hi: hiBound, includeLo: false, includeHi: false}, nil
	case OpGreaterOrEqual:
		return rangePlan{field: field, lo: term, hi: hiBound, includeLo: true, includeHi: false}, nil
	case OpLessThan:
		return rangePlan{field: field, lo: loBound, hi: term, includeLo: true, includeHi: false}, nil
	case OpLessOrEqual:
		return rangePlan{field: field, lo: loBound, hi: term, includeLo: true, includeHi: true}, nil
	default:
		return nil, core.Invalidf("unsupported operator %s", c.Operator)
	}
}

func resolveOperand(op Operand, binds map[string]core.Value) (core.Value, error) {
	if op.Literal != nil {
		return *op.Literal, nil
	}
	if op.BindVar == "" {
		return core.Value{}, core.Invalidf("comparison operand is neither literal nor bind variable")
	}
	v, ok := binds[op.BindVar]
	if !ok {
		return core.Value{}, core.Invalidf("bind variable %q has no value", op.BindVar)
	}
	return v, nil
}
