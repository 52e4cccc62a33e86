package query

import (
	"sort"
	"sync"
)

// BaseType is the implicit root of the node-type hierarchy; every
// registered type is a subtype of it.
const BaseType = "nt:base"

// NodeTypeRegistry records the node-type hierarchy so selector constraints
// can be expanded into the full set of matching types at translation time.
// A selector on a type matches documents of that type and of all its
// registered subtypes.
type NodeTypeRegistry struct {
	mu     sync.RWMutex
	supers map[string][]string
}

// NewNodeTypeRegistry creates an empty registry.
func NewNodeTypeRegistry() *NodeTypeRegistry {
	return &NodeTypeRegistry{supers: make(map[string][]string)}
}

// Register declares a node type and its direct supertypes. Types without
// explicit supertypes still descend from BaseType.
func (r *NodeTypeRegistry) Register(name string, supertypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supers[name] = append([]string(nil), supertypes...)
}

// isSubtypeOf reports whether name transitively descends from target.
// Caller holds r.mu read-locked.
func (r *NodeTypeRegistry) isSubtypeOf(name, target string, seen map[string]bool) bool {
	if name == target {
		return true
	}
	if seen[name] {
		return false
	}
	seen[name] = true
	for _, s := range r.supers[name] {
		if r.isSubtypeOf(s, target, seen) {
			return true
		}
	}
	return false
}

// SubTypes returns the sorted set of registered types matching a selector
// on name: the type itself plus everything transitively descending from it.
// A selector on BaseType matches every type, which callers special-case as
// an unconstrained selector.
func (r *NodeTypeRegistry) SubTypes(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := map[string]bool{name: true}
	for candidate := range r.supers {
		if r.isSubtypeOf(candidate, name, make(map[string]bool)) {
			set[candidate] = true
		}
	}
	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Known reports whether the type was registered or is the base type.
func (r *NodeTypeRegistry) Known(name string) bool {
	if name == BaseType {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.supers[name]
	return ok
}
