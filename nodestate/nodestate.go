// Package nodestate abstracts the authoritative content store the index is
// a derived view of. The consistency checker compares the index against it,
// repairs re-read from it, and the query layer resolves absolute paths and
// relative-path sort keys through it.
package nodestate

import (
	"fmt"
	"strings"

	"github.com/INLOpen/nexussearch/core"
)

// NodeState is the authoritative form of one node.
type NodeState struct {
	ID        string
	Name      string // node name under its parent, used for path resolution
	ParentIDs []string
	NodeType  string
	Mixins    []string
	Shareable bool
	Properties map[string][]core.Value
	Text       string
}

// Document converts the state into its indexable form.
func (n *NodeState) Document() *core.Document {
	return &core.Document{
		ID:         n.ID,
		ParentIDs:  append([]string(nil), n.ParentIDs...),
		NodeType:   n.NodeType,
		Mixins:     append([]string(nil), n.Mixins...),
		Shareable:  n.Shareable,
		Properties: n.Properties,
		Text:       n.Text,
	}
}

// Manager is the read surface of the authoritative store.
type Manager interface {
	// Exists reports whether the node is present in the store.
	Exists(id string) (bool, error)
	// Load returns the node state, or an error when absent.
	Load(id string) (*NodeState, error)
	// AllIDs enumerates every node identity in batches of at most
	// batchSize. The visitor returns false to stop early.
	AllIDs(batchSize int, visit func(ids []string) bool) error
	// RootID returns the identity of the hierarchy root.
	RootID() string
	// ResolvePath resolves an absolute path ("/a/b") to the identity of
	// the node it denotes, or an error when no such node exists.
	ResolvePath(path string) (string, error)
	// PropertyViaPath reads the first value of the property reached by
	// walking the relative path segments from the given node, the last
	// segment being the property name. Returns false when any step of the
	// walk is missing.
	PropertyViaPath(id string, path []string) (core.Value, bool)
}

// MemoryManager is an in-process Manager backed by maps. Production
// deployments adapt their own store; tests and the embedded mode use this.
type MemoryManager struct {
	rootID   string
	nodes    map[string]*NodeState
	children map[string]map[string]string // parent id -> child name -> child id
}

var _ Manager = (*MemoryManager)(nil)

// NewMemoryManager creates a store holding only the root node.
func NewMemoryManager(rootID string) *MemoryManager {
	m := &MemoryManager{
		rootID:   rootID,
		nodes:    make(map[string]*NodeState),
		children: make(map[string]map[string]string),
	}
	m.nodes[rootID] = &NodeState{ID: rootID, NodeType: "rep:root"}
	return m
}

// SetNode inserts or replaces a node state.
func (m *MemoryManager) SetNode(n *NodeState) {
	if old, ok := m.nodes[n.ID]; ok {
		m.unlink(old)
	}
	m.nodes[n.ID] = n
	for _, p := range n.ParentIDs {
		kids := m.children[p]
		if kids == nil {
			kids = make(map[string]string)
			m.children[p] = kids
		}
		kids[n.Name] = n.ID
	}
}

// DeleteNode removes a node state. Descendants are not cascaded; callers
// that want subtree removal delete bottom-up.
func (m *MemoryManager) DeleteNode(id string) {
	if n, ok := m.nodes[id]; ok {
		m.unlink(n)
		delete(m.nodes, id)
	}
}

func (m *MemoryManager) unlink(n *NodeState) {
	for _, p := range n.ParentIDs {
		if kids, ok := m.children[p]; ok {
			delete(kids, n.Name)
		}
	}
}

// Exists implements Manager.
func (m *MemoryManager) Exists(id string) (bool, error) {
	_, ok := m.nodes[id]
	return ok, nil
}

// Load implements Manager.
func (m *MemoryManager) Load(id string) (*NodeState, error) {
	n, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node state %s not found", id)
	}
	return n, nil
}

// AllIDs implements Manager.
func (m *MemoryManager) AllIDs(batchSize int, visit func(ids []string) bool) error {
	if batchSize <= 0 {
		batchSize = 1024
	}
	batch := make([]string, 0, batchSize)
	for id := range m.nodes {
		batch = append(batch, id)
		if len(batch) == batchSize {
			if !visit(batch) {
				return nil
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		visit(batch)
	}
	return nil
}

// RootID implements Manager.
func (m *MemoryManager) RootID() string { return m.rootID }

// ResolvePath implements Manager.
func (m *MemoryManager) ResolvePath(path string) (string, error) {
	if path == "" || path[0] != '/' {
		return "", fmt.Errorf("path %q is not absolute", path)
	}
	id := m.rootID
	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		if name == "" {
			continue
		}
		child, ok := m.children[id][name]
		if !ok {
			return "", fmt.Errorf("path %s not found", path)
		}
		id = child
	}
	return id, nil
}

// PropertyViaPath implements Manager.
func (m *MemoryManager) PropertyViaPath(id string, path []string) (core.Value, bool) {
	if len(path) == 0 {
		return core.Value{}, false
	}
	for _, name := range path[:len(path)-1] {
		child, ok := m.children[id][name]
		if !ok {
			return core.Value{}, false
		}
		id = child
	}
	n, ok := m.nodes[id]
	if !ok {
		return core.Value{}, false
	}
	values, ok := n.Properties[path[len(path)-1]]
	if !ok || len(values) == 0 {
		return core.Value{}, false
	}
	return values[0], true
}
