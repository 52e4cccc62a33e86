package nodestate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/INLOpen/nexussearch/core"
)

// Snapshot file format: a YAML document listing every node of the
// authoritative store. Offline tools (the consistency checker CLI in
// particular) load an exported snapshot when they have no live store to
// talk to.

type snapshotFile struct {
	Root  string         `yaml:"root"`
	Nodes []snapshotNode `yaml:"nodes"`
}

type snapshotNode struct {
	ID         string                     `yaml:"id"`
	Name       string                     `yaml:"name"`
	Parents    []string                   `yaml:"parents"`
	Type       string                     `yaml:"type"`
	Mixins     []string                   `yaml:"mixins,omitempty"`
	Shareable  bool                       `yaml:"shareable,omitempty"`
	Properties map[string][]snapshotValue `yaml:"properties,omitempty"`
	Text       string                     `yaml:"text,omitempty"`
}

type snapshotValue struct {
	Type  string `yaml:"type,omitempty"` // STRING when absent
	Value string `yaml:"value"`
}

// LoadSnapshot reads an exported store snapshot into a MemoryManager.
func LoadSnapshot(path string) (*MemoryManager, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read store snapshot: %w", err)
	}
	var file snapshotFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse store snapshot %s: %w", path, err)
	}
	if file.Root == "" {
		return nil, fmt.Errorf("store snapshot %s does not name a root node", path)
	}

	m := NewMemoryManager(file.Root)
	for _, n := range file.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("store snapshot %s contains a node without an id", path)
		}
		state := &NodeState{
			ID:        n.ID,
			Name:      n.Name,
			ParentIDs: n.Parents,
			NodeType:  n.Type,
			Mixins:    n.Mixins,
			Shareable: n.Shareable,
			Text:      n.Text,
		}
		if len(n.Properties) > 0 {
			state.Properties = make(map[string][]core.Value, len(n.Properties))
			for name, values := range n.Properties {
				for _, v := range values {
					vt, err := core.ParseValueType(v.Type)
					if err != nil {
						return nil, fmt.Errorf("node %s, property %s: %w", n.ID, name, err)
					}
					state.Properties[name] = append(state.Properties[name],
						core.Value{Type: vt, Raw: v.Value})
				}
			}
		}
		m.SetNode(state)
	}
	return m, nil
}
