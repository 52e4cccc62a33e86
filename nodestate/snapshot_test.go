package nodestate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussearch/core"
)

func writeSnapshot(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "states.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSnapshot(t *testing.T) {
	path := writeSnapshot(t, `
root: root
nodes:
  - id: a
    name: a
    parents: [root]
    type: nt:folder
  - id: b
    name: b
    parents: [a]
    type: nt:file
    properties:
      size:
        - {type: LONG, value: "5"}
      title:
        - {value: Beta}
    text: hello world
`)
	m, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, "root", m.RootID())

	id, err := m.ResolvePath("/a/b")
	require.NoError(t, err)
	assert.Equal(t, "b", id)

	state, err := m.Load("b")
	require.NoError(t, err)
	assert.Equal(t, []core.Value{{Type: core.ValueLong, Raw: "5"}}, state.Properties["size"])
	// An absent type tag means STRING.
	assert.Equal(t, []core.Value{{Type: core.ValueString, Raw: "Beta"}}, state.Properties["title"])
	assert.Equal(t, "hello world", state.Text)
}

func TestLoadSnapshotRejectsBadInput(t *testing.T) {
	_, err := LoadSnapshot(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadSnapshot(writeSnapshot(t, "nodes:\n  - id: a\n"))
	assert.Error(t, err, "root is required")

	_, err = LoadSnapshot(writeSnapshot(t, "root: root\nnodes:\n  - name: anonymous\n"))
	assert.Error(t, err, "node ids are required")

	_, err = LoadSnapshot(writeSnapshot(t, `
root: root
nodes:
  - id: a
    properties:
      p:
        - {type: BOGUS, value: x}
`))
	assert.True(t, core.IsUnsupportedError(err))
}
