package metastore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesEmptySnapshot(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, nil)
	require.NoError(t, err)

	snap := st.Snapshot()
	assert.Empty(t, snap.Entries)
	assert.EqualValues(t, 0, snap.Generation)
	assert.FileExists(t, filepath.Join(dir, "segments"))
}

func TestAddRemoveSegmentPersists(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, nil)
	require.NoError(t, err)

	a := st.NewSegmentName()
	b := st.NewSegmentName()
	require.NotEqual(t, a, b)
	require.NoError(t, st.AddSegment(a))
	require.NoError(t, st.AddSegment(b))
	require.NoError(t, st.RemoveSegment(a))

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, reopened.Snapshot().Names())
}

func TestAddSegmentRejectsDuplicates(t *testing.T) {
	st, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	name := st.NewSegmentName()
	require.NoError(t, st.AddSegment(name))
	assert.Error(t, st.AddSegment(name))
}

func TestGenerationIncreasesWithEveryMutation(t *testing.T) {
	st, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	last := st.Generation()
	names := make([]string, 3)
	for i := range names {
		names[i] = st.NewSegmentName()
		require.NoError(t, st.AddSegment(names[i]))
		require.Greater(t, st.Generation(), last)
		last = st.Generation()
	}
	require.NoError(t, st.TouchSegment(names[0]))
	require.Greater(t, st.Generation(), last)
}

func TestSegmentNamesNeverReused(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, nil)
	require.NoError(t, err)

	first := st.NewSegmentName()
	require.NoError(t, st.AddSegment(first))
	require.NoError(t, st.RemoveSegment(first))

	// The advanced counter was persisted with the add, so a reopened
	// store must not hand the name out again.
	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, reopened.NewSegmentName())
}

func TestReplaceSegmentsKeepsPosition(t *testing.T) {
	st, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	names := make([]string, 4)
	for i := range names {
		names[i] = st.NewSegmentName()
		require.NoError(t, st.AddSegment(names[i]))
	}
	merged := st.NewSegmentName()
	require.NoError(t, st.ReplaceSegments([]string{names[1], names[2]}, merged))

	assert.Equal(t, []string{names[0], merged, names[3]}, st.Snapshot().Names())
}

func TestReplaceSegmentsFailsOnMissingInput(t *testing.T) {
	st, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	name := st.NewSegmentName()
	require.NoError(t, st.AddSegment(name))
	err = st.ReplaceSegments([]string{name, "nope"}, st.NewSegmentName())
	assert.Error(t, err)
}

func TestTouchSegmentBumpsEntryGeneration(t *testing.T) {
	st, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	name := st.NewSegmentName()
	require.NoError(t, st.AddSegment(name))
	require.NoError(t, st.TouchSegment(name))
	require.NoError(t, st.TouchSegment(name))

	snap := st.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.EqualValues(t, 2, snap.Entries[0].Generation)
}

func TestOpenFallsBackPastTruncatedGeneration(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, nil)
	require.NoError(t, err)

	a := st.NewSegmentName()
	require.NoError(t, st.AddSegment(a))
	goodGen := st.Generation()

	b := st.NewSegmentName()
	require.NoError(t, st.AddSegment(b))
	latest := st.generationPath(st.Generation())

	// Simulate a crash mid-write of the newest generation.
	require.NoError(t, os.Truncate(latest, 3))

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, goodGen, reopened.Generation())
	assert.Equal(t, []string{a}, reopened.Snapshot().Names())
	assert.NoFileExists(t, latest)
}

func TestCleanupObsoleteKeepsLatestTwoGenerations(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, st.AddSegment(st.NewSegmentName()))
	}
	st.CleanupObsolete()

	gens, err := st.listGenerations()
	require.NoError(t, err)
	current := st.Generation()
	assert.Equal(t, []int64{current - 1, current}, gens)
}
