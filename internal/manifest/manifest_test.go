package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golsm/lsm/internal/manifest"
)

func TestOpenCreatesEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.Open(dir, nil)
	require.NoError(t, err)
	defer vs.Close()

	v := vs.Current()
	defer vs.Release(v)
	assert.Empty(t, v.Files(0))
	assert.Equal(t, uint64(1), vs.NewFileNumber())
}

func TestApplyAddThenGetVisibleInNewVersion(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.Open(dir, nil)
	require.NoError(t, err)
	defer vs.Close()

	num := vs.NewFileNumber()
	edit := &manifest.VersionEdit{
		Added: []manifest.FileMetadata{
			{Number: num, Level: 0, Size: 100, Smallest: []byte("a"), Largest: []byte("m")},
		},
	}
	require.NoError(t, vs.Apply(edit))

	v := vs.Current()
	defer vs.Release(v)
	require.Len(t, v.Files(0), 1)
	assert.Equal(t, num, v.Files(0)[0].Number)
}

func TestApplyRejectsOverlappingLevel1Files(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.Open(dir, nil)
	require.NoError(t, err)
	defer vs.Close()

	edit := &manifest.VersionEdit{Added: []manifest.FileMetadata{
		{Number: 1, Level: 1, Size: 1, Smallest: []byte("a"), Largest: []byte("m")},
		{Number: 2, Level: 1, Size: 1, Smallest: []byte("c"), Largest: []byte("z")}, // overlaps
	}}
	err = vs.Apply(edit)
	assert.Error(t, err)
}

func TestRecoverReplaysEdits(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.Open(dir, nil)
	require.NoError(t, err)

	num := vs.NewFileNumber()
	require.NoError(t, vs.Apply(&manifest.VersionEdit{
		Added: []manifest.FileMetadata{
			{Number: num, Level: 0, Size: 10, Smallest: []byte("a"), Largest: []byte("b")},
		},
	}))
	require.NoError(t, vs.Close())

	vs2, err := manifest.Open(dir, nil)
	require.NoError(t, err)
	defer vs2.Close()

	v := vs2.Current()
	defer vs2.Release(v)
	require.Len(t, v.Files(0), 1)
	assert.Equal(t, num, v.Files(0)[0].Number)
	assert.Greater(t, vs2.NewFileNumber(), num)
}

func TestDeleteThenAddMovesFileBetweenLevels(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.Open(dir, nil)
	require.NoError(t, err)
	defer vs.Close()

	num := vs.NewFileNumber()
	require.NoError(t, vs.Apply(&manifest.VersionEdit{
		Added: []manifest.FileMetadata{{Number: num, Level: 0, Size: 5, Smallest: []byte("a"), Largest: []byte("b")}},
	}))
	require.NoError(t, vs.Apply(&manifest.VersionEdit{
		Deleted: []manifest.DeletedFile{{Level: 0, Number: num}},
		Added:   []manifest.FileMetadata{{Number: num, Level: 1, Size: 5, Smallest: []byte("a"), Largest: []byte("b")}},
	}))

	v := vs.Current()
	defer vs.Release(v)
	assert.Empty(t, v.Files(0))
	require.Len(t, v.Files(1), 1)
	assert.Equal(t, num, v.Files(1)[0].Number)
}

func TestRetainedVersionSurvivesApplyUntilReleased(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.Open(dir, nil)
	require.NoError(t, err)
	defer vs.Close()

	num1 := vs.NewFileNumber()
	require.NoError(t, vs.Apply(&manifest.VersionEdit{
		Added: []manifest.FileMetadata{{Number: num1, Level: 0, Size: 5, Smallest: []byte("a"), Largest: []byte("b")}},
	}))

	pinned := vs.Current() // simulate an in-flight reader

	num2 := vs.NewFileNumber()
	require.NoError(t, vs.Apply(&manifest.VersionEdit{
		Added: []manifest.FileMetadata{{Number: num2, Level: 0, Size: 5, Smallest: []byte("c"), Largest: []byte("d")}},
	}))

	// The pinned (now historical) version still shows only the first file.
	require.Len(t, pinned.Files(0), 1)
	assert.Equal(t, num1, pinned.Files(0)[0].Number)

	vs.Release(pinned)

	latest := vs.Current()
	defer vs.Release(latest)
	require.Len(t, latest.Files(0), 2)
}

func TestSweepOrphansRemovesUnreferencedFiles(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.Open(dir, nil)
	require.NoError(t, err)
	defer vs.Close()

	num := vs.NewFileNumber()
	require.NoError(t, vs.Apply(&manifest.VersionEdit{
		Added: []manifest.FileMetadata{{Number: num, Level: 0, Size: 5, Smallest: []byte("a"), Largest: []byte("b")}},
	}))

	liveName := filepath.Join(dir, manifest.SSTableFileName(num))
	require.NoError(t, os.WriteFile(liveName, []byte("live"), 0o644))
	orphanName := filepath.Join(dir, manifest.SSTableFileName(num+1))
	require.NoError(t, os.WriteFile(orphanName, []byte("orphan"), 0o644))

	require.NoError(t, vs.SweepOrphans())

	assert.FileExists(t, liveName)
	assert.NoFileExists(t, orphanName)
}
