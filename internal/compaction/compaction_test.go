package compaction_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golsm/lsm/internal/compaction"
	"github.com/golsm/lsm/internal/manifest"
	"github.com/golsm/lsm/internal/memtable"
	"github.com/golsm/lsm/internal/sstable"
)

func buildSST(t *testing.T, dir string, number uint64, records []memtable.Record) *manifest.FileMetadata {
	t.Helper()
	path := filepath.Join(dir, manifest.SSTableFileName(number))
	smallest, largest, size, err := sstable.Build(path, records, sstable.BuildOptions{})
	require.NoError(t, err)
	return &manifest.FileMetadata{Number: number, Size: uint64(size), Smallest: smallest, Largest: largest}
}

func rec(k, v string) memtable.Record {
	return memtable.Record{Key: []byte(k), Value: []byte(v), Tombstone: v == ""}
}

func TestPickReturnsNilWhenNothingOverTrigger(t *testing.T) {
	vs, dir := newTestVersionSet(t)
	defer vs.Close()

	f := buildSST(t, dir, vs.NewFileNumber(), []memtable.Record{rec("a", "1")})
	f.Level = 0
	require.NoError(t, vs.Apply(&manifest.VersionEdit{Added: []manifest.FileMetadata{*f}}))

	v := vs.Current()
	defer vs.Release(v)
	plan := compaction.Pick(v, compaction.Options{L0CompactionTrigger: 4})
	assert.Nil(t, plan)
}

func TestPickSelectsL0WhenOverTrigger(t *testing.T) {
	vs, dir := newTestVersionSet(t)
	defer vs.Close()

	for i := 0; i < 5; i++ {
		f := buildSST(t, dir, vs.NewFileNumber(), []memtable.Record{rec("a", "v")})
		f.Level = 0
		require.NoError(t, vs.Apply(&manifest.VersionEdit{Added: []manifest.FileMetadata{*f}}))
	}

	v := vs.Current()
	defer vs.Release(v)
	plan := compaction.Pick(v, compaction.Options{L0CompactionTrigger: 4})
	require.NotNil(t, plan)
	assert.Equal(t, 0, plan.SourceLevel)
	assert.Equal(t, 1, plan.OutputLevel)
	assert.Len(t, plan.SourceFiles, 4)
}

func TestRunMergesAndAppliesNewestWins(t *testing.T) {
	vs, dir := newTestVersionSet(t)
	defer vs.Close()
	cache, err := sstable.NewOpenFileCache(8)
	require.NoError(t, err)

	n1 := vs.NewFileNumber()
	f1 := buildSST(t, dir, n1, []memtable.Record{rec("a", "old"), rec("b", "1")})
	f1.Level = 0
	require.NoError(t, vs.Apply(&manifest.VersionEdit{Added: []manifest.FileMetadata{*f1}}))

	n2 := vs.NewFileNumber()
	f2 := buildSST(t, dir, n2, []memtable.Record{rec("a", "new")})
	f2.Level = 0
	require.NoError(t, vs.Apply(&manifest.VersionEdit{Added: []manifest.FileMetadata{*f2}}))

	v := vs.Current()
	plan := &compaction.Plan{
		SourceLevel: 0, OutputLevel: 1,
		SourceFiles: []*manifest.FileMetadata{v.Files(0)[0], v.Files(0)[1]},
		Bottommost:  true,
	}
	vs.Release(v)

	require.NoError(t, compaction.Run(vs, dir, cache, plan, compaction.Options{}, nil))

	v2 := vs.Current()
	defer vs.Release(v2)
	assert.Empty(t, v2.Files(0))
	require.Len(t, v2.Files(1), 1)

	r, err := sstable.Open(filepath.Join(dir, manifest.SSTableFileName(v2.Files(1)[0].Number)), v2.Files(1)[0].Number, nil)
	require.NoError(t, err)
	got, ok, err := r.Get(cache, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, got.Tombstone)
	assert.Equal(t, "new", string(got.Value)) // the newer file number (n2) must win
}

func TestRunDropsTombstonesAtBottommost(t *testing.T) {
	vs, dir := newTestVersionSet(t)
	defer vs.Close()
	cache, err := sstable.NewOpenFileCache(8)
	require.NoError(t, err)

	n := vs.NewFileNumber()
	f := buildSST(t, dir, n, []memtable.Record{rec("a", "1"), rec("b", "")})
	f.Level = 0
	require.NoError(t, vs.Apply(&manifest.VersionEdit{Added: []manifest.FileMetadata{*f}}))

	v := vs.Current()
	plan := &compaction.Plan{
		SourceLevel: 0, OutputLevel: 1,
		SourceFiles: []*manifest.FileMetadata{v.Files(0)[0]},
		Bottommost:  true,
	}
	vs.Release(v)

	require.NoError(t, compaction.Run(vs, dir, cache, plan, compaction.Options{}, nil))

	v2 := vs.Current()
	defer vs.Release(v2)
	require.Len(t, v2.Files(1), 1)
	r, err := sstable.Open(filepath.Join(dir, manifest.SSTableFileName(v2.Files(1)[0].Number)), v2.Files(1)[0].Number, nil)
	require.NoError(t, err)
	_, ok, err := r.Get(cache, []byte("b"))
	require.NoError(t, err)
	assert.False(t, ok, "tombstone should have been dropped at the bottommost level")
}

func TestPickRespectsMaxLevels(t *testing.T) {
	vs, dir := newTestVersionSet(t)
	defer vs.Close()

	// An oversized L1 would normally be pushed into L2, but with a
	// two-level hierarchy there is nothing deeper to push into.
	f := buildSST(t, dir, vs.NewFileNumber(), []memtable.Record{rec("a", "1"), rec("b", "2")})
	f.Level = 1
	require.NoError(t, vs.Apply(&manifest.VersionEdit{Added: []manifest.FileMetadata{*f}}))

	v := vs.Current()
	defer vs.Release(v)

	opts := compaction.Options{L0CompactionTrigger: 4, TargetFileSizeBase: 1}
	require.NotNil(t, compaction.Pick(v, opts), "unbounded hierarchy should compact the oversized L1")

	opts.MaxLevels = 2
	assert.Nil(t, compaction.Pick(v, opts), "a 2-level hierarchy has no level below L1 to compact into")
}

func TestPickSingleLevelHierarchyRewritesL0(t *testing.T) {
	vs, dir := newTestVersionSet(t)
	defer vs.Close()

	for i := 0; i < 5; i++ {
		f := buildSST(t, dir, vs.NewFileNumber(), []memtable.Record{rec("a", "v")})
		f.Level = 0
		require.NoError(t, vs.Apply(&manifest.VersionEdit{Added: []manifest.FileMetadata{*f}}))
	}

	v := vs.Current()
	defer vs.Release(v)
	plan := compaction.Pick(v, compaction.Options{L0CompactionTrigger: 4, MaxLevels: 1})
	require.NotNil(t, plan)
	assert.Equal(t, 0, plan.OutputLevel, "with one level the merge rewrites back into L0")
	assert.Empty(t, plan.UpperFiles)
}

func newTestVersionSet(t *testing.T) (*manifest.VersionSet, string) {
	t.Helper()
	dir := t.TempDir()
	vs, err := manifest.Open(dir, nil)
	require.NoError(t, err)
	return vs, dir
}
