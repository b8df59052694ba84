package sstable_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golsm/lsm/internal/memtable"
	"github.com/golsm/lsm/internal/sstable"
)

func buildTable(t *testing.T, records []memtable.Record, opts sstable.BuildOptions) *sstable.Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "000001.sst")
	smallest, largest, size, err := sstable.Build(path, records, opts)
	require.NoError(t, err)
	assert.Equal(t, records[0].Key, smallest)
	assert.Equal(t, records[len(records)-1].Key, largest)
	assert.Greater(t, size, int64(0))

	r, err := sstable.Open(path, 1, nil)
	require.NoError(t, err)
	return r
}

func newCache(t *testing.T) *sstable.OpenFileCache {
	t.Helper()
	c, err := sstable.NewOpenFileCache(8)
	require.NoError(t, err)
	return c
}

func TestBuildAndGetRoundTrip(t *testing.T) {
	records := []memtable.Record{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte(""), Tombstone: true},
	}
	r := buildTable(t, records, sstable.BuildOptions{BloomEnabled: true})
	cache := newCache(t)

	rec, ok, err := r.Get(cache, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(rec.Value))
	assert.False(t, rec.Tombstone)

	rec, ok, err = r.Get(cache, []byte("c"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Tombstone)

	_, ok, err = r.Get(cache, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetWithoutBloomStillWorks(t *testing.T) {
	records := []memtable.Record{
		{Key: []byte("x"), Value: []byte("1")},
	}
	r := buildTable(t, records, sstable.BuildOptions{})
	cache := newCache(t)

	rec, ok, err := r.Get(cache, []byte("x"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(rec.Value))
}

func TestBloomRejectsAbsentKeys(t *testing.T) {
	records := make([]memtable.Record, 0, 200)
	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		records = append(records, memtable.Record{Key: k, Value: []byte("v")})
	}
	r := buildTable(t, records, sstable.BuildOptions{BloomEnabled: true, BloomBitsPerKey: 10, BloomNumHashes: 7})

	rejected := 0
	for i := 0; i < 1000; i++ {
		if !r.MaybeContains([]byte(fmt.Sprintf("absent-%04d", i))) {
			rejected++
		}
	}
	// At 10 bits/key the false positive rate is ~1%, so the filter must
	// reject the overwhelming majority of absent keys.
	assert.Greater(t, rejected, 900)
}

func TestRangeAscendingInclusive(t *testing.T) {
	records := []memtable.Record{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
		{Key: []byte("d"), Value: []byte("4")},
	}
	r := buildTable(t, records, sstable.BuildOptions{})
	cache := newCache(t)

	got, err := r.Range(cache, []byte("b"), []byte("c"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", string(got[0].Key))
	assert.Equal(t, "c", string(got[1].Key))
}

func TestRangeUnbounded(t *testing.T) {
	records := []memtable.Record{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}
	r := buildTable(t, records, sstable.BuildOptions{})
	cache := newCache(t)

	got, err := r.Range(cache, nil, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.sst")
	junk := make([]byte, 64)
	copy(junk, []byte("not a valid sstable footer region, just junk bytes padded out"))
	require.NoError(t, os.WriteFile(path, junk, 0o644))
	_, err := sstable.Open(path, 1, nil)
	require.Error(t, err)
}
