package memtable_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golsm/lsm/internal/memtable"
)

func TestPutGetOverwrite(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("a"), []byte("1"))
	m.Put([]byte("a"), []byte("2"))

	r, ok := m.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, "2", string(r.Value))
	assert.False(t, r.Tombstone)
}

func TestDeleteIsTombstone(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("a"), []byte("1"))
	m.Delete([]byte("a"))

	r, ok := m.Get([]byte("a"))
	require.True(t, ok)
	assert.True(t, r.Tombstone)
	assert.Empty(t, r.Value)
}

func TestGetAbsentDistinctFromTombstone(t *testing.T) {
	m := memtable.New()
	_, ok := m.Get([]byte("missing"))
	assert.False(t, ok)

	// An empty value is defined as a tombstone; Get still distinguishes
	// "absent" from "present-and-tombstoned".
	m.Put([]byte("present"), []byte(""))
	r, ok := m.Get([]byte("present"))
	require.True(t, ok)
	assert.True(t, r.Tombstone)
	assert.Empty(t, r.Value)
}

func TestRangeAscendingInclusive(t *testing.T) {
	m := memtable.New()
	for _, k := range []string{"d", "b", "a", "c", "e"} {
		m.Put([]byte(k), []byte(k+"v"))
	}
	recs := m.Range([]byte("b"), []byte("d"))
	require.Len(t, recs, 3)
	assert.Equal(t, "b", string(recs[0].Key))
	assert.Equal(t, "c", string(recs[1].Key))
	assert.Equal(t, "d", string(recs[2].Key))
}

func TestRangeUnbounded(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("x"), []byte("1"))
	m.Put([]byte("y"), []byte("2"))
	recs := m.Range(nil, nil)
	assert.Len(t, recs, 2)
}

func TestByteSizeTracksPutsAndOverwrites(t *testing.T) {
	m := memtable.New()
	assert.Equal(t, 0, m.ByteSize())
	m.Put([]byte("key"), []byte("value"))
	assert.Greater(t, m.ByteSize(), 0)

	before := m.ByteSize()
	m.Put([]byte("key"), []byte("v")) // shorter value should shrink footprint
	assert.Less(t, m.ByteSize(), before)
}

func TestIsEmpty(t *testing.T) {
	m := memtable.New()
	assert.True(t, m.IsEmpty())
	m.Put([]byte("k"), []byte("v"))
	assert.False(t, m.IsEmpty())
}
