package wal_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golsm/lsm/internal/wal"
)

type kv struct {
	key, value []byte
}

func recover_(t *testing.T, path string, blockSize int64) []kv {
	t.Helper()
	var got []kv
	err := wal.Recover(path, blockSize, func(key, value []byte) error {
		got = append(got, kv{append([]byte(nil), key...), append([]byte(nil), value...)})
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestAppendThenRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.wal")

	w, err := wal.Open(path, wal.Options{})
	require.NoError(t, err)

	want := []kv{
		{[]byte("a"), []byte("1")},
		{[]byte("b"), []byte("2")},
		{[]byte("deleted"), []byte("")}, // tombstone
	}
	for _, e := range want {
		require.NoError(t, w.Append(e.key, e.value))
	}
	require.NoError(t, w.Close())

	got := recover_(t, path, wal.DefaultBlockSize)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, string(want[i].key), string(got[i].key))
		assert.Equal(t, string(want[i].value), string(got[i].value))
	}
}

func TestRecordSpanningMultipleBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.wal")

	// Use a small block size so a single record must fragment across
	// several physical records and block boundaries.
	const blockSize = 64
	w, err := wal.Open(path, wal.Options{BlockSize: blockSize})
	require.NoError(t, err)

	bigValue := make([]byte, blockSize*5)
	for i := range bigValue {
		bigValue[i] = byte('a' + i%26)
	}
	require.NoError(t, w.Append([]byte("bigkey"), bigValue))
	require.NoError(t, w.Append([]byte("after"), []byte("still-there")))
	require.NoError(t, w.Close())

	got := recover_(t, path, blockSize)
	require.Len(t, got, 2)
	assert.Equal(t, "bigkey", string(got[0].key))
	assert.Equal(t, bigValue, got[0].value)
	assert.Equal(t, "after", string(got[1].key))
	assert.Equal(t, "still-there", string(got[1].value))
}

func TestRecoverSkipsTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.wal")

	w, err := wal.Open(path, wal.Options{})
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("complete"), []byte("record")))
	require.NoError(t, w.Close())

	// Simulate a crash mid-write: append a few stray bytes that look like
	// the start of another header but never complete.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got := recover_(t, path, wal.DefaultBlockSize)
	require.Len(t, got, 1)
	assert.Equal(t, "complete", string(got[0].key))
}

func TestRecoverOnMissingFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	got := recover_(t, filepath.Join(dir, "absent.wal"), wal.DefaultBlockSize)
	assert.Empty(t, got)
}

func TestAppendManyRecordsPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.wal")

	w, err := wal.Open(path, wal.Options{BlockSize: 128})
	require.NoError(t, err)
	const n = 500
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		v := []byte(fmt.Sprintf("value-%04d", i))
		require.NoError(t, w.Append(k, v))
	}
	require.NoError(t, w.Close())

	got := recover_(t, path, 128)
	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("key-%04d", i), string(got[i].key))
		assert.Equal(t, fmt.Sprintf("value-%04d", i), string(got[i].value))
	}
}

func TestReopenAppendsAfterExistingData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.wal")

	w1, err := wal.Open(path, wal.Options{})
	require.NoError(t, err)
	require.NoError(t, w1.Append([]byte("first"), []byte("1")))
	require.NoError(t, w1.Close())

	w2, err := wal.Open(path, wal.Options{})
	require.NoError(t, err)
	require.NoError(t, w2.Append([]byte("second"), []byte("2")))
	require.NoError(t, w2.Close())

	got := recover_(t, path, wal.DefaultBlockSize)
	require.Len(t, got, 2)
	assert.Equal(t, "first", string(got[0].key))
	assert.Equal(t, "second", string(got[1].key))
}
