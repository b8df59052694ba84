// Package sstable implements the on-disk sorted-string table: an immutable,
// sorted run of records plus an index and an optional Bloom filter, written
// once by a flush or compaction and read many times afterward.
//
// Layout (all multi-byte integers big-endian except the Bloom filter's own
// header, which stays little-endian by design — see internal/bloomfilter):
//
//	data region:  [key_len u32][value_len u32][key][value] ...   (ascending key order)
//	bloom region: [size u32][filter bytes]                       (optional)
//	index region: [count u32] ([key_len u32][key][data_offset u64]) * count
//	footer:       [index_offset u64][bloom_offset u64][magic 8 bytes]
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/golsm/lsm/internal/bloomfilter"
	"github.com/golsm/lsm/internal/lsmerrors"
	"github.com/golsm/lsm/internal/memtable"
)

// Magic is the fixed 8-byte ASCII tag every table footer carries.
const Magic = "GOLSMSS1"

const footerSize = 8 + 8 + len(Magic)

// BuildOptions controls the optional Bloom filter a table is built with.
type BuildOptions struct {
	BloomEnabled    bool
	BloomBitsPerKey uint32
	BloomNumHashes  uint32
}

func (o BuildOptions) withDefaults() BuildOptions {
	if o.BloomBitsPerKey == 0 {
		o.BloomBitsPerKey = 10
	}
	if o.BloomNumHashes == 0 {
		o.BloomNumHashes = 7
	}
	return o
}

type indexEntry struct {
	key    []byte
	offset uint64
}

// Build writes a new table at path from records. Records need not arrive
// sorted; Build sorts them by key before emission (flush and compaction
// already hand over sorted, duplicate-free input, so the sort is a no-op
// on those paths). It returns the smallest and largest keys written and
// the final file size, and fsyncs before returning so a successful Build
// is durable.
func Build(path string, records []memtable.Record, opts BuildOptions) (smallest, largest []byte, size int64, err error) {
	opts = opts.withDefaults()
	if len(records) == 0 {
		return nil, nil, 0, lsmerrors.Wrap(lsmerrors.ErrInvalidArgument, "sstable: Build called with no records")
	}
	if !sort.SliceIsSorted(records, func(i, j int) bool {
		return bytes.Compare(records[i].Key, records[j].Key) < 0
	}) {
		records = append([]memtable.Record(nil), records...)
		sort.Slice(records, func(i, j int) bool {
			return bytes.Compare(records[i].Key, records[j].Key) < 0
		})
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, 0, err
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriterSize(f, 64*1024)
	var index []indexEntry

	var bf *bloomfilter.Filter
	if opts.BloomEnabled {
		bf = bloomfilter.NewWithParams(opts.BloomBitsPerKey, opts.BloomNumHashes)
	}

	var offset uint64
	for _, r := range records {
		index = append(index, indexEntry{key: cloneBytes(r.Key), offset: offset})
		n, err := writeDataRecord(w, r.Key, r.Value)
		if err != nil {
			return nil, nil, 0, err
		}
		offset += uint64(n)
		if bf != nil {
			bf.Add(r.Key)
		}
	}
	if err := w.Flush(); err != nil {
		return nil, nil, 0, err
	}

	var bloomOffset uint64
	if bf != nil {
		bloomOffset = offset
		fb := bf.Marshal()
		var sizeBuf [4]byte
		binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(fb)))
		if _, err := w.Write(sizeBuf[:]); err != nil {
			return nil, nil, 0, err
		}
		if _, err := w.Write(fb); err != nil {
			return nil, nil, 0, err
		}
		offset += uint64(4 + len(fb))
		if err := w.Flush(); err != nil {
			return nil, nil, 0, err
		}
	}

	indexOffset := offset
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(index)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return nil, nil, 0, err
	}
	for _, e := range index {
		if err := writeIndexEntry(w, e); err != nil {
			return nil, nil, 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, nil, 0, err
	}

	var footer [footerSize]byte
	binary.BigEndian.PutUint64(footer[0:8], indexOffset)
	binary.BigEndian.PutUint64(footer[8:16], bloomOffset)
	copy(footer[16:], Magic)
	if _, err := w.Write(footer[:]); err != nil {
		return nil, nil, 0, err
	}
	if err := w.Flush(); err != nil {
		return nil, nil, 0, err
	}
	if err := f.Sync(); err != nil {
		return nil, nil, 0, err
	}

	st, err := f.Stat()
	if err != nil {
		return nil, nil, 0, err
	}
	return cloneBytes(records[0].Key), cloneBytes(records[len(records)-1].Key), st.Size(), nil
}

func writeDataRecord(w *bufio.Writer, key, value []byte) (int, error) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint32(lenBuf[0:4], uint32(len(key)))
	binary.BigEndian.PutUint32(lenBuf[4:8], uint32(len(value)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(key); err != nil {
		return 0, err
	}
	if _, err := w.Write(value); err != nil {
		return 0, err
	}
	return 8 + len(key) + len(value), nil
}

func writeIndexEntry(w *bufio.Writer, e indexEntry) error {
	var klenBuf [4]byte
	binary.BigEndian.PutUint32(klenBuf[:], uint32(len(e.key)))
	if _, err := w.Write(klenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(e.key); err != nil {
		return err
	}
	var offBuf [8]byte
	binary.BigEndian.PutUint64(offBuf[:], e.offset)
	if _, err := w.Write(offBuf[:]); err != nil {
		return err
	}
	return nil
}

// Reader holds a table's parsed footer, full index and Bloom filter.
// Opening a Reader never keeps a file descriptor open; actual reads borrow
// a handle from an OpenFileCache.
type Reader struct {
	Path        string
	ID          uint64
	Smallest    []byte
	Largest     []byte
	index       []indexEntry
	bf          *bloomfilter.Filter
	indexOffset uint64
}

// Open parses path's footer, index region and (if present) Bloom filter.
// A malformed Bloom filter is tolerated: it's disabled for this table and
// a warning logged, rather than failing the open.
func Open(path string, id uint64, log *zap.SugaredLogger) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < int64(footerSize) {
		return nil, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "sstable: file shorter than footer")
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, st.Size()-int64(footerSize)); err != nil {
		return nil, err
	}
	if string(footer[16:]) != Magic {
		return nil, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "sstable: magic mismatch")
	}
	indexOffset := binary.BigEndian.Uint64(footer[0:8])
	bloomOffset := binary.BigEndian.Uint64(footer[8:16])
	if int64(indexOffset) >= st.Size() {
		return nil, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "sstable: index offset beyond file")
	}

	r := &Reader{Path: path, ID: id, indexOffset: indexOffset}

	if _, err := f.Seek(int64(indexOffset), io.SeekStart); err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(f, 64*1024)
	index, err := readIndex(br)
	if err != nil {
		return nil, err
	}
	r.index = index
	if len(index) > 0 {
		r.Smallest = index[0].key
		r.Largest = index[len(index)-1].key
	}

	if bloomOffset > 0 {
		bf, err := readBloom(f, bloomOffset, indexOffset)
		if err != nil {
			if log != nil {
				log.Warnw("sstable: disabling malformed bloom filter", "path", path, "error", err)
			}
		} else {
			r.bf = bf
		}
	}

	return r, nil
}

func readIndex(r *bufio.Reader) ([]indexEntry, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "sstable: truncated index count")
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	entries := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var klenBuf [4]byte
		if _, err := io.ReadFull(r, klenBuf[:]); err != nil {
			return nil, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "sstable: truncated index entry")
		}
		klen := binary.BigEndian.Uint32(klenBuf[:])
		key := make([]byte, klen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "sstable: truncated index key")
		}
		var offBuf [8]byte
		if _, err := io.ReadFull(r, offBuf[:]); err != nil {
			return nil, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "sstable: truncated index offset")
		}
		entries = append(entries, indexEntry{key: key, offset: binary.BigEndian.Uint64(offBuf[:])})
	}
	return entries, nil
}

func readBloom(f *os.File, bloomOffset, indexOffset uint64) (*bloomfilter.Filter, error) {
	if bloomOffset >= indexOffset {
		return nil, lsmerrors.ErrCorruptFile
	}
	var sizeBuf [4]byte
	if _, err := f.ReadAt(sizeBuf[:], int64(bloomOffset)); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if uint64(bloomOffset)+4+uint64(size) > indexOffset {
		return nil, lsmerrors.ErrCorruptFile
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(bloomOffset)+4); err != nil {
		return nil, err
	}
	return bloomfilter.Unmarshal(buf)
}

// MaybeContains reports whether key might be present, consulting the
// Bloom filter if one was loaded. A table with no filter always answers
// true (must fall through to the index).
func (r *Reader) MaybeContains(key []byte) bool {
	if r.bf == nil {
		return true
	}
	return r.bf.MayContain(key)
}

// Get looks up key via the Bloom filter (if any) and the in-memory index,
// reading the record from disk through cache only on a confirmed index
// hit. ok is false when the key is certainly absent from this table.
func (r *Reader) Get(cache *OpenFileCache, key []byte) (rec memtable.Record, ok bool, err error) {
	if !r.MaybeContains(key) {
		return memtable.Record{}, false, nil
	}
	idx, found := r.lookup(key)
	if !found {
		return memtable.Record{}, false, nil
	}
	f, err := cache.open(r.ID, r.Path)
	if err != nil {
		return memtable.Record{}, false, err
	}
	rec, err = readRecordAt(f, r.index[idx].offset)
	if err != nil {
		return memtable.Record{}, false, err
	}
	if !bytes.Equal(rec.Key, key) {
		return memtable.Record{}, false, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "sstable: index/data key mismatch")
	}
	return rec, true, nil
}

// Range returns every record with lo <= key <= hi (nil bounds are
// unbounded), in ascending order, read straight off the index. Each record's
// key is checked against its index entry as a corruption defense.
func (r *Reader) Range(cache *OpenFileCache, lo, hi []byte) ([]memtable.Record, error) {
	start := 0
	if lo != nil {
		start = lowerBound(r.index, lo)
	}
	end := len(r.index)
	if hi != nil {
		end = upperBound(r.index, hi)
	}
	if start >= end {
		return nil, nil
	}
	f, err := cache.open(r.ID, r.Path)
	if err != nil {
		return nil, err
	}
	out := make([]memtable.Record, 0, end-start)
	for _, e := range r.index[start:end] {
		rec, err := readRecordAt(f, e.offset)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(rec.Key, e.key) {
			return nil, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "sstable: index/data key mismatch")
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Reader) lookup(key []byte) (int, bool) {
	lo, hi := 0, len(r.index)
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(r.index[mid].key, key)
		switch {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return 0, false
}

func lowerBound(entries []indexEntry, key []byte) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(entries[mid].key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func upperBound(entries []indexEntry, key []byte) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(entries[mid].key, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func readRecordAt(f *os.File, offset uint64) (memtable.Record, error) {
	var lenBuf [8]byte
	if _, err := f.ReadAt(lenBuf[:], int64(offset)); err != nil {
		return memtable.Record{}, err
	}
	keyLen := binary.BigEndian.Uint32(lenBuf[0:4])
	valLen := binary.BigEndian.Uint32(lenBuf[4:8])
	body := make([]byte, keyLen+valLen)
	if _, err := f.ReadAt(body, int64(offset)+8); err != nil {
		return memtable.Record{}, err
	}
	key := body[:keyLen]
	value := body[keyLen:]
	return memtable.Record{Key: key, Value: value, Tombstone: len(value) == 0}, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
