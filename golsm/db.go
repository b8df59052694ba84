// Package golsm is the engine façade: it binds the WAL, memtable, version
// set, SSTable layer and compaction worker into a single-writer,
// multi-reader embedded key-value store, leveled and backed by a
// MANIFEST-tracked version set with a background compaction worker.
package golsm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/golsm/lsm/internal/compaction"
	"github.com/golsm/lsm/internal/lsmerrors"
	"github.com/golsm/lsm/internal/manifest"
	"github.com/golsm/lsm/internal/memtable"
	"github.com/golsm/lsm/internal/sstable"
	"github.com/golsm/lsm/internal/wal"
)

// DB is one open database directory. A coarse mutex guards the write path
// and the memtable-to-SSTable transition; readers take the read lock just
// long enough to consult the memtable and pin the current version, then
// release it for the on-disk part of the read. The version pin keeps
// referenced SSTables alive even if a concurrent compaction installs a
// newer version mid-read.
type DB struct {
	mu     sync.RWMutex
	closed bool

	dir  string
	opts Options
	log  *zap.SugaredLogger

	mem     *memtable.Memtable
	walPath string
	w       *wal.Writer

	vs    *manifest.VersionSet
	cache *sstable.OpenFileCache

	readers *lru.Cache[uint64, *sstable.Reader]

	compactionOpts compaction.Options
	worker         *compaction.Worker

	writesSinceCheck int
}

// Open recovers (or creates) the database at opts.Dir: it replays the WAL
// into a fresh memtable, recovers the version set from its MANIFEST, sweeps
// any orphaned SSTable left over from a crash mid-compaction, and starts
// the background compaction worker if enabled.
func Open(opts Options) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, lsmerrors.Wrapf(err, "golsm: creating dir %q", opts.Dir)
	}

	vs, err := manifest.Open(opts.Dir, opts.Logger)
	if err != nil {
		return nil, lsmerrors.Wrap(err, "golsm: opening version set")
	}

	cache, err := sstable.NewOpenFileCache(opts.MaxOpenFiles)
	if err != nil {
		_ = vs.Close()
		return nil, lsmerrors.Wrap(err, "golsm: creating file cache")
	}
	readers, err := lru.New[uint64, *sstable.Reader](opts.MaxOpenFiles)
	if err != nil {
		_ = vs.Close()
		cache.Close()
		return nil, lsmerrors.Wrap(err, "golsm: creating reader cache")
	}

	mem := memtable.New()
	walPath := filepath.Join(opts.Dir, "wal")
	if err := wal.Recover(walPath, opts.SSTableBlockSize, func(key, value []byte) error {
		mem.Put(key, value)
		return nil
	}); err != nil {
		_ = vs.Close()
		cache.Close()
		return nil, lsmerrors.Wrap(err, "golsm: recovering wal")
	}

	w, err := wal.Open(walPath, wal.Options{
		BlockSize:     opts.SSTableBlockSize,
		BufferSize:    opts.WriteBufferSize,
		FlushInterval: opts.WALFlushInterval,
		SizeThreshold: opts.WALSizeThreshold,
	})
	if err != nil {
		_ = vs.Close()
		cache.Close()
		return nil, lsmerrors.Wrap(err, "golsm: opening wal")
	}

	if err := vs.SweepOrphans(); err != nil {
		opts.Logger.Warnw("golsm: orphan sweep failed", "error", err)
	}

	compactionOpts := compaction.Options{
		L0CompactionTrigger: opts.L0CompactionTrigger,
		LevelSizeMultiplier: opts.CompactionLevelSizeMultiplier,
		TargetFileSizeBase:  opts.CompactionLevelTargetFileSizeBase,
		MaxLevels:           opts.CompactionMaxLevel,
		BloomEnabled:        opts.UseBloomFilter,
		BloomBitsPerKey:     opts.BloomFilterBitsPerKey,
		BloomNumHashes:      opts.BloomFilterNumHashes,
	}

	db := &DB{
		dir:            opts.Dir,
		opts:           opts,
		log:            opts.Logger,
		mem:            mem,
		walPath:        walPath,
		w:              w,
		vs:             vs,
		cache:          cache,
		readers:        readers,
		compactionOpts: compactionOpts,
	}
	db.worker = compaction.NewWorker(vs, opts.Dir, cache, compactionOpts, opts.EnableAutomaticCompaction, opts.Logger)
	db.worker.Start()
	return db, nil
}

// Put writes key=value. The WAL append comes first and the memtable insert
// only after it succeeds. Under the default WAL policy (no flush interval or
// size threshold) that append includes an fsync, so an acknowledged write is
// durable; with either threshold set, the fsync may come on a later append.
func (db *DB) Put(key, value []byte) error {
	if len(key) == 0 {
		return lsmerrors.ErrEmptyKey
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return lsmerrors.ErrClosed
	}
	if err := db.w.Append(key, value); err != nil {
		return lsmerrors.Wrap(err, "golsm: wal append")
	}
	db.mem.Put(key, value)

	if db.mem.ByteSize() >= db.opts.MemtableSizeThreshold {
		if err := db.flushLocked(); err != nil {
			return err
		}
	}

	db.writesSinceCheck++
	if db.writesSinceCheck >= db.opts.CompactionCheckInterval {
		db.writesSinceCheck = 0
		db.worker.Trigger()
	}
	return nil
}

// Delete is Put(key, nil): an empty value is unconditionally a tombstone.
func (db *DB) Delete(key []byte) error {
	return db.Put(key, nil)
}

// Get looks up key: memtable first, then SSTables newest-to-oldest
// (L0 by descending file number, then L1, L2, ... ascending by level). The
// first hit wins; a tombstone hit reports absent.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, lsmerrors.ErrEmptyKey
	}

	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, false, lsmerrors.ErrClosed
	}
	rec, inMem := db.mem.Get(key)
	v := db.vs.Current()
	db.mu.RUnlock()
	defer db.vs.Release(v)

	if inMem {
		if rec.Tombstone {
			return nil, false, nil
		}
		return rec.Value, true, nil
	}

	for level := 0; level < manifest.MaxLevels; level++ {
		files := v.Files(level)
		if level == 0 {
			files = newestFirst(files)
		}
		for _, f := range files {
			if bytes.Compare(key, f.Smallest) < 0 || bytes.Compare(key, f.Largest) > 0 {
				continue
			}
			r, err := db.getReader(f)
			if err != nil {
				return nil, false, err
			}
			if !r.MaybeContains(key) {
				continue
			}
			rec, ok, err := r.Get(db.cache, key)
			if err != nil {
				return nil, false, lsmerrors.Wrapf(err, "golsm: reading sstable %d", f.Number)
			}
			if !ok {
				continue
			}
			if rec.Tombstone {
				return nil, false, nil
			}
			return rec.Value, true, nil
		}
	}
	return nil, false, nil
}

// Range yields ascending (key, value) pairs with lo <= key <= hi (either
// bound may be nil for unbounded). Precedence is memtable > L0 newest-first
// > L1 > L2 > ...; the first non-tombstone value per key is kept and each
// key is yielded at most once.
func (db *DB) Range(lo, hi []byte) ([]KV, error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, lsmerrors.ErrClosed
	}
	memRecs := db.mem.Range(lo, hi)
	v := db.vs.Current()
	db.mu.RUnlock()
	defer db.vs.Release(v)

	seen := make(map[string]bool)
	var out []KV

	take := func(key, value []byte, tombstone bool) {
		k := string(key)
		if seen[k] {
			return
		}
		seen[k] = true
		if tombstone {
			return
		}
		out = append(out, KV{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
	}

	for _, rec := range memRecs {
		take(rec.Key, rec.Value, rec.Tombstone)
	}

	for level := 0; level < manifest.MaxLevels; level++ {
		files := v.Files(level)
		if level == 0 {
			files = newestFirst(files)
		}
		for _, f := range files {
			if hi != nil && bytes.Compare(f.Smallest, hi) > 0 {
				continue
			}
			if lo != nil && bytes.Compare(f.Largest, lo) < 0 {
				continue
			}
			r, err := db.getReader(f)
			if err != nil {
				return nil, err
			}
			recs, err := r.Range(db.cache, lo, hi)
			if err != nil {
				return nil, lsmerrors.Wrapf(err, "golsm: ranging sstable %d", f.Number)
			}
			for _, rec := range recs {
				take(rec.Key, rec.Value, rec.Tombstone)
			}
		}
	}

	sortKVs(out)
	return out, nil
}

// Flush forces the active memtable out to a new L0 SSTable even if it's
// below the size threshold, and rotates the WAL.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return lsmerrors.ErrClosed
	}
	if db.mem.IsEmpty() {
		return nil
	}
	return db.flushLocked()
}

// flushLocked implements the atomicity-with-flush protocol: finalize the L0
// SSTable and apply its version edit, close the WAL, rename it to a
// timestamped archive name, then open a fresh WAL. Called with db.mu held.
func (db *DB) flushLocked() error {
	records := db.mem.SortedRecords()
	number := db.vs.NewFileNumber()
	path := filepath.Join(db.dir, manifest.SSTableFileName(number))
	smallest, largest, size, err := sstable.Build(path, records, sstable.BuildOptions{
		BloomEnabled:    db.opts.UseBloomFilter,
		BloomBitsPerKey: db.opts.BloomFilterBitsPerKey,
		BloomNumHashes:  db.opts.BloomFilterNumHashes,
	})
	if err != nil {
		return lsmerrors.Wrapf(err, "golsm: building sstable %d", number)
	}

	meta := manifest.FileMetadata{Number: number, Level: 0, Size: uint64(size), Smallest: smallest, Largest: largest}
	if err := db.vs.Apply(&manifest.VersionEdit{Added: []manifest.FileMetadata{meta}}); err != nil {
		return lsmerrors.Wrap(err, "golsm: applying flush version edit")
	}

	if err := db.w.Close(); err != nil {
		return lsmerrors.Wrap(err, "golsm: closing wal before rotation")
	}
	archive := filepath.Join(db.dir, fmt.Sprintf("wal.%d", time.Now().Unix()))
	if err := os.Rename(db.walPath, archive); err != nil {
		return lsmerrors.Wrap(err, "golsm: archiving wal")
	}
	w, err := wal.Open(db.walPath, wal.Options{
		BlockSize:     db.opts.SSTableBlockSize,
		BufferSize:    db.opts.WriteBufferSize,
		FlushInterval: db.opts.WALFlushInterval,
		SizeThreshold: db.opts.WALSizeThreshold,
	})
	if err != nil {
		return lsmerrors.Wrap(err, "golsm: opening fresh wal")
	}
	db.w = w
	db.mem = memtable.New()

	db.log.Debugw("golsm: flushed memtable", "file_number", number, "records", len(records), "bytes", size)
	db.worker.Trigger()
	return nil
}

// Compact repeatedly picks and runs a compaction until no level satisfies
// its trigger, regardless of whether automatic compaction is enabled.
func (db *DB) Compact() error {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return lsmerrors.ErrClosed
	}
	if err := db.worker.CompactNow(); err != nil {
		return lsmerrors.Wrap(err, "golsm: compaction")
	}
	return nil
}

// Info reports per-level file counts/sizes plus the active memtable and
// WAL state, for the CLI's info command.
func (db *DB) Info() (Stats, error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return Stats{}, lsmerrors.ErrClosed
	}
	memEntries := db.mem.Len()
	memBytes := db.mem.ByteSize()
	walPath := db.walPath
	v := db.vs.Current()
	db.mu.RUnlock()
	defer db.vs.Release(v)

	return Stats{
		Levels:          collectLevelStats(v),
		MemtableEntries: memEntries,
		MemtableBytes:   memBytes,
		WALPath:         walPath,
	}, nil
}

// Close best-effort flushes the active memtable, stops the compaction
// worker, closes the WAL, then closes the version set (which fsyncs and
// closes the MANIFEST).
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	if !db.mem.IsEmpty() {
		if err := db.flushLocked(); err != nil {
			db.mu.Unlock()
			return err
		}
	}
	db.closed = true
	db.mu.Unlock()

	db.worker.Stop()

	var firstErr error
	if err := db.w.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.vs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.cache.Close()
	return firstErr
}

// getReader returns the cached sstable.Reader for f, opening and caching
// it on first use. Readers hold only an in-memory index and Bloom filter;
// actual file descriptors stay bounded separately by db.cache.
func (db *DB) getReader(f *manifest.FileMetadata) (*sstable.Reader, error) {
	if r, ok := db.readers.Get(f.Number); ok {
		return r, nil
	}
	path := filepath.Join(db.dir, manifest.SSTableFileName(f.Number))
	r, err := sstable.Open(path, f.Number, db.log)
	if err != nil {
		return nil, lsmerrors.Wrapf(err, "golsm: opening sstable %d", f.Number)
	}
	db.readers.Add(f.Number, r)
	return r, nil
}

func newestFirst(files []*manifest.FileMetadata) []*manifest.FileMetadata {
	out := make([]*manifest.FileMetadata, len(files))
	for i, f := range files {
		out[len(files)-1-i] = f
	}
	return out
}

// KV is one (key, value) pair returned by Range.
type KV struct {
	Key   []byte
	Value []byte
}

// sortKVs restores ascending key order: take() dedupes as it accumulates
// from memtable then per-level SSTable hits, so by this point every key
// appears exactly once and this is a plain sort, not a merge.
func sortKVs(kvs []KV) {
	sort.Slice(kvs, func(i, j int) bool {
		return bytes.Compare(kvs[i].Key, kvs[j].Key) < 0
	})
}
