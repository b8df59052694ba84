package compaction

import (
	"bytes"
	"container/heap"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/golsm/lsm/internal/lsmerrors"
	"github.com/golsm/lsm/internal/manifest"
	"github.com/golsm/lsm/internal/memtable"
	"github.com/golsm/lsm/internal/sstable"
)

type fileIter struct {
	level   int
	number  uint64
	records []memtable.Record
	pos     int
}

func (it *fileIter) done() bool { return it.pos >= len(it.records) }

func (it *fileIter) key() []byte { return it.records[it.pos].Key }

func (it *fileIter) rec() memtable.Record { return it.records[it.pos] }

type mergeHeap []*fileIter

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return bytes.Compare(h[i].key(), h[j].key()) < 0
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*fileIter)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// isNewer reports whether (aLevel, aNumber) must win over (bLevel,
// bNumber) on a duplicate key: a lower level is always newer; within the
// same level (only possible at L0, since L1+ is non-overlapping) the
// larger file number is newer.
func isNewer(aLevel int, aNumber uint64, bLevel int, bNumber uint64) bool {
	if aLevel != bLevel {
		return aLevel < bLevel
	}
	return aNumber > bNumber
}

// Run executes plan: streams every input file in ascending key order via a
// k-way heap merge, resolves duplicate keys per isNewer, drops tombstones
// at the bottommost level, and writes one or more output SSTables bounded
// by opts.TargetFileSize(plan.OutputLevel). It commits a single VersionEdit
// (add outputs, delete inputs) through vs.Apply, and only unlinks the input
// files from disk once that edit is durable.
func Run(vs *manifest.VersionSet, dir string, cache *sstable.OpenFileCache, plan *Plan, opts Options, log *zap.SugaredLogger) error {
	opts = opts.withDefaults()
	inputs := plan.AllInputs()
	if len(inputs) == 0 {
		return nil
	}

	iters := make([]*fileIter, 0, len(inputs))
	for _, f := range inputs {
		path := filepath.Join(dir, manifest.SSTableFileName(f.Number))
		r, err := sstable.Open(path, f.Number, log)
		if err != nil {
			return lsmerrors.Wrapf(err, "compaction: opening input %d", f.Number)
		}
		records, err := r.Range(cache, nil, nil)
		if err != nil {
			return lsmerrors.Wrapf(err, "compaction: reading input %d", f.Number)
		}
		if len(records) == 0 {
			continue
		}
		iters = append(iters, &fileIter{level: f.Level, number: f.Number, records: records})
	}

	h := &mergeHeap{}
	heap.Init(h)
	for _, it := range iters {
		heap.Push(h, it)
	}

	targetSize := opts.TargetFileSize(plan.OutputLevel)
	var buf []memtable.Record
	var bufBytes uint64
	var outputs []manifest.FileMetadata

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		number := vs.NewFileNumber()
		path := filepath.Join(dir, manifest.SSTableFileName(number))
		smallest, largest, size, err := sstable.Build(path, buf, sstable.BuildOptions{
			BloomEnabled:    opts.BloomEnabled,
			BloomBitsPerKey: opts.BloomBitsPerKey,
			BloomNumHashes:  opts.BloomNumHashes,
		})
		if err != nil {
			return err
		}
		outputs = append(outputs, manifest.FileMetadata{
			Number: number, Level: plan.OutputLevel,
			Size: uint64(size), Smallest: smallest, Largest: largest,
		})
		buf = nil
		bufBytes = 0
		return nil
	}

	for h.Len() > 0 {
		top := heap.Pop(h).(*fileIter)
		best := top.rec()
		bestLevel, bestNumber := top.level, top.number
		top.pos++
		if !top.done() {
			heap.Push(h, top)
		}

		for h.Len() > 0 && bytes.Equal((*h)[0].key(), best.Key) {
			next := heap.Pop(h).(*fileIter)
			if isNewer(next.level, next.number, bestLevel, bestNumber) {
				best = next.rec()
				bestLevel, bestNumber = next.level, next.number
			}
			next.pos++
			if !next.done() {
				heap.Push(h, next)
			}
		}

		if best.Tombstone && plan.Bottommost {
			continue
		}

		buf = append(buf, best)
		bufBytes += uint64(len(best.Key) + len(best.Value) + 16)
		if bufBytes >= targetSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	edit := &manifest.VersionEdit{Added: outputs}
	for _, f := range inputs {
		edit.Deleted = append(edit.Deleted, manifest.DeletedFile{Level: f.Level, Number: f.Number})
	}
	if err := vs.Apply(edit); err != nil {
		return lsmerrors.Wrap(err, "compaction: applying version edit")
	}

	inputNumbers := make([]uint64, len(inputs))
	for i, f := range inputs {
		inputNumbers[i] = f.Number
	}
	stillReferenced := vs.FilesStillReferenced(inputNumbers)
	for _, f := range inputs {
		if stillReferenced[f.Number] {
			// A reader still pins a version (current or retained) that
			// references this file — e.g. a Get/Range in flight when this
			// compaction committed. Leave it on disk; SweepOrphans at the
			// next startup reaps anything left over from this case.
			continue
		}
		cache.Evict(f.Number)
		path := filepath.Join(dir, manifest.SSTableFileName(f.Number))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			if log != nil {
				log.Warnw("compaction: failed to unlink input after commit", "path", path, "error", err)
			}
		}
	}

	if log != nil {
		log.Infow("compaction: completed",
			"source_level", plan.SourceLevel, "output_level", plan.OutputLevel,
			"inputs", len(inputs), "outputs", len(outputs))
	}
	return nil
}
