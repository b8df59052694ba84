// Package compaction picks which files to merge next and performs the
// merge: a streaming k-way merge over the chosen input files, written out
// as one or more non-overlapping tables at the next deeper level (or back
// into L0 when the hierarchy has a single level) and committed through a
// single version edit.
package compaction

import (
	"bytes"

	"github.com/golsm/lsm/internal/manifest"
)

// Options configures trigger thresholds and output sizing.
type Options struct {
	L0CompactionTrigger int
	LevelSizeMultiplier uint64
	TargetFileSizeBase  uint64
	// MaxLevels bounds the hierarchy compaction operates on: levels >=
	// MaxLevels are never chosen as sources or outputs, so data settles in
	// levels 0..MaxLevels-1. Capped at the catalog's fixed capacity.
	MaxLevels       int
	BloomEnabled    bool
	BloomBitsPerKey uint32
	BloomNumHashes  uint32
}

func (o Options) withDefaults() Options {
	if o.L0CompactionTrigger == 0 {
		o.L0CompactionTrigger = 4
	}
	if o.LevelSizeMultiplier == 0 {
		o.LevelSizeMultiplier = 10
	}
	if o.TargetFileSizeBase == 0 {
		o.TargetFileSizeBase = 1 << 20
	}
	if o.MaxLevels <= 0 || o.MaxLevels > manifest.MaxLevels {
		o.MaxLevels = manifest.MaxLevels
	}
	return o
}

// TargetFileSize returns target_file_size(level) = base * multiplier^(level-1)
// for level >= 1, the size bound on each output file of a compaction into
// level.
func (o Options) TargetFileSize(level int) uint64 {
	o = o.withDefaults()
	size := o.TargetFileSizeBase
	for i := 0; i < level-1; i++ {
		size *= o.LevelSizeMultiplier
	}
	return size
}

// Plan describes one compaction: the input files drawn from SourceLevel
// plus any overlapping files from OutputLevel, merged and rewritten as new
// files in OutputLevel. Bottommost reports whether OutputLevel is the
// deepest level holding these keys, which gates tombstone dropping.
type Plan struct {
	SourceLevel int
	OutputLevel int
	SourceFiles []*manifest.FileMetadata
	UpperFiles  []*manifest.FileMetadata
	Bottommost  bool
}

// AllInputs returns every input file across both levels.
func (p *Plan) AllInputs() []*manifest.FileMetadata {
	out := make([]*manifest.FileMetadata, 0, len(p.SourceFiles)+len(p.UpperFiles))
	out = append(out, p.SourceFiles...)
	out = append(out, p.UpperFiles...)
	return out
}

// Pick chooses the next compaction to run, or nil if no level satisfies
// its trigger: L0 first (file count over trigger), then each level >= 1
// in order (total byte size over base*multiplier^(level-1)).
func Pick(v *manifest.Version, opts Options) *Plan {
	opts = opts.withDefaults()

	if l0 := v.Files(0); len(l0) > opts.L0CompactionTrigger {
		return pickLevel0(v, l0, opts)
	}

	for level := 1; level < opts.MaxLevels-1; level++ {
		threshold := opts.TargetFileSizeBase
		for i := 0; i < level-1; i++ {
			threshold *= opts.LevelSizeMultiplier
		}
		if v.LevelSize(level) > threshold {
			return pickLevel(v, level, opts)
		}
	}
	return nil
}

func pickLevel0(v *manifest.Version, l0 []*manifest.FileMetadata, opts Options) *Plan {
	n := opts.L0CompactionTrigger
	if n > len(l0) {
		n = len(l0)
	}
	sources := append([]*manifest.FileMetadata(nil), l0[:n]...) // oldest-first, l0 is number-sorted

	lo, hi := unionRange(sources)
	// With a single-level hierarchy there is no L1 to push into; the merge
	// rewrites the chosen files back into L0 (fewer, larger files).
	outputLevel := 1
	if opts.MaxLevels == 1 {
		outputLevel = 0
	}
	var upper []*manifest.FileMetadata
	if outputLevel > 0 {
		upper = v.OverlappingFiles(outputLevel, lo, hi)
	}

	plan := &Plan{
		SourceLevel: 0,
		OutputLevel: outputLevel,
		SourceFiles: sources,
		UpperFiles:  upper,
	}
	// Upper inputs can reach past the sources' range, and every key the
	// merge emits is subject to tombstone dropping.
	allLo, allHi := unionRange(plan.AllInputs())
	plan.Bottommost = isBottommost(v, outputLevel, allLo, allHi)
	return plan
}

func pickLevel(v *manifest.Version, level int, opts Options) *Plan {
	files := v.Files(level)
	if len(files) == 0 {
		return nil
	}
	// Always compact the file with the smallest key: once it's merged
	// away it naturally falls out of consideration on the next pick,
	// which cycles through the level over successive compactions without
	// needing a persisted cursor.
	source := files[0]
	outputLevel := level + 1
	upper := v.OverlappingFiles(outputLevel, source.Smallest, source.Largest)

	plan := &Plan{
		SourceLevel: level,
		OutputLevel: outputLevel,
		SourceFiles: []*manifest.FileMetadata{source},
		UpperFiles:  upper,
	}
	allLo, allHi := unionRange(plan.AllInputs())
	plan.Bottommost = isBottommost(v, outputLevel, allLo, allHi)
	return plan
}

func unionRange(files []*manifest.FileMetadata) (lo, hi []byte) {
	for _, f := range files {
		if lo == nil || bytes.Compare(f.Smallest, lo) < 0 {
			lo = f.Smallest
		}
		if hi == nil || bytes.Compare(f.Largest, hi) > 0 {
			hi = f.Largest
		}
	}
	return lo, hi
}

// isBottommost reports whether no level deeper than outputLevel holds a
// file overlapping [lo, hi] — i.e. a tombstone surviving into outputLevel
// can be safely dropped because nothing older could be resurrected. It
// scans the catalog's full capacity rather than Options.MaxLevels: a
// database reopened with a smaller bound may still hold files in deeper
// levels, and those must keep suppressing tombstone drops.
func isBottommost(v *manifest.Version, outputLevel int, lo, hi []byte) bool {
	for level := outputLevel + 1; level < manifest.MaxLevels; level++ {
		if len(v.OverlappingFiles(level, lo, hi)) > 0 {
			return false
		}
	}
	return true
}
