// Package manifest tracks the live SSTable catalog: which files exist, at
// which level, and the durable log of edits (the MANIFEST) that produced
// the current catalog. Replaying the MANIFEST from the empty version
// reconstructs the catalog exactly, which is what makes the file set
// crash-safe.
package manifest

import (
	"bytes"
	"sort"

	"github.com/golsm/lsm/internal/lsmerrors"
)

// MaxLevels is the number of levels the catalog partitions files into.
const MaxLevels = 7

// FileMetadata describes one live SSTable.
type FileMetadata struct {
	Number   uint64
	Level    int
	Size     uint64
	Smallest []byte
	Largest  []byte
}

// Version is an immutable snapshot of the live file catalog: which files
// exist at each level. L0 is kept in ascending file-number (oldest-first)
// order; L1+ is kept sorted ascending by smallest key and is invariant
// non-overlapping.
type Version struct {
	files [MaxLevels][]*FileMetadata
	refs  int32
}

func newVersion() *Version {
	return &Version{refs: 1}
}

// clone returns a shallow copy: level slices are copied, FileMetadata
// values are shared (they're never mutated in place after being added).
func (v *Version) clone() *Version {
	nv := &Version{refs: 1}
	for i := range v.files {
		if len(v.files[i]) == 0 {
			continue
		}
		nv.files[i] = append([]*FileMetadata(nil), v.files[i]...)
	}
	return nv
}

// Files returns the file list for level (read-only; callers must not
// mutate the returned slice).
func (v *Version) Files(level int) []*FileMetadata {
	if level < 0 || level >= MaxLevels {
		return nil
	}
	return v.files[level]
}

// Ref pins the version so a concurrent Apply installing a newer version
// won't have its files deleted out from under an in-flight reader.
func (v *Version) Ref() {
	v.refs++
}

// unrefLocked releases a pin and returns the remaining count; called with
// the VersionSet's mutex held. Once the count reaches 0 and v is no longer
// the current version, v must not be used.
func (v *Version) unrefLocked() int32 {
	v.refs--
	return v.refs
}

// LiveFileNumbers returns every file number referenced by this version,
// across all levels.
func (v *Version) LiveFileNumbers() map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for level := 0; level < MaxLevels; level++ {
		for _, f := range v.files[level] {
			out[f.Number] = struct{}{}
		}
	}
	return out
}

// OverlappingFiles returns the files at level whose [Smallest, Largest]
// range intersects [lo, hi]; a nil bound is unbounded on that side.
func (v *Version) OverlappingFiles(level int, lo, hi []byte) []*FileMetadata {
	files := v.Files(level)
	if level == 0 {
		var out []*FileMetadata
		for _, f := range files {
			if rangesOverlap(f.Smallest, f.Largest, lo, hi) {
				out = append(out, f)
			}
		}
		return out
	}
	var out []*FileMetadata
	for _, f := range files {
		if rangesOverlap(f.Smallest, f.Largest, lo, hi) {
			out = append(out, f)
		}
	}
	return out
}

// LevelSize sums the byte size of every file at level.
func (v *Version) LevelSize(level int) uint64 {
	var total uint64
	for _, f := range v.Files(level) {
		total += f.Size
	}
	return total
}

func rangesOverlap(smallest, largest, lo, hi []byte) bool {
	if lo != nil && bytes.Compare(largest, lo) < 0 {
		return false
	}
	if hi != nil && bytes.Compare(smallest, hi) > 0 {
		return false
	}
	return true
}

func (v *Version) addFile(f *FileMetadata) error {
	if f.Level < 0 || f.Level >= MaxLevels {
		return lsmerrors.Wrap(lsmerrors.ErrInvalidArgument, "manifest: file level out of range")
	}
	if f.Level == 0 {
		v.files[0] = append(v.files[0], f)
		sort.Slice(v.files[0], func(i, j int) bool { return v.files[0][i].Number < v.files[0][j].Number })
		return nil
	}
	v.files[f.Level] = append(v.files[f.Level], f)
	sort.Slice(v.files[f.Level], func(i, j int) bool {
		return bytes.Compare(v.files[f.Level][i].Smallest, v.files[f.Level][j].Smallest) < 0
	})
	return checkNonOverlapping(v.files[f.Level])
}

func (v *Version) deleteFile(level int, number uint64) error {
	if level < 0 || level >= MaxLevels {
		return lsmerrors.Wrap(lsmerrors.ErrInvalidArgument, "manifest: file level out of range")
	}
	files := v.files[level]
	for i, f := range files {
		if f.Number == number {
			v.files[level] = append(files[:i], files[i+1:]...)
			return nil
		}
	}
	return nil // deleting an already-absent file is a no-op, tolerated on replay
}

func checkNonOverlapping(files []*FileMetadata) error {
	for i := 1; i < len(files); i++ {
		if bytes.Compare(files[i-1].Largest, files[i].Smallest) >= 0 {
			return lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "manifest: level invariant violated, overlapping files")
		}
	}
	return nil
}
