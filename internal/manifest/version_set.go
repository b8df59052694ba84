package manifest

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/golsm/lsm/internal/lsmerrors"
)

const manifestFileName = "MANIFEST"

// VersionSet owns the current file catalog, the MANIFEST that durably
// records every edit applied to it, and the file-number/sequence-number
// allocators every other subsystem draws from.
type VersionSet struct {
	dir string
	log *zap.SugaredLogger

	mu       sync.Mutex
	current  *Version
	retained []*Version // historical versions still pinned by a reader

	nextFileNumber atomic.Uint64
	lastSequence   atomic.Uint64

	manifestFile *os.File
	manifestW    *bufio.Writer
}

// Open recovers (or creates) the MANIFEST in dir and returns a ready
// VersionSet.
func Open(dir string, log *zap.SugaredLogger) (*VersionSet, error) {
	vs := &VersionSet{dir: dir, log: log, current: newVersion()}
	path := filepath.Join(dir, manifestFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}
		vs.manifestFile = f
		vs.manifestW = bufio.NewWriter(f)
		vs.nextFileNumber.Store(1)
		initial := uint64(1)
		initialSeq := uint64(0)
		if err := vs.writeEditLocked(&VersionEdit{NextFileNumber: &initial, LastSequence: &initialSeq}); err != nil {
			_ = f.Close()
			return nil, err
		}
		return vs, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := vs.replay(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, err
	}
	vs.manifestFile = f
	vs.manifestW = bufio.NewWriter(f)
	return vs, nil
}

// replay reconstructs the catalog by applying every edit record in the
// MANIFEST, in order, starting from an empty version. A torn trailing
// record (truncated length prefix or payload) stops replay cleanly;
// everything decoded before it stays valid.
func (vs *VersionSet) replay(f *os.File) error {
	r := bufio.NewReader(f)
	v := newVersion()
	var maxFileNumber uint64
	var lastSeq uint64
	sawAny := false

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			break // clean EOF or torn length prefix: stop
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break // torn payload: stop, discard this trailing record
		}

		edit, err := DecodeVersionEdit(payload)
		if err != nil {
			break
		}
		sawAny = true

		for _, d := range edit.Deleted {
			if err := v.deleteFile(d.Level, d.Number); err != nil {
				return lsmerrors.Wrap(err, "manifest: replay delete")
			}
		}
		for i := range edit.Added {
			f := edit.Added[i]
			if err := v.addFile(&f); err != nil {
				return lsmerrors.Wrap(err, "manifest: replay add")
			}
			if f.Number > maxFileNumber {
				maxFileNumber = f.Number
			}
		}
		if edit.NextFileNumber != nil && *edit.NextFileNumber > maxFileNumber {
			maxFileNumber = *edit.NextFileNumber - 1
		}
		if edit.LastSequence != nil && *edit.LastSequence > lastSeq {
			lastSeq = *edit.LastSequence
		}
	}

	if !sawAny {
		return lsmerrors.Wrap(lsmerrors.ErrManifestReplay, "manifest: no valid edit records found")
	}

	vs.current = v
	vs.nextFileNumber.Store(maxFileNumber + 1)
	vs.lastSequence.Store(lastSeq)
	return nil
}

// NewFileNumber allocates and returns the next file number.
func (vs *VersionSet) NewFileNumber() uint64 {
	return vs.nextFileNumber.Add(1) - 1
}

// SetLastSequence records the highest sequence number observed so far;
// LastSequence reports it back.
func (vs *VersionSet) SetLastSequence(seq uint64) {
	for {
		cur := vs.lastSequence.Load()
		if seq <= cur {
			return
		}
		if vs.lastSequence.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (vs *VersionSet) LastSequence() uint64 { return vs.lastSequence.Load() }

// Current returns the live version, pinned (Ref'd) so it survives a
// concurrent Apply. The caller must call Release when done.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.current.Ref()
	return vs.current
}

// Release unpins a version obtained from Current. If it was a
// historical version kept alive only for this pin, it's dropped once its
// count reaches zero.
func (vs *VersionSet) Release(v *Version) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if v.unrefLocked() > 0 || v == vs.current {
		return
	}
	for i, r := range vs.retained {
		if r == v {
			vs.retained = append(vs.retained[:i], vs.retained[i+1:]...)
			return
		}
	}
}

// Apply clones the current version, applies edit's deletes then adds,
// checks invariants, durably appends edit to the MANIFEST, and only then
// installs the new version. A failure at any step (including fsync)
// leaves the current version unchanged.
func (vs *VersionSet) Apply(edit *VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	nv := vs.current.clone()
	for _, d := range edit.Deleted {
		if err := nv.deleteFile(d.Level, d.Number); err != nil {
			return err
		}
	}
	for i := range edit.Added {
		f := edit.Added[i]
		if err := nv.addFile(&f); err != nil {
			return err
		}
	}

	if err := vs.writeEditLocked(edit); err != nil {
		return err
	}

	if edit.NextFileNumber != nil {
		for {
			cur := vs.nextFileNumber.Load()
			if *edit.NextFileNumber <= cur {
				break
			}
			if vs.nextFileNumber.CompareAndSwap(cur, *edit.NextFileNumber) {
				break
			}
		}
	}
	if edit.LastSequence != nil {
		vs.setLastSequenceLocked(*edit.LastSequence)
	}

	old := vs.current
	vs.current = nv
	if old.unrefLocked() > 0 {
		vs.retained = append(vs.retained, old)
	}
	return nil
}

func (vs *VersionSet) setLastSequenceLocked(seq uint64) {
	for {
		cur := vs.lastSequence.Load()
		if seq <= cur {
			return
		}
		if vs.lastSequence.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// writeEditLocked encodes edit, appends it as a length-prefixed record,
// flushes and fsyncs. Called with vs.mu held.
func (vs *VersionSet) writeEditLocked(edit *VersionEdit) error {
	payload := edit.Encode()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := vs.manifestW.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := vs.manifestW.Write(payload); err != nil {
		return err
	}
	if err := vs.manifestW.Flush(); err != nil {
		return err
	}
	return vs.manifestFile.Sync()
}

// Close fsyncs and closes the MANIFEST handle.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifestFile == nil {
		return nil
	}
	if err := vs.manifestW.Flush(); err != nil {
		_ = vs.manifestFile.Close()
		return err
	}
	if err := vs.manifestFile.Sync(); err != nil {
		_ = vs.manifestFile.Close()
		return err
	}
	return vs.manifestFile.Close()
}

// SSTableFileName is the on-disk name for a table file: a zero-padded
// file number followed by ".sst".
func SSTableFileName(number uint64) string {
	return fmt.Sprintf("%06d.sst", number)
}

func parseSSTableFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".sst") {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(name, ".sst"), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// FilesStillReferenced reports, for each given file number, whether the
// current version or any still-pinned historical version references it.
// Compaction uses this before unlinking its input files: a reader that
// pinned an older version through Current() keeps those files alive until
// it calls Release, even after a newer version has dropped them.
func (vs *VersionSet) FilesStillReferenced(numbers []uint64) map[uint64]bool {
	vs.mu.Lock()
	live := vs.current.LiveFileNumbers()
	for _, v := range vs.retained {
		for n := range v.LiveFileNumbers() {
			live[n] = struct{}{}
		}
	}
	vs.mu.Unlock()

	result := make(map[uint64]bool, len(numbers))
	for _, n := range numbers {
		_, ok := live[n]
		result[n] = ok
	}
	return result
}

// SweepOrphans deletes every *.sst file in the version set's directory
// that isn't referenced by the current version or any still-pinned
// historical version — the recovery from a crash mid-compaction that left
// output files on disk with no MANIFEST reference to them.
func (vs *VersionSet) SweepOrphans() error {
	vs.mu.Lock()
	live := vs.current.LiveFileNumbers()
	for _, v := range vs.retained {
		for n := range v.LiveFileNumbers() {
			live[n] = struct{}{}
		}
	}
	vs.mu.Unlock()

	entries, err := os.ReadDir(vs.dir)
	if err != nil {
		return err
	}
	var removed []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		number, ok := parseSSTableFileName(e.Name())
		if !ok {
			continue
		}
		if _, ok := live[number]; ok {
			continue
		}
		path := filepath.Join(vs.dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		removed = append(removed, e.Name())
	}
	if len(removed) > 0 && vs.log != nil {
		sort.Strings(removed)
		vs.log.Infow("manifest: swept orphan sstables", "files", removed)
	}
	return nil
}
