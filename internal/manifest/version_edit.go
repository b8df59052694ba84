package manifest

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/golsm/lsm/internal/lsmerrors"
)

// DeletedFile identifies a file to remove from a level by number.
type DeletedFile struct {
	Level  int
	Number uint64
}

// VersionEdit is a delta between two versions: files to drop, files to
// add, and optionally a watermark for the file-number allocator and the
// last assigned sequence number. Applying edits in order from the empty
// version reconstructs the current version, which is the MANIFEST's
// entire reason to exist.
type VersionEdit struct {
	Deleted        []DeletedFile
	Added          []FileMetadata
	NextFileNumber *uint64
	LastSequence   *uint64
}

// Encode serializes the edit as a self-delimiting binary envelope: an
// outer [length u32 be] that VersionSet.writeEditLocked prepends, and an inner
// payload of
//
//	[num_deleted u32][deleted: level u16, number u64]...
//	[num_added u32][added: level u16, number u64, size u64,
//	                smallest_len u32, smallest, largest_len u32, largest]...
//	[has_next u8][next_file_number u64 if has_next]
//	[has_last u8][last_sequence u64 if has_last]
//
// A binary envelope is binary-safe by construction, so keys need no
// escaping, and the length prefix makes a truncated tail detectable.
func (e *VersionEdit) Encode() []byte {
	var buf bytes.Buffer

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(e.Deleted)))
	buf.Write(countBuf[:])
	for _, d := range e.Deleted {
		var lvlBuf [2]byte
		binary.BigEndian.PutUint16(lvlBuf[:], uint16(d.Level))
		buf.Write(lvlBuf[:])
		var numBuf [8]byte
		binary.BigEndian.PutUint64(numBuf[:], d.Number)
		buf.Write(numBuf[:])
	}

	binary.BigEndian.PutUint32(countBuf[:], uint32(len(e.Added)))
	buf.Write(countBuf[:])
	for _, f := range e.Added {
		var lvlBuf [2]byte
		binary.BigEndian.PutUint16(lvlBuf[:], uint16(f.Level))
		buf.Write(lvlBuf[:])
		var u64Buf [8]byte
		binary.BigEndian.PutUint64(u64Buf[:], f.Number)
		buf.Write(u64Buf[:])
		binary.BigEndian.PutUint64(u64Buf[:], f.Size)
		buf.Write(u64Buf[:])
		writeBytesField(&buf, f.Smallest)
		writeBytesField(&buf, f.Largest)
	}

	writeOptionalU64(&buf, e.NextFileNumber)
	writeOptionalU64(&buf, e.LastSequence)

	return buf.Bytes()
}

func writeBytesField(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func writeOptionalU64(buf *bytes.Buffer, v *uint64) {
	if v == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	var u64Buf [8]byte
	binary.BigEndian.PutUint64(u64Buf[:], *v)
	buf.Write(u64Buf[:])
}

// DecodeVersionEdit parses a payload produced by Encode. A truncated
// payload is reported as lsmerrors.ErrCorruptFile so the caller (MANIFEST
// replay) can treat it as a torn tail.
func DecodeVersionEdit(b []byte) (*VersionEdit, error) {
	r := bytes.NewReader(b)
	e := &VersionEdit{}

	numDeleted, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numDeleted; i++ {
		level, err := readU16(r)
		if err != nil {
			return nil, err
		}
		number, err := readU64(r)
		if err != nil {
			return nil, err
		}
		e.Deleted = append(e.Deleted, DeletedFile{Level: int(level), Number: number})
	}

	numAdded, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numAdded; i++ {
		level, err := readU16(r)
		if err != nil {
			return nil, err
		}
		number, err := readU64(r)
		if err != nil {
			return nil, err
		}
		size, err := readU64(r)
		if err != nil {
			return nil, err
		}
		smallest, err := readBytesField(r)
		if err != nil {
			return nil, err
		}
		largest, err := readBytesField(r)
		if err != nil {
			return nil, err
		}
		e.Added = append(e.Added, FileMetadata{
			Level: int(level), Number: number, Size: size,
			Smallest: smallest, Largest: largest,
		})
	}

	e.NextFileNumber, err = readOptionalU64(r)
	if err != nil {
		return nil, err
	}
	e.LastSequence, err = readOptionalU64(r)
	if err != nil {
		return nil, err
	}

	return e, nil
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "manifest: truncated edit")
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "manifest: truncated edit")
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "manifest: truncated edit")
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBytesField(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "manifest: truncated edit")
	}
	return out, nil
}

func readOptionalU64(r *bytes.Reader) (*uint64, error) {
	var has [1]byte
	if _, err := io.ReadFull(r, has[:]); err != nil {
		return nil, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "manifest: truncated edit")
	}
	if has[0] == 0 {
		return nil, nil
	}
	v, err := readU64(r)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
