// Package wal implements the crash-safe, block-framed write-ahead log that
// every write passes through before it reaches the memtable.
//
// The log is an append-only file partitioned into fixed-size blocks. A
// logical record — the encoded (key, value-or-tombstone) pair for a single
// write — is split into one or more physical records so it never straddles
// a block boundary implicitly; each physical record carries its own CRC and
// type (FULL/FIRST/MIDDLE/LAST), in the manner of the classic LevelDB log
// format.
package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"time"

	"github.com/golsm/lsm/internal/lsmerrors"
)

// recordType identifies how a physical record fits into its logical record.
type recordType uint8

const (
	recordZero   recordType = 0 // block padding; never a real record
	recordFull   recordType = 1
	recordFirst  recordType = 2
	recordMiddle recordType = 3
	recordLast   recordType = 4
)

const (
	// headerSize is [crc u32 be][length u32 be][type u8].
	headerSize = 4 + 4 + 1
	// DefaultBlockSize is the fixed block size physical records are
	// framed into, also reused as the default SSTable block size.
	DefaultBlockSize = 4096
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Writer appends (key, value) records to a single WAL segment, fragmenting
// each logical record across the fixed block size and fsyncing per the
// configured durability policy.
type Writer struct {
	f         *os.File
	w         *bufio.Writer
	blockSize int64
	offset    int64 // logical offset of the next byte to be written

	flushInterval time.Duration
	sizeThreshold int64
	lastSync      time.Time
	sinceSync     int64
}

// Options configures fsync cadence. A zero FlushInterval and zero
// SizeThreshold both mean "fsync on every append" — the conservative
// default.
type Options struct {
	BlockSize     int64
	FlushInterval time.Duration
	SizeThreshold int64
	// BufferSize sizes the internal bufio.Writer (write_buffer_size in the
	// engine's configuration). Zero means the 64 KiB default.
	BufferSize int
}

const defaultBufferSize = 64 * 1024

// Open opens (creating if absent) the WAL segment at path for appending.
func Open(path string, opts Options) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{
		f:             f,
		w:             bufio.NewWriterSize(f, opts.BufferSize),
		blockSize:     opts.BlockSize,
		offset:        st.Size(),
		flushInterval: opts.FlushInterval,
		sizeThreshold: opts.SizeThreshold,
		lastSync:      time.Now(),
	}, nil
}

// Append encodes (key, value) and writes it as one or more physical
// records, padding to the next block boundary whenever fewer than
// headerSize bytes remain in the current block.
func (w *Writer) Append(key, value []byte) error {
	payload := encodePayload(key, value)
	pos := 0
	first := true
	for {
		remaining := w.blockSize - (w.offset % w.blockSize)
		if remaining < headerSize {
			if err := w.pad(int(remaining)); err != nil {
				return err
			}
			continue
		}
		avail := int(remaining) - headerSize
		chunkLen := len(payload) - pos
		if chunkLen > avail {
			chunkLen = avail
		}
		last := pos+chunkLen == len(payload)

		var typ recordType
		switch {
		case first && last:
			typ = recordFull
		case first && !last:
			typ = recordFirst
		case !first && last:
			typ = recordLast
		default:
			typ = recordMiddle
		}

		chunk := payload[pos : pos+chunkLen]
		if err := w.writePhysical(typ, chunk); err != nil {
			return err
		}
		pos += chunkLen
		first = false
		if last {
			break
		}
	}
	return w.maybeSync()
}

func (w *Writer) pad(n int) error {
	if n <= 0 {
		return nil
	}
	zeros := make([]byte, n)
	if _, err := w.w.Write(zeros); err != nil {
		return err
	}
	w.offset += int64(n)
	return nil
}

func (w *Writer) writePhysical(typ recordType, payload []byte) error {
	var hdr [headerSize]byte
	crc := crc32.Checksum(payload, castagnoli)
	binary.BigEndian.PutUint32(hdr[0:4], crc)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	hdr[8] = byte(typ)
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	w.offset += int64(headerSize + len(payload))
	w.sinceSync += int64(headerSize + len(payload))
	return nil
}

func (w *Writer) maybeSync() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	due := false
	if w.flushInterval > 0 && time.Since(w.lastSync) >= w.flushInterval {
		due = true
	}
	if w.sizeThreshold > 0 && w.sinceSync >= w.sizeThreshold {
		due = true
	}
	if w.flushInterval == 0 && w.sizeThreshold == 0 {
		due = true // conservative default: fsync every append
	}
	if !due {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	w.lastSync = time.Now()
	w.sinceSync = 0
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if w == nil || w.f == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

// Sync forces an fsync regardless of the configured policy.
func (w *Writer) Sync() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// encodePayload self-describes (key, value-or-tombstone) as
// [keyLen u32 be][valLen u32 be][key][value]. An empty value is a
// tombstone, matching the data model; there is no separate marker.
func encodePayload(key, value []byte) []byte {
	out := make([]byte, 8+len(key)+len(value))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(key)))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(value)))
	copy(out[8:8+len(key)], key)
	copy(out[8+len(key):], value)
	return out
}

func decodePayload(b []byte) (key, value []byte, err error) {
	if len(b) < 8 {
		return nil, nil, lsmerrors.ErrCorruptFile
	}
	keyLen := binary.BigEndian.Uint32(b[0:4])
	valLen := binary.BigEndian.Uint32(b[4:8])
	need := 8 + int(keyLen) + int(valLen)
	if len(b) != need {
		return nil, nil, lsmerrors.ErrCorruptFile
	}
	key = append([]byte(nil), b[8:8+keyLen]...)
	value = append([]byte(nil), b[8+keyLen:8+keyLen+valLen]...)
	return key, value, nil
}

// Apply is called once per recovered (key, value) pair, in the order the
// writes originally occurred.
type Apply func(key, value []byte) error

// Recover replays every complete physical+logical record in the WAL at
// path from offset 0, calling apply for each recovered (key, value) pair.
// Records with a CRC mismatch are skipped; a torn tail (truncated header
// or payload) ends recovery cleanly without disturbing prior records. If
// the file doesn't exist, Recover is a no-op.
func Recover(path string, blockSize int64, apply Apply) error {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 64*1024)
	var (
		offset  int64
		pending []byte // payload bytes assembled so far for an in-flight FIRST...LAST run
		inRun   bool
	)

	for {
		remaining := blockSize - (offset % blockSize)
		if remaining < headerSize {
			skip := int(remaining)
			if _, err := io.CopyN(io.Discard, r, int64(skip)); err != nil {
				return nil // torn tail at block padding
			}
			offset += int64(skip)
			continue
		}

		var hdr [headerSize]byte
		n, err := io.ReadFull(r, hdr[:])
		if n == 0 && err != nil {
			return nil // clean EOF between records
		}
		if err != nil {
			return nil // torn header
		}
		offset += headerSize

		crc := binary.BigEndian.Uint32(hdr[0:4])
		length := binary.BigEndian.Uint32(hdr[4:8])
		typ := recordType(hdr[8])

		if typ == recordZero {
			// Shouldn't happen given the remaining-space check above, but
			// guard against a corrupt type byte by stopping cleanly.
			return nil
		}

		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, payload); err != nil {
				return nil // torn payload
			}
		}
		offset += int64(length)

		if crc32.Checksum(payload, castagnoli) != crc {
			// Drop any in-flight assembly; a corrupt fragment invalidates
			// the logical record it belongs to.
			pending = nil
			inRun = false
			continue
		}

		switch typ {
		case recordFull:
			pending = nil
			inRun = false
			key, value, derr := decodePayload(payload)
			if derr != nil {
				continue
			}
			if err := apply(key, value); err != nil {
				return err
			}
		case recordFirst:
			pending = append([]byte(nil), payload...)
			inRun = true
		case recordMiddle:
			if !inRun {
				continue
			}
			pending = append(pending, payload...)
		case recordLast:
			if !inRun {
				continue
			}
			pending = append(pending, payload...)
			inRun = false
			key, value, derr := decodePayload(pending)
			pending = nil
			if derr != nil {
				continue
			}
			if err := apply(key, value); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
