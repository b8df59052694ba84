// Package lsmerrors collects the error kinds the storage engine can surface
// to callers, as laid out in the engine's error handling design: corrupt
// files, short I/O, CRC mismatches, manifest replay failures, invalid
// arguments, and use-after-close. Filesystem failures have no sentinel of
// their own; they reach callers as the underlying os errors, usually wrapped
// with context.
package lsmerrors

import "github.com/cockroachdb/errors"

var (
	// ErrCorruptFile marks an SSTable that cannot be trusted: bad magic,
	// truncated footer/index, or an index entry that doesn't match the
	// record it points to.
	ErrCorruptFile = errors.New("lsm: corrupt file")

	// ErrShortRead/ErrShortWrite mark partial I/O. For WAL recovery a short
	// read just ends replay; for SSTable opens it is promoted to
	// ErrCorruptFile by the caller.
	ErrShortRead  = errors.New("lsm: short read")
	ErrShortWrite = errors.New("lsm: short write")

	// ErrCrcMismatch marks a WAL physical record whose stored CRC doesn't
	// match its payload; the record is skipped and replay continues.
	ErrCrcMismatch = errors.New("lsm: crc mismatch")

	// ErrManifestReplay is fatal at startup: the engine refuses to open.
	ErrManifestReplay = errors.New("lsm: manifest replay failed")

	// ErrInvalidArgument marks a caller error: empty key, oversized
	// key/value, or a nonsensical configuration value.
	ErrInvalidArgument = errors.New("lsm: invalid argument")

	// ErrClosed marks an operation attempted on an engine past Close.
	ErrClosed = errors.New("lsm: db is closed")

	// ErrEmptyKey is a specific InvalidArgument case kept distinct because
	// callers commonly check for it directly.
	ErrEmptyKey = errors.New("lsm: empty key")
)

// Wrap annotates err with msg using cockroachdb/errors, preserving the
// original error for errors.Is/errors.As. Returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
