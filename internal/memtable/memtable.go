// Package memtable implements the in-memory sorted table that fronts all
// writes. Inserts are O(1) via a key->record map; ascending iteration
// (range scans, flush) sorts the current key set on demand rather than
// maintaining a standing order, which keeps Put cheap at the cost of one
// sort per flush/range call — acceptable since both are infrequent
// relative to writes.
package memtable

import (
	"bytes"
	"sort"
)

// Record is one entry held by the memtable. Tombstone marks a delete; it is
// set exactly when Value is empty, since an empty value is a delete marker.
type Record struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Memtable is a sorted associative structure from key to value-or-tombstone.
// Only the latest write per key is retained; insertion order is irrelevant.
type Memtable struct {
	byKey    map[string]Record
	keyBytes int
	valBytes int
}

// New returns an empty memtable.
func New() *Memtable {
	return &Memtable{byKey: make(map[string]Record)}
}

// Put inserts or replaces key's value. An empty value is indistinguishable
// from a tombstone by design: the data model defines an empty value as a
// delete marker, so Put(key, nil) and Delete(key) are the same operation.
func (m *Memtable) Put(key, value []byte) {
	m.store(key, value)
}

// Delete marks key as deleted; equivalent to Put(key, nil).
func (m *Memtable) Delete(key []byte) {
	m.store(key, nil)
}

func (m *Memtable) store(key, value []byte) {
	k := string(key)
	if old, ok := m.byKey[k]; ok {
		m.keyBytes -= len(old.Key)
		m.valBytes -= len(old.Value)
	}
	rec := Record{Key: cloneBytes(key), Value: cloneBytes(value), Tombstone: len(value) == 0}
	m.byKey[k] = rec
	m.keyBytes += len(rec.Key)
	m.valBytes += len(rec.Value)
}

// Get returns the record stored for key, distinguishing "absent" (ok=false)
// from a tombstone (ok=true, Tombstone=true, Value empty).
func (m *Memtable) Get(key []byte) (Record, bool) {
	r, ok := m.byKey[string(key)]
	return r, ok
}

// ByteSize is the sum of key and value byte lengths of currently stored
// entries, plus a small per-entry constant, used to trigger flush.
func (m *Memtable) ByteSize() int {
	const perEntryOverhead = 32
	return m.keyBytes + m.valBytes + perEntryOverhead*len(m.byKey)
}

// IsEmpty reports whether the memtable holds zero entries.
func (m *Memtable) IsEmpty() bool {
	return len(m.byKey) == 0
}

// Len returns the number of entries currently stored.
func (m *Memtable) Len() int {
	return len(m.byKey)
}

// SortedRecords returns every record in ascending key order. Used by flush
// (full range) and by Range (filtered to [lo, hi]).
func (m *Memtable) SortedRecords() []Record {
	out := make([]Record, 0, len(m.byKey))
	for _, r := range m.byKey {
		out = append(out, r)
	}
	sortRecords(out)
	return out
}

// Range returns records with lo <= key <= hi in ascending order. A nil lo
// means unbounded below; a nil hi means unbounded above.
func (m *Memtable) Range(lo, hi []byte) []Record {
	all := m.SortedRecords()
	start := 0
	if lo != nil {
		start = lowerBound(all, lo)
	}
	end := len(all)
	if hi != nil {
		end = upperBound(all, hi)
	}
	if start > end {
		return nil
	}
	return all[start:end]
}

func lowerBound(records []Record, key []byte) int {
	lo, hi := 0, len(records)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(records[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func upperBound(records []Record, key []byte) int {
	lo, hi := 0, len(records)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(records[mid].Key, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return bytes.Compare(records[i].Key, records[j].Key) < 0
	})
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
