// Package bloomfilter implements a per-SSTable probabilistic membership
// filter: it rejects keys certainly absent from a file so point lookups can
// skip the file's index and data regions entirely.
//
// Construction supports two regimes, matching the file format's two
// constructors: New sizes the bit array from a target capacity and false
// positive rate; NewWithParams takes bits-per-key and hash count directly
// and allocates lazily on the first Add. Filters never resize after
// allocation — resizing would invalidate positions already computed from
// the old bit count for keys added so far.
package bloomfilter

import (
	"encoding/binary"
	"math"

	"github.com/spaolacci/murmur3"

	"github.com/golsm/lsm/internal/lsmerrors"
)

const minBits = 64

// Filter is a fixed-size Bloom filter over byte-string keys.
type Filter struct {
	bitsPerKey uint32
	numHashes  uint32
	numBits    uint32
	numKeys    uint32
	bits       []byte
}

// New derives bits-per-key and hash count from a target capacity n and a
// target false positive rate p, per the standard Bloom filter sizing
// formulas, and allocates the bit array immediately.
func New(n uint64, p float64) *Filter {
	if n == 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	bitsPerKey := uint32(math.Ceil(-1.44 * math.Log(p) / (math.Ln2 * math.Ln2)))
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	numHashes := uint32(math.Ceil(float64(bitsPerKey) * math.Ln2))
	if numHashes < 1 {
		numHashes = 1
	}
	numBits := n * uint64(bitsPerKey)
	if numBits < minBits {
		numBits = minBits
	}
	f := &Filter{
		bitsPerKey: bitsPerKey,
		numHashes:  numHashes,
		numBits:    uint32(numBits),
	}
	f.bits = make([]byte, (f.numBits+7)/8)
	return f
}

// NewWithParams builds a filter from an explicit bits-per-key and hash
// count. The bit array is allocated lazily on the first Add, sized from
// bitsPerKey with a minimum of 64 bits.
func NewWithParams(bitsPerKey, numHashes uint32) *Filter {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return &Filter{bitsPerKey: bitsPerKey, numHashes: numHashes}
}

func (f *Filter) ensureAllocated() {
	if f.bits != nil {
		return
	}
	numBits := uint32(f.bitsPerKey)
	if numBits < minBits {
		numBits = minBits
	}
	f.numBits = numBits
	f.bits = make([]byte, (numBits+7)/8)
}

// Add sets the k bit positions for key.
func (f *Filter) Add(key []byte) {
	f.ensureAllocated()
	for i := uint32(0); i < f.numHashes; i++ {
		f.setBit(f.position(key, i))
	}
	f.numKeys++
}

// MayContain reports whether key might be a member: false means the key is
// certainly absent, true means it might be present (subject to the filter's
// false positive rate).
func (f *Filter) MayContain(key []byte) bool {
	if f.bits == nil || f.numBits == 0 {
		return true
	}
	for i := uint32(0); i < f.numHashes; i++ {
		if !f.getBit(f.position(key, i)) {
			return false
		}
	}
	return true
}

// position computes the bit position for probe i of key using a 32-bit
// murmur3 hash seeded by i, per the filter's hashing contract.
func (f *Filter) position(key []byte, i uint32) uint32 {
	seed := i*0x9e3779b9 + 1
	h := murmur3.Sum32WithSeed(key, seed)
	return h % f.numBits
}

func (f *Filter) setBit(bit uint32) {
	f.bits[bit/8] |= 1 << (bit % 8)
}

func (f *Filter) getBit(bit uint32) bool {
	return f.bits[bit/8]&(1<<(bit%8)) != 0
}

// Marshal serializes the filter as
// [bits_per_key u32 le][num_hashes u32 le][num_bits u32 le][num_keys u32 le][bit array]
// The header is little-endian by design — a deliberate legacy split from
// the big-endian SSTable data/index regions that write the filter's bytes.
func (f *Filter) Marshal() []byte {
	out := make([]byte, 16+len(f.bits))
	binary.LittleEndian.PutUint32(out[0:4], f.bitsPerKey)
	binary.LittleEndian.PutUint32(out[4:8], f.numHashes)
	binary.LittleEndian.PutUint32(out[8:12], f.numBits)
	binary.LittleEndian.PutUint32(out[12:16], f.numKeys)
	copy(out[16:], f.bits)
	return out
}

// Unmarshal parses a serialized filter. A truncated trailing bit array is
// tolerated by treating the missing bits as set: num_bits keeps its stored
// value so probe positions stay where Add put them, and any probe landing in
// the lost tail passes. The filter becomes conservatively permissive (more
// false positives, never a false negative) rather than unreadable. A header
// shorter than 16 bytes or a zero hash count is an error.
func Unmarshal(b []byte) (*Filter, error) {
	if len(b) < 16 {
		return nil, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "bloom filter: header truncated")
	}
	bitsPerKey := binary.LittleEndian.Uint32(b[0:4])
	numHashes := binary.LittleEndian.Uint32(b[4:8])
	numBits := binary.LittleEndian.Uint32(b[8:12])
	numKeys := binary.LittleEndian.Uint32(b[12:16])
	if numHashes == 0 {
		return nil, lsmerrors.Wrap(lsmerrors.ErrCorruptFile, "bloom filter: zero hash count")
	}

	bitBytes := b[16:]
	if want := int((uint64(numBits) + 7) / 8); len(bitBytes) < want {
		padded := make([]byte, want)
		for i := copy(padded, bitBytes); i < want; i++ {
			padded[i] = 0xFF
		}
		bitBytes = padded
	}
	f := &Filter{
		bitsPerKey: bitsPerKey,
		numHashes:  numHashes,
		numBits:    numBits,
		numKeys:    numKeys,
		bits:       bitBytes,
	}
	return f, nil
}

// NumKeys reports how many keys were Add-ed to the filter.
func (f *Filter) NumKeys() uint32 { return f.numKeys }
