package golsm

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/golsm/lsm/internal/lsmerrors"
)

// Options is the enumerated set of tunables the engine consumes. It is a
// plain struct rather than a config-framework document: every field here
// is consumed by value at Open, so there is nothing a loader would buy us
// that a zero-value-plus-defaults struct doesn't already give for free.
type Options struct {
	// Dir is the database directory; created if absent.
	Dir string

	// MemtableSizeThreshold triggers a flush once the active memtable's
	// ByteSize reaches this many bytes. Default 4 MiB.
	MemtableSizeThreshold int

	// SSTableBlockSize is also reused as the WAL block size. Default 4 KiB.
	SSTableBlockSize int64

	// UseBloomFilter enables a Bloom filter region on every flushed/compacted
	// SSTable. Default on.
	UseBloomFilter bool
	// BloomFilterBitsPerKey sizes the filter directly. Default 10.
	BloomFilterBitsPerKey uint32
	// BloomFilterFalsePositiveRate derives BloomFilterBitsPerKey from a
	// target false positive rate when BitsPerKey is unset. Unset means the
	// filter is sized by BloomFilterBitsPerKey alone.
	BloomFilterFalsePositiveRate float64
	// BloomFilterNumHashes is derived from BitsPerKey when zero (ceil(ln(2)*bits)).
	BloomFilterNumHashes uint32

	// EnableAutomaticCompaction starts the background compaction worker.
	// Default on; compact() remains callable either way.
	EnableAutomaticCompaction bool
	// L0CompactionTrigger is the L0 file count that triggers compaction.
	// Default 4.
	L0CompactionTrigger int
	// CompactionMaxLevel bounds the leveled hierarchy: compaction only
	// places data in levels 0..CompactionMaxLevel-1. Default 7, the
	// catalog's fixed capacity, which is also the upper bound.
	CompactionMaxLevel int
	// CompactionLevelSizeMultiplier scales target size level-over-level.
	// Default 10.
	CompactionLevelSizeMultiplier uint64
	// CompactionLevelTargetFileSizeBase is L1's target output file size.
	// Default 1 MiB.
	CompactionLevelTargetFileSizeBase uint64
	// CompactionCheckInterval is the number of writes between automatic
	// compaction triggers. Default 100.
	CompactionCheckInterval int

	// WriteBufferSize sizes the WAL's internal write buffer. Default 64 KiB.
	WriteBufferSize int
	// WALFlushInterval is the maximum time between WAL fsyncs. Zero,
	// together with a zero WALSizeThreshold, means fsync on every append —
	// the conservative default.
	WALFlushInterval time.Duration
	// WALSizeThreshold fsyncs once this many bytes have accumulated since
	// the last sync. See WALFlushInterval for the zero-value behavior.
	WALSizeThreshold int64

	// MaxOpenFiles soft-caps cached SSTable file handles. Default 64.
	MaxOpenFiles int

	// Logger receives structured diagnostics (flush, compaction, recovery,
	// malformed-bloom warnings). Defaults to a no-op logger; pass a
	// zap.NewDevelopment().Sugar() (or set Debug) to see them.
	Logger *zap.SugaredLogger
	// Debug switches the default logger to a development logger when
	// Logger is unset.
	Debug bool
}

// DefaultOptions returns the documented defaults for dir, including the two
// boolean tunables (UseBloomFilter, EnableAutomaticCompaction) that default
// to "on" — a Go zero value can't distinguish "unset" from "explicitly
// false", so unlike the numeric fields (backfilled by withDefaults at Open)
// these two are only ever "on" if the caller starts from DefaultOptions.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                       dir,
		UseBloomFilter:            true,
		EnableAutomaticCompaction: true,
	}
}

const (
	defaultMemtableSizeThreshold   = 4 << 20
	defaultSSTableBlockSize        = 4096
	defaultBloomBitsPerKey         = 10
	defaultL0CompactionTrigger     = 4
	defaultCompactionMaxLevel      = 7
	defaultLevelSizeMultiplier     = 10
	defaultTargetFileSizeBase      = 1 << 20
	defaultCompactionCheckInterval = 100
	defaultWriteBufferSize         = 64 << 10
	defaultMaxOpenFiles            = 64
)

// withDefaults fills every zero-valued numeric tunable with its documented
// default. The two booleans are not touched here; DefaultOptions is where
// they get their "on" defaults.
func (o Options) withDefaults() Options {
	if o.MemtableSizeThreshold == 0 {
		o.MemtableSizeThreshold = defaultMemtableSizeThreshold
	}
	if o.SSTableBlockSize == 0 {
		o.SSTableBlockSize = defaultSSTableBlockSize
	}
	if o.BloomFilterBitsPerKey == 0 {
		if p := o.BloomFilterFalsePositiveRate; p > 0 && p < 1 {
			o.BloomFilterBitsPerKey = uint32(math.Ceil(-1.44 * math.Log(p) / (math.Ln2 * math.Ln2)))
		} else {
			o.BloomFilterBitsPerKey = defaultBloomBitsPerKey
		}
	}
	if o.BloomFilterNumHashes == 0 {
		o.BloomFilterNumHashes = uint32(math.Ceil(float64(o.BloomFilterBitsPerKey) * math.Ln2))
		if o.BloomFilterNumHashes == 0 {
			o.BloomFilterNumHashes = 1
		}
	}
	if o.L0CompactionTrigger == 0 {
		o.L0CompactionTrigger = defaultL0CompactionTrigger
	}
	if o.CompactionMaxLevel == 0 {
		o.CompactionMaxLevel = defaultCompactionMaxLevel
	}
	if o.CompactionLevelSizeMultiplier == 0 {
		o.CompactionLevelSizeMultiplier = defaultLevelSizeMultiplier
	}
	if o.CompactionLevelTargetFileSizeBase == 0 {
		o.CompactionLevelTargetFileSizeBase = defaultTargetFileSizeBase
	}
	if o.CompactionCheckInterval == 0 {
		o.CompactionCheckInterval = defaultCompactionCheckInterval
	}
	if o.WriteBufferSize == 0 {
		o.WriteBufferSize = defaultWriteBufferSize
	}
	if o.MaxOpenFiles == 0 {
		o.MaxOpenFiles = defaultMaxOpenFiles
	}
	if o.Logger == nil {
		if o.Debug {
			dev, _ := zap.NewDevelopment()
			o.Logger = dev.Sugar()
		} else {
			o.Logger = zap.NewNop().Sugar()
		}
	}
	return o
}

// Validate rejects nonsensical tunable combinations: a multiplier below 2
// would make each level barely bigger than the last, and a negative block
// size or trigger count can never be satisfied.
func (o Options) Validate() error {
	if o.Dir == "" {
		return lsmerrors.Wrap(lsmerrors.ErrInvalidArgument, "dir must be set")
	}
	if o.MemtableSizeThreshold < 0 {
		return lsmerrors.Wrap(lsmerrors.ErrInvalidArgument, "memtable size threshold must be >= 0")
	}
	if o.SSTableBlockSize < 0 {
		return lsmerrors.Wrap(lsmerrors.ErrInvalidArgument, "sstable block size must be >= 0")
	}
	if o.L0CompactionTrigger < 0 {
		return lsmerrors.Wrap(lsmerrors.ErrInvalidArgument, "L0 compaction trigger must be >= 0")
	}
	if o.CompactionLevelSizeMultiplier != 0 && o.CompactionLevelSizeMultiplier < 2 {
		return lsmerrors.Wrap(lsmerrors.ErrInvalidArgument, "compaction level size multiplier must be >= 2")
	}
	if o.CompactionMaxLevel < 0 || o.CompactionMaxLevel > 7 {
		return lsmerrors.Wrap(lsmerrors.ErrInvalidArgument, "compaction max level must be within the fixed 7-level hierarchy")
	}
	if o.CompactionCheckInterval < 0 {
		return lsmerrors.Wrap(lsmerrors.ErrInvalidArgument, "compaction check interval must be >= 0")
	}
	if p := o.BloomFilterFalsePositiveRate; p < 0 || p >= 1 {
		return lsmerrors.Wrap(lsmerrors.ErrInvalidArgument, "bloom filter false positive rate must be in [0, 1)")
	}
	return nil
}
