package golsm

import "github.com/golsm/lsm/internal/manifest"

// LevelStats reports the file count and total byte size of one level.
type LevelStats struct {
	Level     int
	NumFiles  int
	SizeBytes uint64
}

// Stats is the engine's info surface: a per-level breakdown plus the
// memtable and WAL's current state.
type Stats struct {
	Levels          []LevelStats
	MemtableEntries int
	MemtableBytes   int
	WALPath         string
}

func collectLevelStats(v *manifest.Version) []LevelStats {
	out := make([]LevelStats, 0, manifest.MaxLevels)
	for level := 0; level < manifest.MaxLevels; level++ {
		out = append(out, LevelStats{
			Level:     level,
			NumFiles:  len(v.Files(level)),
			SizeBytes: v.LevelSize(level),
		})
	}
	return out
}
