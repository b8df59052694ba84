// Command golsm is a CLI front end for the golsm engine. Keys and values
// are uninterpreted bytes at the engine boundary; this is the one place
// the convenience of treating them as strings belongs.
package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/golsm/lsm/golsm"
)

var (
	dirFlag           string
	verboseFlag       bool
	noAutoCompactFlag bool
)

func main() {
	root := &cobra.Command{
		Use:   "golsm",
		Short: "An embedded LSM-tree key-value store",
	}
	root.PersistentFlags().StringVar(&dirFlag, "dir", "data", "database directory (WAL + SSTables + MANIFEST live here)")
	root.PersistentFlags().BoolVar(&verboseFlag, "verbose", false, "enable development-mode structured logging")
	root.PersistentFlags().BoolVar(&noAutoCompactFlag, "no-auto-compact", false, "disable the background compaction worker")

	root.AddCommand(putCmd(), getCmd(), delCmd(), scanCmd(), flushCmd(), compactCmd(), infoCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openDB() (*golsm.DB, error) {
	opts := golsm.DefaultOptions(dirFlag)
	opts.Debug = verboseFlag
	opts.EnableAutomaticCompaction = !noAutoCompactFlag
	return golsm.Open(opts)
}

func withDB(run func(db *golsm.DB) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return run(db)
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Insert or overwrite a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *golsm.DB) error {
				if err := db.Put([]byte(args[0]), []byte(args[1])); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Look up a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *golsm.DB) error {
				v, ok, err := db.Get([]byte(args[0]))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "(not found)")
					return errNotFound
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(v))
				return nil
			})
		},
		SilenceUsage: true,
	}
}

func delCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *golsm.DB) error {
				if err := db.Delete([]byte(args[0])); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
}

func scanCmd() *cobra.Command {
	var lo, hi string
	var limit int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Print ascending (key, value) pairs in [lo, hi]",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *golsm.DB) error {
				var loB, hiB []byte
				if lo != "" {
					loB = []byte(lo)
				}
				if hi != "" {
					hiB = []byte(hi)
				}
				kvs, err := db.Range(loB, hiB)
				if err != nil {
					return err
				}
				if limit > 0 && len(kvs) > limit {
					kvs = kvs[:limit]
				}
				for _, kv := range kvs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", kv.Key, kv.Value)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&lo, "lo", "", "inclusive lower bound (default: smallest)")
	cmd.Flags().StringVar(&hi, "hi", "", "inclusive upper bound (default: largest)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of pairs to print (0: unbounded)")
	return cmd
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Force the active memtable out to a new L0 SSTable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *golsm.DB) error { return db.Flush() })
		},
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Run compaction until no level satisfies its trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *golsm.DB) error { return db.Compact() })
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print per-level file counts/sizes and memtable/WAL state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *golsm.DB) error {
				stats, err := db.Info()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "memtable: %d entries, %d bytes\n", stats.MemtableEntries, stats.MemtableBytes)
				fmt.Fprintf(cmd.OutOrStdout(), "wal: %s\n", stats.WALPath)
				for _, l := range stats.Levels {
					if l.NumFiles == 0 {
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "level %d: %d files, %d bytes\n", l.Level, l.NumFiles, l.SizeBytes)
				}
				return nil
			})
		},
	}
}

var errNotFound = errors.New("key not found")
