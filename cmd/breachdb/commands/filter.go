package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/breachline/breachdb/internal/logger"
	"github.com/breachline/breachdb/pkg/binfuse"
	"github.com/breachline/breachdb/pkg/flatfile"
	"github.com/breachline/breachdb/pkg/record"
)

var filterFlags struct {
	db        string
	kind      string
	output    string
	bits      int
	shardBits int
}

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Build a sharded binary-fuse filter from a database",
	Long: `Filter derives the uint64 key of every record in a sorted database and
packs the keys into a sharded binary-fuse filter file for the binfuse8 and
binfuse16 lookup backends. The filter answers membership only, with zero
false negatives; counts are not preserved.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if filterFlags.db == "" || filterFlags.output == "" {
			return UsageError{Err: errors.New("--db and --output are required")}
		}
		kind, err := record.KindFromString(filterFlags.kind)
		if err != nil {
			return UsageError{Err: err}
		}

		db, err := flatfile.Open(filterFlags.db, kind)
		if err != nil {
			return err
		}
		defer db.Close()

		switch filterFlags.bits {
		case 8:
			err = buildFilter[uint8](db)
		case 16:
			err = buildFilter[uint16](db)
		default:
			err = UsageError{Err: fmt.Errorf("--bits must be 8 or 16, got %d", filterFlags.bits)}
		}
		if err != nil {
			return err
		}

		logger.Info("filter written",
			"output", filterFlags.output,
			"records", db.Len(),
			"bits", filterFlags.bits,
			"shard_bits", filterFlags.shardBits,
		)
		return nil
	},
}

// buildFilter streams the sorted database into per-shard key batches.
// Records are sorted by hash, so shard prefixes arrive in ascending order
// and each shard's keys are contiguous; adjacent duplicate keys (hashes
// agreeing in their first 8 bytes) are collapsed.
func buildFilter[T binfuse.Fingerprint](db *flatfile.DB) error {
	w, err := binfuse.NewWriter[T](filterFlags.output, filterFlags.shardBits)
	if err != nil {
		return err
	}

	shift := 64 - uint(filterFlags.shardBits)
	current := uint32(0)
	var keys []uint64

	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		err := w.AddShard(current, keys)
		keys = keys[:0]
		return err
	}

	for _, rec := range db.All() {
		key := binfuse.Key(db.Kind().Hash(rec))
		shard := uint32(key >> shift)
		if shard != current {
			if err := flush(); err != nil {
				return err
			}
			current = shard
		}
		if len(keys) > 0 && keys[len(keys)-1] == key {
			continue
		}
		keys = append(keys, key)
	}
	if err := flush(); err != nil {
		return err
	}
	return w.Finish()
}

func init() {
	f := filterCmd.Flags()
	f.StringVar(&filterFlags.db, "db", "", "source database file (required)")
	f.StringVar(&filterFlags.kind, "kind", "sha1", "record kind of the source (sha1, ntlm, sha1t64)")
	f.StringVar(&filterFlags.output, "output", "", "filter file to write (required)")
	f.IntVar(&filterFlags.bits, "bits", 8, "fingerprint width: 8 or 16")
	f.IntVar(&filterFlags.shardBits, "shard-bits", binfuse.DefaultShardBits, "key bits used for sharding")
}
