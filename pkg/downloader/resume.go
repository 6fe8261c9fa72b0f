package downloader

import (
	"errors"
	"fmt"
	"os"

	"github.com/breachline/breachdb/internal/logger"
	"github.com/breachline/breachdb/pkg/flatfile"
	"github.com/breachline/breachdb/pkg/record"
)

// openResume prepares a writer that continues an interrupted run.
//
// The last shard on disk may have been cut short mid-write, so trusting it
// would violate the sorted-and-complete invariant. Instead the file is
// truncated back to the boundary of the last record's prefix and that whole
// shard is fetched again: everything that remains on disk is contiguous,
// complete and in order.
func openResume(cfg Config) (*flatfile.Writer, int, error) {
	kind := cfg.Kind()

	db, err := flatfile.Open(cfg.Output, kind)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Nothing to resume; behave like a fresh run.
			w, err := flatfile.OpenWriter(cfg.Output, kind, false)
			return w, cfg.StartPrefix, err
		}
		return nil, 0, err
	}

	n := db.Len()
	if n == 0 {
		db.Close()
		w, err := flatfile.OpenWriter(cfg.Output, kind, false)
		return w, cfg.StartPrefix, err
	}

	lastPrefix := int(record.Prefix(db.HashAt(n-1), prefixBits))

	// Find the first record of the interrupted shard with a bounded binary
	// search: the needle is the prefix followed by zero bits.
	needle := make([]byte, kind.HashLen())
	needle[0] = byte(lastPrefix >> 12)
	needle[1] = byte(lastPrefix >> 4)
	needle[2] = byte(lastPrefix&0xF) << 4
	cut := db.LowerBound(needle)

	var seed []byte
	if cut > 0 {
		seed = append([]byte(nil), db.HashAt(cut-1)...)
	}
	db.Close()

	if err := os.Truncate(cfg.Output, int64(cut)*int64(kind.Width())); err != nil {
		return nil, 0, fmt.Errorf("truncate for resume: %w", err)
	}

	w, err := flatfile.OpenWriter(cfg.Output, kind, true)
	if err != nil {
		return nil, 0, err
	}
	if seed != nil {
		w.SeedLast(seed)
	}

	start := lastPrefix
	if start < cfg.StartPrefix {
		start = cfg.StartPrefix
	}
	logger.Info("resuming download",
		"output", cfg.Output,
		"records_kept", cut,
		"records_dropped", n-cut,
		"resume_prefix", fmt.Sprintf("%05X", start),
	)
	return w, start, nil
}
