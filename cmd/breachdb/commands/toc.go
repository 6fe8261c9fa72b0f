package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/breachline/breachdb/internal/logger"
	"github.com/breachline/breachdb/pkg/flatfile"
	"github.com/breachline/breachdb/pkg/record"
	"github.com/breachline/breachdb/pkg/toc"
)

var tocFlags struct {
	db   string
	kind string
	bits int
}

var tocCmd = &cobra.Command{
	Use:   "toc",
	Short: "Prebuild the table-of-contents sidecar for a database",
	Long: `Toc scans a database once and writes its prefix index to the sidecar
file "<db>.<bits>.toc". The serve command builds the sidecar on demand;
prebuilding it moves that cost out of server startup.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if tocFlags.db == "" {
			return UsageError{Err: errors.New("--db is required")}
		}
		kind, err := record.KindFromString(tocFlags.kind)
		if err != nil {
			return UsageError{Err: err}
		}

		db, err := flatfile.Open(tocFlags.db, kind)
		if err != nil {
			return err
		}
		defer db.Close()

		table, err := toc.Build(db, tocFlags.bits)
		if err != nil {
			return err
		}
		if err := table.WriteFile(tocFlags.db); err != nil {
			return err
		}

		logger.Info("table of contents written",
			"sidecar", toc.SidecarPath(tocFlags.db, tocFlags.bits),
			"buckets", table.Buckets(),
			"records", db.Len(),
		)
		return nil
	},
}

func init() {
	f := tocCmd.Flags()
	f.StringVar(&tocFlags.db, "db", "", "database file (required)")
	f.StringVar(&tocFlags.kind, "kind", "sha1", "record kind (sha1, ntlm, sha1t64)")
	f.IntVar(&tocFlags.bits, "toc-bits", 20, "index bit width (15..25)")
}
