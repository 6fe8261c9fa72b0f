package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/breachline/breachdb/pkg/config"
)

var initFlags struct {
	path  string
	force bool
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample server configuration file",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := config.WriteSample(initFlags.path, initFlags.force); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", initFlags.path)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initFlags.path, "path", "breachdb.yaml", "where to write the sample config")
	initCmd.Flags().BoolVar(&initFlags.force, "force", false, "overwrite an existing file")
}
