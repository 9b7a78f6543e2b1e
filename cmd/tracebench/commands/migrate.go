package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joe4dev/trigger-bench/internal/segment"
)

// MigrateCommand holds the flags for the migrate command: converting a
// legacy single-object traces.json file into the one-trace-per-line JSONL
// format every other command reads.
type MigrateCommand struct {
	path    string
	replace bool
}

// NewMigrateCommand creates and configures the migrate command.
func NewMigrateCommand() *cobra.Command {
	mc := &MigrateCommand{}

	cobraCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Convert a legacy single-line traces.json into JSONL",
		Long:  "Rewrites a legacy trace-id-keyed JSON object file into one-trace-per-line JSONL.",
		Args:  cobra.ExactArgs(1),
		RunE:  mc.Run,
	}

	cobraCmd.Flags().BoolVar(&mc.replace, "replace", false, "Overwrite the original file instead of writing a .jsonl sibling")

	return cobraCmd
}

// Run executes the migrate command.
func (mc *MigrateCommand) Run(_ *cobra.Command, args []string) error {
	mc.path = args[0]

	if err := segment.MigrateFile(mc.path, mc.replace); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	return nil
}
