package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modfetch/engine/internal/state"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Mark a download paused in the state database",
	Long: `Mark a download paused. Since modfetch has no resident daemon,
this only updates the persisted record's status; an in-progress download
is actually paused by sending Ctrl+C to its "get" process, which captures
chunk checkpoints itself before this command would ever see it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		openStateDB()
		id, err := resolveDownloadID(args[0])
		if err != nil {
			return err
		}
		if err := state.UpdateStatus(id, "paused"); err != nil {
			return fmt.Errorf("pause %s: %w", shortID(id), err)
		}
		fmt.Printf("Paused %s\n", shortID(id))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
}
