package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modfetch/engine/internal/state"
)

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"kill"},
	Short:   "Remove a persisted download's state and checkpoints",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		openStateDB()
		id, err := resolveDownloadID(args[0])
		if err != nil {
			return err
		}
		if err := state.Delete(id); err != nil {
			return fmt.Errorf("remove %s: %w", shortID(id), err)
		}
		fmt.Printf("Removed %s\n", shortID(id))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}
