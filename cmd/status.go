package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modfetch/engine/internal/state"
	"github.com/modfetch/engine/internal/utils"
)

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one download's persisted state in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		openStateDB()
		id, err := resolveDownloadID(args[0])
		if err != nil {
			return err
		}
		r, err := state.Load(id)
		if err != nil {
			return fmt.Errorf("load %s: %w", shortID(id), err)
		}

		fmt.Printf("ID:        %s\n", r.ID)
		fmt.Printf("URLs:      %v\n", r.URLs)
		fmt.Printf("File:      %s\n", displayName(*r))
		fmt.Printf("Status:    %s\n", r.Status)
		if r.TotalSize > 0 {
			fmt.Printf("Progress:  %s / %s (%.1f%%)\n",
				utils.ConvertBytesToHumanReadable(r.Received),
				utils.ConvertBytesToHumanReadable(r.TotalSize),
				float64(r.Received)*100/float64(r.TotalSize))
		}
		fmt.Printf("Chunks:    %d saved checkpoints\n", len(r.Chunks))
		fmt.Printf("Updated:   %s\n", r.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
