package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/modfetch/engine/internal/state"
	"github.com/modfetch/engine/internal/utils"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List persisted downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		openStateDB()
		records, err := state.List()
		if err != nil {
			return fmt.Errorf("list downloads: %w", err)
		}

		if jsonOut {
			data, err := json.MarshalIndent(records, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(records) == 0 {
			fmt.Println("No downloads found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILENAME\tSTATUS\tPROGRESS\tSIZE")
		for _, r := range records {
			progress := "-"
			if r.TotalSize > 0 {
				progress = fmt.Sprintf("%.1f%%", float64(r.Received)*100/float64(r.TotalSize))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				shortID(r.ID), displayName(r), r.Status, progress, utils.ConvertBytesToHumanReadable(r.TotalSize))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
	lsCmd.Flags().Bool("json", false, "output as JSON")
}
