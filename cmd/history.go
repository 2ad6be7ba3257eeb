package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chrono-downloader/chrono/internal/history"
	"github.com/chrono-downloader/chrono/internal/tui"
)

var (
	historyOutput string
	historyLimit  int
	historyEntry  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the download journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		journal, err := history.Open(outputDirOr(historyOutput))
		if err != nil {
			return err
		}
		defer journal.Close()

		var entries []history.Entry
		if historyEntry != "" {
			entries, err = journal.ByEntry(historyEntry)
		} else {
			entries, err = journal.Recent(historyLimit)
		}
		if err != nil {
			return err
		}
		fmt.Println(tui.RenderHistoryTable(entries))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVarP(&historyOutput, "output", "o", "", "output directory holding the journal (default from config)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of rows to show")
	historyCmd.Flags().StringVar(&historyEntry, "entry", "", "show every attempt for one entry id")
}
