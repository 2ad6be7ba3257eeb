package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/chrono-downloader/chrono/internal/quota"
	"github.com/chrono-downloader/chrono/internal/state"
	"github.com/chrono-downloader/chrono/internal/tui"
)

var (
	quotaOutput   string
	quotaReset    string
	quotaResetAll bool
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show or reset per-provider download quotas",
	RunE: func(cmd *cobra.Command, args []string) error {
		outputDir := outputDirOr(quotaOutput)
		store, err := state.Open(filepath.Join(outputDir, cfg.Deferred.GetStateFile()))
		if err != nil {
			return err
		}
		qm := quota.NewManager(cfg, store)

		switch {
		case quotaResetAll:
			if err := qm.ResetAll(); err != nil {
				return err
			}
			fmt.Println("all quota counters reset")
		case quotaReset != "":
			if err := qm.Reset(quotaReset); err != nil {
				return err
			}
			fmt.Printf("quota counter for %s reset\n", quotaReset)
		}

		fmt.Println(tui.RenderQuotaTable(qm.Status(), time.Now()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(quotaCmd)
	quotaCmd.Flags().StringVarP(&quotaOutput, "output", "o", "", "output directory holding the state file (default from config)")
	quotaCmd.Flags().StringVar(&quotaReset, "reset", "", "reset the counter for one provider key")
	quotaCmd.Flags().BoolVar(&quotaResetAll, "reset-all", false, "reset every provider counter")
}
