package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chrono-downloader/chrono/internal/batch"
	"github.com/chrono-downloader/chrono/internal/budget"
	"github.com/chrono-downloader/chrono/internal/clipboard"
	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/history"
	"github.com/chrono-downloader/chrono/internal/iiif"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/netguard"
	"github.com/chrono-downloader/chrono/internal/pipeline"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/work"
)

var (
	iiifOutput    string
	iiifName      string
	iiifMaxPages  int
	iiifDryRun    bool
	iiifClipboard bool
)

var iiifCmd = &cobra.Command{
	Use:   "iiif [MANIFEST_URL]",
	Short: "Download a single IIIF manifest, no search involved",
	Long: `Iiif fetches one IIIF Presentation manifest and downloads its pages
(or its PDF rendering, when the manifest advertises one) into a work
directory, bypassing provider search entirely. With --dry-run it only
inspects the manifest and reports what a real run would fetch.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := ""
		if len(args) == 1 {
			url = args[0]
		}
		if iiifClipboard {
			u, err := clipboard.ReadURL()
			if err != nil {
				return err
			}
			url = u
		}
		if url == "" {
			return errors.New("need a manifest URL argument (or --from-clipboard)")
		}
		if !iiif.IsManifestURL(url) {
			logx.Warnf("%s does not look like a manifest URL, trying anyway", url)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := request.New(cfg, netguard.NewManager(cfg), budget.New(cfg.Limits))

		if iiifDryRun {
			m, err := iiif.Fetch(ctx, client, url)
			if err != nil {
				return err
			}
			printPreview(m.Preview())
			return nil
		}

		if iiifMaxPages > 0 {
			capPagesFor(url, iiifMaxPages)
		}

		outputDir := outputDirOr(iiifOutput)
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return err
		}

		journal, err := history.Open(outputDir)
		if err != nil {
			logx.Warnf("history journal unavailable: %v", err)
			journal = nil
		} else {
			defer journal.Close()
		}

		title := iiifName
		if title == "" {
			if title = iiif.ExtractItemID(url); title == "" {
				title = "manifest"
			}
		}

		pl := pipeline.New(pipeline.Options{
			Config:  cfg,
			Client:  client,
			Journal: journal,
			Index:   batch.NewIndex(filepath.Join(outputDir, batch.IndexFileName)),
		})
		in := pipeline.Input{Title: title, EntryID: "direct"}
		if err := pl.ProcessDirect(ctx, in, url, outputDir); err != nil {
			return err
		}
		fmt.Printf("saved under %s\n", work.Dir(outputDir, in.EntryID, in.Title))
		return nil
	},
}

// capPagesFor applies the --max-pages flag as a provider override for
// the manifest's owning provider, which is where the page cap lives.
func capPagesFor(url string, maxPages int) {
	key, _ := iiif.DetectProvider(url)
	if cfg.ProviderSettings == nil {
		cfg.ProviderSettings = make(map[string]config.ProviderSettings)
	}
	ps := cfg.ProviderSettings[key]
	ps.MaxPages = maxPages
	cfg.ProviderSettings[key] = ps
}

func printPreview(p iiif.Preview) {
	fmt.Printf("Manifest:     %s\n", p.URL)
	fmt.Printf("Provider:     %s\n", p.Provider)
	if p.ItemID != "" {
		fmt.Printf("Item:         %s\n", p.ItemID)
	}
	if p.Label != "" {
		fmt.Printf("Label:        %s\n", p.Label)
	}
	if p.Attribution != "" {
		fmt.Printf("Attribution:  %s\n", p.Attribution)
	}
	fmt.Printf("Pages:        %d\n", p.PageCount)
	if len(p.Renderings) > 0 {
		fmt.Printf("Renderings:   %s\n", strings.Join(p.Renderings, ", "))
	}
	for k, v := range p.Metadata {
		fmt.Printf("  %s: %s\n", k, v)
	}
}

func init() {
	rootCmd.AddCommand(iiifCmd)
	iiifCmd.Flags().StringVarP(&iiifOutput, "output", "o", "", "output directory (default from config)")
	iiifCmd.Flags().StringVar(&iiifName, "name", "", "work name (default: item id from the URL)")
	iiifCmd.Flags().IntVar(&iiifMaxPages, "max-pages", 0, "cap the number of pages downloaded")
	iiifCmd.Flags().BoolVar(&iiifDryRun, "dry-run", false, "inspect the manifest without downloading")
	iiifCmd.Flags().BoolVar(&iiifClipboard, "from-clipboard", false, "read the manifest URL from the clipboard")
}
