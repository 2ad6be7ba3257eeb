package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/chrono-downloader/chrono/internal/batch"
	"github.com/chrono-downloader/chrono/internal/budget"
	"github.com/chrono-downloader/chrono/internal/tui/colors"
)

// byteClasses fixes the render order of the budget breakdown.
var byteClasses = []budget.Class{budget.ClassPDFs, budget.ClassImages, budget.ClassMetadata}

// RenderRunSummary renders the end-of-run box.
func RenderRunSummary(st batch.Stats) string {
	count := func(n int, color lipgloss.Color) string {
		s := fmt.Sprintf("%d", n)
		if n > 0 {
			return lipgloss.NewStyle().Bold(true).Foreground(color).Render(s)
		}
		return dimStyle.Render(s)
	}
	line := func(label, value string) string {
		return labelStyle.Render(fmt.Sprintf("%-11s", label)) + value
	}

	lines := []string{
		titleStyle.Render("Run summary"),
		"",
		line("processed", fmt.Sprintf("%d", st.Processed)),
		line("succeeded", count(st.Succeeded, colors.StateCompleted)),
		line("failed", count(st.Failed, colors.StateFailed)),
		line("deferred", count(st.Deferred, colors.StateDeferred)),
		line("skipped", count(st.Skipped, colors.LightGray)),
	}
	if st.NoMatch > 0 {
		lines = append(lines, line("no match", count(st.NoMatch, colors.Warning)))
	}
	if st.WouldRun > 0 {
		lines = append(lines, "", warnStyle.Render(fmt.Sprintf("dry run: %d row(s) would have been fetched", st.WouldRun)))
	}

	if total := st.TotalBytes(); total > 0 {
		parts := make([]string, 0, len(byteClasses))
		for _, class := range byteClasses {
			if n := st.Bytes[class]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s %s", class, fmtBytes(n)))
			}
		}
		lines = append(lines, "", line("downloaded", fmtBytes(total)))
		if len(parts) > 0 {
			lines = append(lines, dimStyle.Render("           "+strings.Join(parts, ", ")))
		}
	}

	if len(st.PerProvider) > 0 {
		lines = append(lines, "", headerStyle.Render("by provider"))
		for _, pc := range sortedProviders(st.PerProvider) {
			lines = append(lines, fmt.Sprintf("  %s ×%d", pc.name, pc.count))
		}
	}

	if st.Interrupted {
		lines = append(lines, "", warnStyle.Render("Interrupted - unfinished rows stay pending for the next run."))
	}
	if st.Elapsed > 0 {
		lines = append(lines, "", dimStyle.Render("finished in "+st.Elapsed.Round(time.Second).String()))
	}

	return boxStyle.Render(strings.Join(lines, "\n"))
}

type providerCount struct {
	name  string
	count int
}

func sortedProviders(m map[string]int) []providerCount {
	out := make([]providerCount, 0, len(m))
	for name, n := range m {
		out = append(out, providerCount{name, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].name < out[j].name
	})
	return out
}
