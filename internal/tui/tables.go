package tui

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/chrono-downloader/chrono/internal/deferred"
	"github.com/chrono-downloader/chrono/internal/history"
	"github.com/chrono-downloader/chrono/internal/quota"
	"github.com/chrono-downloader/chrono/internal/tui/colors"
)

// RenderQuotaTable renders per-provider quota usage.
func RenderQuotaTable(rows []quota.ProviderQuota, now time.Time) string {
	if len(rows) == 0 {
		return dimStyle.Render("No provider has recorded quota usage yet.")
	}

	body := make([][]string, 0, len(rows))
	for _, q := range rows {
		limit, remaining := "-", "-"
		if q.DailyLimit > 0 {
			limit = strconv.Itoa(q.DailyLimit)
			remaining = strconv.Itoa(q.Remaining)
		}
		state := "ok"
		if q.Exhausted {
			state = "exhausted"
			if !q.ResetTime.IsZero() {
				state = fmt.Sprintf("exhausted, resets in %s", fmtDuration(q.ResetTime.Sub(now)))
			}
		}
		body = append(body, []string{q.ProviderKey, limit, strconv.Itoa(q.DownloadsUsed), remaining, state})
	}

	return renderTable(
		[]string{"PROVIDER", "LIMIT/DAY", "USED", "REMAINING", "STATE"},
		body,
		func(r, c int, value string) lipgloss.Style {
			if c != 4 {
				return lipgloss.NewStyle()
			}
			if rows[r].Exhausted {
				return lipgloss.NewStyle().Foreground(colors.StateFailed)
			}
			return lipgloss.NewStyle().Foreground(colors.StateCompleted)
		},
	)
}

// RenderDeferredTable renders the deferred-download queue.
func RenderDeferredTable(items []deferred.Item, now time.Time) string {
	if len(items) == 0 {
		return dimStyle.Render("Deferred queue is empty.")
	}

	body := make([][]string, 0, len(items))
	for _, it := range items {
		prov := it.ProviderDisplay
		if prov == "" {
			prov = it.ProviderKey
		}
		next := "-"
		switch it.Status {
		case deferred.StatusPending, deferred.StatusRetrying:
			if it.ResetTime.IsZero() || !it.ResetTime.After(now) {
				next = "due now"
			} else {
				next = "in " + fmtDuration(it.ResetTime.Sub(now))
			}
		}
		body = append(body, []string{
			truncate(it.ID, 8),
			truncate(it.Title, 36),
			prov,
			it.Status,
			strconv.Itoa(it.RetryCount),
			next,
			truncate(it.ErrorMessage, 32),
		})
	}

	return renderTable(
		[]string{"ID", "TITLE", "PROVIDER", "STATUS", "RETRIES", "NEXT ATTEMPT", "LAST ERROR"},
		body,
		func(r, c int, value string) lipgloss.Style {
			if c == 3 {
				return StatusStyle(items[r].Status)
			}
			return lipgloss.NewStyle()
		},
	)
}

// RenderHistoryTable renders journal entries, newest first when the
// caller passes them that way.
func RenderHistoryTable(entries []history.Entry) string {
	if len(entries) == 0 {
		return dimStyle.Render("No downloads recorded yet.")
	}

	body := make([][]string, 0, len(entries))
	for _, e := range entries {
		body = append(body, []string{
			e.CreatedAt.Local().Format("2006-01-02 15:04"),
			e.EntryID,
			truncate(e.Title, 36),
			e.Provider,
			strconv.Itoa(e.Files),
			fmtBytes(e.Bytes),
			e.Status,
		})
	}

	return renderTable(
		[]string{"WHEN", "ENTRY", "TITLE", "PROVIDER", "FILES", "SIZE", "STATUS"},
		body,
		func(r, c int, value string) lipgloss.Style {
			if c == 6 {
				return StatusStyle(entries[r].Status)
			}
			return lipgloss.NewStyle()
		},
	)
}

// fmtDuration formats a positive duration as 2h05m / 12m / <1m.
func fmtDuration(d time.Duration) string {
	if d < time.Minute {
		return "<1m"
	}
	d = d.Round(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

// fmtBytes renders a byte count with a binary-unit suffix (1.5 KB, 4.0 MB).
func fmtBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
