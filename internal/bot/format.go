package bot

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"ferrysync/internal/admin"
	"ferrysync/internal/config"
	"ferrysync/internal/ingest"
	"ferrysync/internal/model"
)

const (
	statusRunning = "running"
	statusStopped = "stopped"
)

func formatTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("Mon 2006-01-02 15:04 MST")
}

func formatSize(n int64) string {
	return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
}

// FormatResponse formats an admin response with the next scheduled update.
func FormatResponse(r admin.Response, loc *time.Location) string {
	var b strings.Builder
	if r.Success {
		b.WriteString(r.Message)
	} else {
		b.WriteString("Failed: " + r.Message)
	}
	if r.NextUpdate != nil {
		fmt.Fprintf(&b, "\nNext update: %s", formatTime(*r.NextUpdate, loc))
	}
	return b.String()
}

// FormatStatus formats the pipeline status for display.
func FormatStatus(st admin.Status, loc *time.Location) string {
	var b strings.Builder
	state := statusStopped
	if st.Running {
		state = statusRunning
	}
	fmt.Fprintf(&b, "Scheduler: %s\n", state)
	if st.Busy {
		b.WriteString("An update is in progress.\n")
	}
	if st.NextUpdate != nil {
		fmt.Fprintf(&b, "Next update: %s\n", formatTime(*st.NextUpdate, loc))
	} else {
		b.WriteString("Next update: not scheduled\n")
	}

	c := st.Counts
	fmt.Fprintf(&b, "\nLoaded data:\n  %d routes\n  %d sailings\n  %d prices\n  %d accommodation prices\n",
		c.Routes, c.Schedules, c.Prices, c.AccommodationPrices)
	fmt.Fprintf(&b, "  %d historical date ranges\n", st.HistoricalCount)

	b.WriteString("\n")
	b.WriteString(FormatConfig(st.Config))

	if len(st.Files) > 0 {
		b.WriteString("\n\n")
		b.WriteString(FormatFileList(st.Files, loc))
	}
	return b.String()
}

// FormatConfig formats the update configuration.
func FormatConfig(cfg config.UpdateConfig) string {
	var b strings.Builder
	days := "none"
	if len(cfg.UpdateDays) > 0 {
		days = strings.Join(cfg.UpdateDays, ", ")
	}
	sender := "any"
	if cfg.EmailFilter.Sender != nil {
		sender = *cfg.EmailFilter.Sender
	}
	historical := "off"
	if cfg.EnableHistorical {
		historical = "on"
	}

	b.WriteString("Configuration:\n")
	fmt.Fprintf(&b, "  time: %s\n", cfg.UpdateTime)
	fmt.Fprintf(&b, "  days: %s\n", days)
	fmt.Fprintf(&b, "  subject: %s\n", cfg.EmailFilter.Subject)
	fmt.Fprintf(&b, "  sender: %s\n", sender)
	fmt.Fprintf(&b, "  days_back: %d\n", cfg.EmailFilter.DaysBack)
	fmt.Fprintf(&b, "  directory: %s\n", cfg.UpdateDirectory)
	fmt.Fprintf(&b, "  historical: %s", historical)
	return b.String()
}

// FormatFileList formats stored update files, newest first.
func FormatFileList(files []ingest.FileInfo, loc *time.Location) string {
	if len(files) == 0 {
		return "No update files stored yet."
	}
	var b strings.Builder
	b.WriteString("Update files:\n")
	for _, f := range files {
		kind := ""
		if f.Historical {
			kind = " [historical]"
		}
		fmt.Fprintf(&b, "\n%s%s\n   %s, %s\n", filepath.Base(f.Path), kind,
			formatSize(f.Size), f.ModTime.In(loc).Format("2006-01-02 15:04"))
	}
	return b.String()
}

// FormatFileStats formats the summary of one feed file.
func FormatFileStats(s admin.FileStats) string {
	return fmt.Sprintf("%s (%s)\n  %d routes\n  %d vessels\n  %d ports",
		s.Name, formatSize(s.Size), s.Routes, s.Vessels, s.Ports)
}

// FormatHistorical formats the operating windows of a port pair.
func FormatHistorical(q model.HistoricalQuery, ranges []model.HistoricalDateRange) string {
	if len(ranges) == 0 {
		return fmt.Sprintf("No historical data for %s - %s.", q.Origin, q.Destination)
	}
	var b strings.Builder
	r0 := ranges[0]
	fmt.Fprintf(&b, "%s (%s) - %s (%s):\n", r0.OriginName, r0.OriginCode, r0.DestinationName, r0.DestinationCode)
	for _, r := range ranges {
		fmt.Fprintf(&b, "  %s to %s", r.StartDate, r.EndDate)
		if r.AppearDate != "" {
			fmt.Fprintf(&b, " (seen %s)", r.AppearDate)
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}
