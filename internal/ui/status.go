package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rivo/tview"
	"github.com/shopspring/decimal"
	"github.com/tradepilot/companion/internal/ingest"
	"github.com/tradepilot/companion/internal/metrics"
	"github.com/tradepilot/companion/internal/store"
)

// staleAfter marks a subsystem as lagging when it has not reported for longer.
const staleAfter = 2 * time.Minute

// StatusData is everything the status panel renders in one refresh.
type StatusData struct {
	Subject    store.Subject
	Monitoring bool
	Connection ingest.ConnState

	Health       store.HealthSnapshot
	HealthStatus ingest.PollStatus
	HasHealth    bool

	Price       decimal.Decimal
	PriceStatus ingest.PollStatus
	HasPrice    bool

	Alerts  []store.PriceAlert
	Metrics metrics.Snapshot
}

// StatusView displays connection state, backend health and armed alerts.
type StatusView struct {
	textView *tview.TextView
}

// NewStatusView creates a new status view.
func NewStatusView() *StatusView {
	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)

	textView.SetTitle(" Status ").SetBorder(true)

	return &StatusView{
		textView: textView,
	}
}

// Widget returns the tview primitive.
func (v *StatusView) Widget() tview.Primitive {
	return v.textView
}

// Update refreshes the status display.
func (v *StatusView) Update(d StatusData) {
	v.textView.Clear()

	var b strings.Builder

	monitoring := "[red]stopped[-]"
	if d.Monitoring {
		monitoring = "[green]active[-]"
	}

	fmt.Fprintf(&b, "[yellow]Session[-]\n")
	fmt.Fprintf(&b, "Wallet: %s\n", d.Subject.Short())
	fmt.Fprintf(&b, "Monitoring: %s\n", monitoring)
	fmt.Fprintf(&b, "Live feed: [%s]%s[-]\n", connColor(d.Connection), d.Connection)
	fmt.Fprintf(&b, "Uptime: %s  Reconnects: %d\n\n", formatDuration(d.Metrics.Uptime), d.Metrics.Reconnects)

	fmt.Fprintf(&b, "[yellow]Backend[-] %s\n", freshnessLabel(d.HealthStatus))
	if d.HasHealth {
		fmt.Fprintf(&b, "Overall: [%s]%s[-]  Monitors: %d\n",
			healthColor(d.Health.Status), d.Health.Status, d.Health.ActiveMonitors)

		names := make([]string, 0, len(d.Health.Subsystems))
		for name := range d.Health.Subsystems {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			status := d.Health.Subsystems[name]
			last := "never"
			if t, ok := d.Health.LastUpdate[name]; ok && !t.IsZero() {
				last = formatTimeAgo(t)
				if time.Since(t) > staleAfter {
					last = "[red]" + last + "[-]"
				}
			}
			fmt.Fprintf(&b, "  %s: [%s]%s[-] (%s)\n", name, healthColor(status), status, last)
		}

		if n := len(d.Health.RecentErrors); n > 0 {
			e := d.Health.RecentErrors[n-1]
			fmt.Fprintf(&b, "  [red]%d recent errors[-], last: %s\n", n, e.Message)
		}
	} else {
		b.WriteString("Waiting for health data...\n")
	}

	fmt.Fprintf(&b, "\n[yellow]Market[-] %s\n", freshnessLabel(d.PriceStatus))
	if d.HasPrice {
		fmt.Fprintf(&b, "AVAX: $%s\n", d.Price.StringFixed(2))
	} else {
		b.WriteString("AVAX: -\n")
	}

	fmt.Fprintf(&b, "\n[yellow]Price Alerts[-] (%d)\n", len(d.Alerts))
	for _, a := range d.Alerts {
		expiry := "no expiry"
		if a.Expiry != nil {
			expiry = "until " + a.Expiry.Local().Format("Jan 2 15:04")
		}
		fmt.Fprintf(&b, "  %s %s $%s (%s)\n", shortID(a.ID), a.Direction, a.PriceLevel.String(), expiry)
	}

	fmt.Fprint(v.textView, b.String())
}

func connColor(s ingest.ConnState) string {
	switch s {
	case ingest.ConnConnected:
		return "green"
	case ingest.ConnConnecting, ingest.ConnReconnecting:
		return "yellow"
	}
	return "red"
}

func healthColor(s store.HealthStatus) string {
	switch s {
	case store.HealthHealthy:
		return "green"
	case store.HealthWarning:
		return "yellow"
	}
	return "red"
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// formatDuration formats a duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// formatTimeAgo formats a time as "X ago".
func formatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return formatAge(time.Since(t))
}

func formatAge(elapsed time.Duration) string {
	if elapsed < time.Minute {
		return fmt.Sprintf("%.0fs ago", elapsed.Seconds())
	}
	if elapsed < time.Hour {
		return fmt.Sprintf("%.0fm ago", elapsed.Minutes())
	}
	if elapsed < 24*time.Hour {
		return fmt.Sprintf("%.0fh ago", elapsed.Hours())
	}
	return fmt.Sprintf("%.0fd ago", elapsed.Hours()/24)
}
