package notification

import (
	"fmt"
	"strings"

	"market-intel-bot/internal/analyzer"
	"market-intel-bot/internal/market"
	"market-intel-bot/internal/signal"
)

var priorityMarkers = map[string]string{
	signal.PriorityUrgent: "🚨",
	signal.PriorityWatch:  "👀",
	signal.PriorityInfo:   "ℹ️",
}

// FormatSignal renders a signal as a Telegram Markdown message.
func FormatSignal(sig *signal.TradingSignal) string {
	var b strings.Builder

	marker := priorityMarkers[sig.Priority]
	fmt.Fprintf(&b, "%s *%s %s* %s\n", marker, strings.ToUpper(sig.Priority),
		sig.Symbol, sig.Type)

	if sig.Direction != analyzer.None {
		fmt.Fprintf(&b, "%s @ %s\n", strings.ToUpper(string(sig.Direction)),
			market.FormatPrice(sig.Entry))
		fmt.Fprintf(&b, "Stop %s | Target %s\n", market.FormatPrice(sig.Stop),
			market.FormatPrice(sig.Target))
	}

	fmt.Fprintf(&b, "Confidence %.0f | tier %d | context %s", sig.Confidence,
		int(sig.Tier), sig.Context)
	if sig.Degraded {
		b.WriteString(" [degraded]")
	}
	if sig.Summary != "" {
		b.WriteString("\n")
		b.WriteString(sig.Summary)
	}
	return b.String()
}
