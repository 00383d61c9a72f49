package progress

import (
	"fmt"
	"time"
)

// FormatRate formats a throughput value as "X.X docs/s".
func FormatRate(rate float64) string {
	return fmt.Sprintf("%.1f docs/s", rate)
}

// FormatElapsed formats a wall-clock duration as "Xs", "Xm Ys" or "Xh Ym".
func FormatElapsed(d time.Duration) string {
	seconds := int64(d.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// FormatCount formats a large count with thousands separators, "12,345".
func FormatCount(n int) string {
	if n < 0 {
		return fmt.Sprintf("%d", n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	out := make([]byte, 0, len(s)+len(s)/3)
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}

// TruncateTitle shortens a document title to at most max runes, appending
// an ellipsis when anything was cut. Titles come from arbitrary sources
// and may contain multi-byte characters.
func TruncateTitle(title string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(title)
	if len(runes) <= max {
		return title
	}
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
