package render

import (
	"time"

	"github.com/dustin/go-humanize"
)

// Count renders a view count with thousands separators: 12345678 -> "12,345,678".
func Count(n int64) string { return humanize.Comma(n) }

// Delta renders a net change with an explicit sign: "+60,000", "-1,234", "+0".
func Delta(n int64) string {
	if n >= 0 {
		return "+" + humanize.Comma(n)
	}
	return humanize.Comma(n)
}

// PerHour renders a rate estimate, e.g. "2,500/h". Small rates keep one
// decimal so slow-moving items don't collapse to "0/h".
func PerHour(v float64) string {
	if v < 0 {
		v = 0
	}
	digits := 0
	if v < 100 {
		digits = 1
	}
	return humanize.CommafWithDigits(v, digits) + "/h"
}

// Ago renders a relative timestamp: "3 hours ago". Zero time renders "never".
func Ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
