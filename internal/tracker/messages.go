package tracker

import (
	"strings"

	"trackbot/internal/render"
	"trackbot/internal/storage"
)

// updateMessage is the per-item sweep report.
func updateMessage(platform string, it storage.TrackedItem, views int64) render.Message {
	b := render.For(platform).Title("📊", displayTitle(it))
	line := render.Count(views) + " views"
	if it.HasCount {
		line += " (" + render.Delta(views-it.LastCount) + ")"
	}
	return b.Line(line).Build()
}

// intervalMessage is the custom-interval report: net change since the last
// fire plus an hourly rate once the sample window has two points.
func intervalMessage(platform string, it storage.TrackedItem, views, net int64, hasNet bool, rate float64, hasRate bool) render.Message {
	b := render.For(platform).Title("⏱", displayTitle(it))
	line := render.Count(views) + " views"
	switch {
	case hasNet && hasRate:
		line += " (" + render.Delta(net) + " since last check, ≈" + render.PerHour(rate) + ")"
	case hasNet:
		line += " (" + render.Delta(net) + " since last check)"
	case hasRate:
		line += " (≈" + render.PerHour(rate) + ")"
	}
	return b.Line(line).Build()
}

// milestoneMessage is the one-time crossing alert, with the configured
// ping appended on its own line.
func milestoneMessage(platform string, it storage.TrackedItem, views, threshold int64, ping string) render.Message {
	b := render.For(platform).
		Title("🎉", displayTitle(it)).
		Line("crossed " + render.Count(threshold) + " views, now at " + render.Count(views))
	if p := strings.TrimSpace(ping); p != "" {
		b.Line(p)
	}
	return b.Build()
}

// upcomingLine is one digest row.
func upcomingLine(platform string, e UpcomingEntry) string {
	title := strings.TrimSpace(e.Title)
	if title == "" {
		title = e.ItemID
	}
	return render.For(platform).
		Line("📈 " + title + ": " + render.Count(e.Views) + " views, " +
			render.Count(e.Remaining) + " to " + render.Count(e.Next)).
		Text()
}

func displayTitle(it storage.TrackedItem) string {
	if t := strings.TrimSpace(it.Title); t != "" {
		return t
	}
	return it.ItemID
}
