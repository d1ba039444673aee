package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trackbot/internal/render"
	"trackbot/internal/router"
	"trackbot/internal/source/youtube"
	"trackbot/internal/storage"
)

// Commands returns the chat command surface. Handlers resolve the tenant
// from the incoming chat and reply in the platform's markup.
func (s *Service) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "track",
			Description: "track a video's view count",
			Usage:       "/track <video-id> [title...] [--channel ref] [--alerts ref]",
			Timeout:     30 * time.Second,
			Handle:      s.cmdTrack,
		},
		{
			Route:       "untrack",
			Description: "stop tracking a video",
			Usage:       "/untrack <video-id>",
			Handle:      s.cmdUntrack,
		},
		{
			Route:       "tracked",
			Aliases:     []string{"list"},
			Description: "list tracked videos",
			Usage:       "/tracked",
			Handle:      s.cmdTracked,
		},
		{
			Route:       "views",
			Description: "live view counts",
			Usage:       "/views [video-id]",
			Timeout:     2 * time.Minute,
			Handle:      s.cmdViews,
		},
		{
			Route:       "milestone set",
			Description: "configure milestone alerts",
			Usage:       "/milestone set <video-id> [--channel ref] [--ping text]",
			Handle:      s.cmdMilestoneSet,
		},
		{
			Route:       "milestone clear",
			Description: "drop milestone alert overrides",
			Usage:       "/milestone clear <video-id>",
			Handle:      s.cmdMilestoneClear,
		},
		{
			Route:       "milestone reached",
			Description: "last crossed threshold per video",
			Usage:       "/milestone reached",
			Handle:      s.cmdMilestoneReached,
		},
		{
			Route:       "interval set",
			Description: "check a video on its own schedule",
			Usage:       "/interval set <video-id> <every>  (e.g. 2h)",
			Handle:      s.cmdIntervalSet,
		},
		{
			Route:       "interval off",
			Description: "disable the custom schedule",
			Usage:       "/interval off <video-id>",
			Handle:      s.cmdIntervalOff,
		},
		{
			Route:       "upcoming",
			Description: "videos close to their next milestone",
			Usage:       "/upcoming",
			Handle:      s.cmdUpcoming,
		},
		{
			Route:       "upcoming setup",
			Description: "configure the upcoming digest",
			Usage:       "/upcoming setup [--channel ref] [--ping text] [--off]",
			Handle:      s.cmdUpcomingSetup,
		},
		{
			Route:       "check",
			Description: "sweep this chat's videos now",
			Usage:       "/check",
			Timeout:     3 * time.Minute,
			Handle:      s.cmdCheck,
		},
		{
			Route:       "status",
			Description: "tracker status",
			Usage:       "/status",
			Access:      router.AccessOwnerOnly,
			Handle:      s.cmdStatus,
		},
		{
			Route:       "tenants",
			Description: "tenants with item counts",
			Usage:       "/tenants",
			Access:      router.AccessOwnerOnly,
			Handle:      s.cmdTenants,
		},
	}
}

func reply(ctx context.Context, req *router.Request, msg render.Message) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, msg.Text, msg.Opt)
	return err
}

func replyNote(ctx context.Context, req *router.Request, emoji, text string) error {
	return reply(ctx, req, render.For(req.Chat.Platform).Title(emoji, text).Build())
}

func actorOf(req *router.Request) Actor {
	return Actor{Ref: req.ActorRef(), Username: req.FromUsername}
}

func (s *Service) cmdTrack(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return replyNote(ctx, req, "ℹ️", "usage: /track <video-id> [title...] [--channel ref] [--alerts ref]")
	}
	id := req.Args[0]
	title := strings.Join(req.Args[1:], " ")

	channelRef := req.Chat.Ref()
	if v, ok := req.Flag("channel", "c"); ok {
		channelRef = v
	}
	alertRef := channelRef
	if v, ok := req.Flag("alerts", "a"); ok {
		alertRef = v
	}

	it, created, err := s.Track(ctx, actorOf(req), id, req.Tenant, title, channelRef, alertRef)
	if err != nil {
		if errors.Is(err, youtube.ErrNotFound) {
			return replyNote(ctx, req, "❌", "video not found: "+id)
		}
		_ = replyNote(ctx, req, "❌", "track failed, see logs")
		return err
	}

	verb := "now tracking"
	if !created {
		verb = "updated"
	}
	return reply(ctx, req, render.For(req.Chat.Platform).
		Title("✅", verb+" "+displayTitle(it)).
		Line(render.Count(it.LastCount)+" views").
		Line("alerts: "+it.AlertChannel).
		Build())
}

func (s *Service) cmdUntrack(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return replyNote(ctx, req, "ℹ️", "usage: /untrack <video-id>")
	}
	id := req.Args[0]
	if err := s.Untrack(ctx, actorOf(req), id, req.Tenant); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return replyNote(ctx, req, "❌", "not tracked: "+id)
		}
		_ = replyNote(ctx, req, "❌", "untrack failed, see logs")
		return err
	}
	return replyNote(ctx, req, "🗑", "stopped tracking "+id)
}

func (s *Service) cmdTracked(ctx context.Context, req *router.Request) error {
	items, err := s.Items(ctx, req.Tenant)
	if err != nil {
		_ = replyNote(ctx, req, "❌", "listing failed, see logs")
		return err
	}
	if len(items) == 0 {
		return replyNote(ctx, req, "📋", "nothing tracked here yet, add a video with /track")
	}

	b := render.For(req.Chat.Platform).Title("📋", "Tracked videos")
	for _, it := range items {
		if it.HasCount {
			b.Line(fmt.Sprintf("• %s (%s): %s views, checked %s",
				displayTitle(it), it.ItemID, render.Count(it.LastCount), render.Ago(it.LastChecked)))
		} else {
			b.Line(fmt.Sprintf("• %s (%s): not measured yet", displayTitle(it), it.ItemID))
		}
	}
	return reply(ctx, req, b.Build())
}

func (s *Service) cmdViews(ctx context.Context, req *router.Request) error {
	if len(req.Args) > 0 {
		return s.viewsOne(ctx, req, req.Args[0])
	}

	items, err := s.Items(ctx, req.Tenant)
	if err != nil {
		_ = replyNote(ctx, req, "❌", "listing failed, see logs")
		return err
	}
	if len(items) == 0 {
		return replyNote(ctx, req, "📋", "nothing tracked here yet, add a video with /track")
	}

	b := render.For(req.Chat.Platform).Title("👀", "Live views")
	for _, it := range items {
		views, err := s.measure(ctx, it.ItemID)
		if err != nil {
			b.Line("• " + displayTitle(it) + ": fetch failed")
			continue
		}
		b.Line("• " + displayTitle(it) + ": " + viewsLine(it, views))
	}
	return reply(ctx, req, b.Build())
}

func (s *Service) viewsOne(ctx context.Context, req *router.Request, id string) error {
	it, views, err := s.LiveViews(ctx, id, req.Tenant)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return replyNote(ctx, req, "❌", "not tracked: "+id)
		case errors.Is(err, youtube.ErrNotFound):
			return replyNote(ctx, req, "❌", "video not found: "+id)
		}
		_ = replyNote(ctx, req, "❌", "fetch failed, see logs")
		return err
	}

	b := render.For(req.Chat.Platform).
		Title("👀", displayTitle(it)).
		Line(viewsLine(it, views))
	if rate, ok := s.Rate(ctx, it.ItemID, it.Tenant); ok {
		b.Line("≈" + render.PerHour(rate))
	}
	return reply(ctx, req, b.Build())
}

// viewsLine renders "N views (+delta since last sweep)" when a prior
// count exists.
func viewsLine(it storage.TrackedItem, views int64) string {
	line := render.Count(views) + " views"
	if it.HasCount {
		line += " (" + render.Delta(views-it.LastCount) + " since last sweep)"
	}
	return line
}

func (s *Service) cmdMilestoneSet(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return replyNote(ctx, req, "ℹ️", "usage: /milestone set <video-id> [--channel ref] [--ping text]")
	}
	id := req.Args[0]
	channelRef, _ := req.Flag("channel", "c")
	ping, _ := req.Flag("ping", "p")

	if err := s.SetMilestone(ctx, actorOf(req), id, req.Tenant, channelRef, ping); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return replyNote(ctx, req, "❌", "not tracked: "+id)
		}
		_ = replyNote(ctx, req, "❌", "milestone config failed, see logs")
		return err
	}
	b := render.For(req.Chat.Platform).Title("🎯", "milestone alerts configured for "+id)
	if channelRef != "" {
		b.Line("channel: " + channelRef)
	}
	if ping != "" {
		b.Line("ping: " + ping)
	}
	return reply(ctx, req, b.Build())
}

func (s *Service) cmdMilestoneClear(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return replyNote(ctx, req, "ℹ️", "usage: /milestone clear <video-id>")
	}
	id := req.Args[0]
	if err := s.ClearMilestone(ctx, actorOf(req), id, req.Tenant); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return replyNote(ctx, req, "❌", "not tracked: "+id)
		}
		_ = replyNote(ctx, req, "❌", "milestone clear failed, see logs")
		return err
	}
	return replyNote(ctx, req, "🎯", "milestone overrides cleared for "+id)
}

func (s *Service) cmdMilestoneReached(ctx context.Context, req *router.Request) error {
	items, err := s.Items(ctx, req.Tenant)
	if err != nil {
		_ = replyNote(ctx, req, "❌", "listing failed, see logs")
		return err
	}
	if len(items) == 0 {
		return replyNote(ctx, req, "📋", "nothing tracked here yet, add a video with /track")
	}
	milestones, err := s.Milestones(ctx, req.Tenant)
	if err != nil {
		_ = replyNote(ctx, req, "❌", "listing failed, see logs")
		return err
	}
	byItem := make(map[string]storage.Milestone, len(milestones))
	for _, m := range milestones {
		byItem[m.ItemID] = m
	}

	s.mu.Lock()
	step := s.cfg.Step
	s.mu.Unlock()

	b := render.For(req.Chat.Platform).Title("🏁", "Milestones reached")
	for _, it := range items {
		m, ok := byItem[it.ItemID]
		// A watermark at step 0 means the count never reached the first
		// milestone; there is nothing to report yet.
		if !ok || !m.Primed || m.LastCrossed == 0 {
			b.Line("• " + displayTitle(it) + ": none yet")
			continue
		}
		b.Line("• " + displayTitle(it) + ": " + render.Count(m.LastCrossed*step) + " views")
	}
	return reply(ctx, req, b.Build())
}

func (s *Service) cmdIntervalSet(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return replyNote(ctx, req, "ℹ️", "usage: /interval set <video-id> <every>  (e.g. 2h)")
	}
	id := req.Args[0]
	every, err := time.ParseDuration(req.Args[1])
	if err != nil {
		return replyNote(ctx, req, "❌", "bad duration "+req.Args[1]+", try 2h or 90m")
	}
	if err := s.SetItemInterval(ctx, actorOf(req), id, req.Tenant, every); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return replyNote(ctx, req, "❌", "not tracked: "+id)
		}
		return replyNote(ctx, req, "❌", err.Error())
	}
	return replyNote(ctx, req, "⏱", "checking "+id+" every "+every.String())
}

func (s *Service) cmdIntervalOff(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return replyNote(ctx, req, "ℹ️", "usage: /interval off <video-id>")
	}
	id := req.Args[0]
	if err := s.DisableItemInterval(ctx, actorOf(req), id, req.Tenant); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return replyNote(ctx, req, "❌", "not tracked: "+id)
		}
		_ = replyNote(ctx, req, "❌", "interval off failed, see logs")
		return err
	}
	return replyNote(ctx, req, "⏱", "custom schedule disabled for "+id)
}

func (s *Service) cmdUpcoming(ctx context.Context, req *router.Request) error {
	entries, err := s.Upcoming(ctx, req.Tenant)
	if err != nil {
		_ = replyNote(ctx, req, "❌", "listing failed, see logs")
		return err
	}
	if len(entries) == 0 {
		return replyNote(ctx, req, "📈", "no videos near a milestone")
	}
	b := render.For(req.Chat.Platform).Title("📈", "Upcoming milestones")
	for _, e := range entries {
		b.RawLine(upcomingLine(req.Chat.Platform, e))
	}
	return reply(ctx, req, b.Build())
}

func (s *Service) cmdUpcomingSetup(ctx context.Context, req *router.Request) error {
	if req.BoolFlags["off"] {
		if err := s.ClearUpcoming(ctx, actorOf(req), req.Tenant); err != nil {
			_ = replyNote(ctx, req, "❌", "digest disable failed, see logs")
			return err
		}
		return replyNote(ctx, req, "📪", "upcoming digest disabled")
	}

	channelRef := req.Chat.Ref()
	if v, ok := req.Flag("channel", "c"); ok {
		channelRef = v
	}
	ping, _ := req.Flag("ping", "p")

	if err := s.SetUpcoming(ctx, actorOf(req), req.Tenant, channelRef, ping); err != nil {
		return replyNote(ctx, req, "❌", err.Error())
	}
	b := render.For(req.Chat.Platform).
		Title("📬", "upcoming digest after every sweep").
		Line("channel: " + channelRef)
	if ping != "" {
		b.Line("ping: " + ping)
	}
	return reply(ctx, req, b.Build())
}

func (s *Service) cmdCheck(ctx context.Context, req *router.Request) error {
	sum, err := s.ForceCheck(ctx, actorOf(req), req.Tenant)
	if err != nil {
		_ = replyNote(ctx, req, "❌", "check failed, see logs")
		return err
	}
	return reply(ctx, req, render.For(req.Chat.Platform).
		Title("🔄", "Check finished").
		Line(fmt.Sprintf("%d videos, %d errors, %d milestones crossed in %s",
			sum.Items, sum.Errors, sum.Crossed, sum.Duration.Round(time.Millisecond))).
		Build())
}

func (s *Service) cmdStatus(ctx context.Context, req *router.Request) error {
	st, err := s.Status(ctx)
	if err != nil {
		_ = replyNote(ctx, req, "❌", "status failed, see logs")
		return err
	}

	b := render.For(req.Chat.Platform).Title("📊", "Tracker status").
		KV("running", fmt.Sprintf("%v", st.Running)).
		KV("videos", fmt.Sprintf("%d across %d tenants", st.Items, st.Tenants)).
		KV("checkpoints", strings.Join(st.Checkpoints, ", ")+" ("+s.location().String()+")").
		KV("next checkpoint", st.NextCheckpoint.Format("15:04")+" ("+render.Ago(st.NextCheckpoint)+")").
		KV("milestone step", render.Count(st.Step)).
		KV("proximity window", render.Count(st.Window))
	if !st.LastSweep.At.IsZero() {
		b.KV("last sweep", fmt.Sprintf("%s: %d items, %d errors, %d crossed, %s",
			st.LastSweep.Trigger, st.LastSweep.Items, st.LastSweep.Errors,
			st.LastSweep.Crossed, st.LastSweep.Duration.Round(time.Millisecond)))
	}
	return reply(ctx, req, b.Build())
}

func (s *Service) cmdTenants(ctx context.Context, req *router.Request) error {
	tenants, err := s.Tenants(ctx)
	if err != nil {
		_ = replyNote(ctx, req, "❌", "listing failed, see logs")
		return err
	}
	if len(tenants) == 0 {
		return replyNote(ctx, req, "🏘", "no tenants yet")
	}
	b := render.For(req.Chat.Platform).Title("🏘", "Tenants")
	for _, tn := range tenants {
		items, err := s.Items(ctx, tn)
		if err != nil {
			b.Line("• " + tn + ": ?")
			continue
		}
		b.Line(fmt.Sprintf("• %s: %d videos", tn, len(items)))
	}
	return reply(ctx, req, b.Build())
}
