// Package slack implements the Slack transport over Socket Mode.
//
// Slash commands, direct messages and app mentions are normalized into kit
// updates. Slack thread timestamps do not fit the numeric thread model used
// by chat targets, so replies always post to the channel itself.
package slack

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	api "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	rtsup "trackbot/internal/runtime/supervisor"
	kit "trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

type Config struct {
	BotToken string
	AppToken string
}

// Adapter is the Slack transport: Socket Mode in, Web API out.
type Adapter struct {
	cfg Config
	log logx.Logger

	client *api.Client
	sm     *socketmode.Client

	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// botUserID filters the bot's own messages out of the event stream.
	// Resolved once via auth.test on Start.
	botUserID string

	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("slack bot token is empty")
	}
	if strings.TrimSpace(cfg.AppToken) == "" {
		return nil, errors.New("slack app token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	client := api.New(cfg.BotToken, api.OptionAppLevelToken(cfg.AppToken))
	sm := socketmode.New(client)

	a := &Adapter{cfg: cfg, log: log, client: client, sm: sm}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	return a, nil
}

func (a *Adapter) Platform() string { return kit.PlatformSlack }

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "slack"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Resolve own identity for self-message filtering. Failure is not
	// fatal: bot_id and subtype filters still catch most loops.
	authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if resp, err := a.client.AuthTestContext(authCtx); err != nil {
		a.log.Warn("slack auth.test failed, self-filter degraded", logx.Err(err))
	} else {
		a.botUserID = resp.UserID
		a.log.Info("slack connected", logx.String("bot_user", resp.UserID), logx.String("team", resp.Team))
	}
	cancel()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})

	// Socket Mode run loop. RunContext reconnects internally; if it still
	// returns while the adapter is alive, restart it with backoff.
	sup.GoRestart("socketmode.run", func(c context.Context) error {
		a.log.Info("socket mode starting")
		err := a.sm.RunContext(c)
		if c.Err() != nil {
			return nil
		}
		return err
	},
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)

	// Event consumer. Acks everything promptly so Slack does not retry
	// while command handlers run.
	sup.Go0("events.consume", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case evt, ok := <-a.sm.Events:
				if !ok {
					return
				}
				a.consumeEvent(evt)
			}
		}
	})

	return nil
}

func (a *Adapter) consumeEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.sm.Ack(*evt.Request)
		}
		a.handleEventsAPI(apiEvent)

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(api.SlashCommand)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.sm.Ack(*evt.Request)
		}
		a.handleSlashCommand(cmd)

	case socketmode.EventTypeInteractive:
		// No inline UI; ack so the client stops waiting.
		if evt.Request != nil {
			a.sm.Ack(*evt.Request)
		}

	case socketmode.EventTypeConnecting:
		a.log.Debug("socket mode connecting")
	case socketmode.EventTypeConnected:
		a.log.Debug("socket mode connected")
	case socketmode.EventTypeConnectionError:
		a.log.Warn("socket mode connection error")
	default:
	}
}

func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.handleAppMention(ev)
	case *slackevents.MessageEvent:
		a.handleMessage(ev)
	}
}

// handleSlashCommand maps a registered slash command to a command-line
// message so it routes exactly like typed text.
func (a *Adapter) handleSlashCommand(cmd api.SlashCommand) {
	text := cmd.Command
	if cmd.Text != "" {
		text += " " + cmd.Text
	}
	a.sendUpdate(kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			Platform:     kit.PlatformSlack,
			ChatID:       cmd.ChannelID,
			FromID:       cmd.UserID,
			FromUsername: cmd.UserName,
			Text:         text,
			IsGroup:      cmd.ChannelName != "directmessage",
		},
	})
}

// handleAppMention turns "@bot tracked" into "/tracked".
func (a *Adapter) handleAppMention(ev *slackevents.AppMentionEvent) {
	text := ev.Text
	if a.botUserID != "" {
		text = strings.Replace(text, "<@"+a.botUserID+">", "", 1)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if !strings.HasPrefix(text, "/") {
		text = "/" + text
	}
	a.sendUpdate(kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			Platform: kit.PlatformSlack,
			ID:       ev.TimeStamp,
			ChatID:   ev.Channel,
			FromID:   ev.User,
			Text:     text,
			IsGroup:  true,
		},
	})
}

func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	// Skip our own messages, bot posts and message subtypes (edits,
	// deletes, joins).
	if a.botUserID != "" && ev.User == a.botUserID {
		return
	}
	if ev.BotID != "" || ev.SubType != "" {
		return
	}

	isDM := ev.ChannelType == "im"
	text := ev.Text

	// In channels only command-shaped text is interesting; DMs pass
	// through and the command layer ignores the rest.
	if !isDM && !strings.HasPrefix(text, "/") {
		return
	}

	a.sendUpdate(kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			Platform: kit.PlatformSlack,
			ID:       ev.TimeStamp,
			ChatID:   ev.Channel,
			FromID:   ev.User,
			Text:     text,
			IsGroup:  !isDM,
		},
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping")

	if sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("slack stop timed out", logx.Err(err))
			return nil
		}
		if sup.Context().Err() != nil {
			a.log.Debug("slack stopped with supervisor error", logx.Err(err))
			return nil
		}
		a.log.Warn("slack stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if strings.TrimSpace(to.ChatID) == "" {
		return kit.MessageRef{}, errors.New("slack chat id is empty")
	}
	_, ts, err := a.client.PostMessageContext(ctx, to.ChatID,
		api.MsgOptionText(text, false),
		api.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{
		Platform:  kit.PlatformSlack,
		ChatID:    to.ChatID,
		MessageID: ts,
	}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if ref.ChatID == "" || ref.MessageID == "" {
		return errors.New("slack message ref is incomplete")
	}
	_, _, _, err := a.client.UpdateMessageContext(ctx, ref.ChatID, ref.MessageID,
		api.MsgOptionText(text, false),
	)
	return err
}

// AnswerCallback is a no-op: interactive payloads are acked at receipt.
func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return nil
}
