package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	PlatformTelegram = "telegram"
	PlatformSlack    = "slack"
)

// ErrNoAdapter is returned when a target names a platform no adapter is
// registered for.
var ErrNoAdapter = errors.New("no adapter for platform")

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	Platform     string
	ID           string
	ChatID       string
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       string
	FromUsername string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	Platform  string
	FromID    string
	ChatID    string
	ThreadID  int
	MessageID string
	Data      string
}

type ChatTarget struct {
	Platform string
	ChatID   string
	ThreadID int
}

// Ref renders the target as a stable channel ref, e.g. "telegram:-100123"
// or "telegram:-100123:45" when a thread id is set.
func (t ChatTarget) Ref() string {
	if t.ThreadID != 0 {
		return t.Platform + ":" + t.ChatID + ":" + strconv.Itoa(t.ThreadID)
	}
	return t.Platform + ":" + t.ChatID
}

// ParseChatRef parses a channel ref of the form "platform:chat_id" or
// "platform:chat_id:thread_id". A ref without a platform prefix falls back
// to defPlatform; chat ids that are themselves numeric (Telegram) are not
// mistaken for prefixes.
func ParseChatRef(ref, defPlatform string) (ChatTarget, error) {
	s := strings.TrimSpace(ref)
	if s == "" {
		return ChatTarget{}, fmt.Errorf("empty channel ref")
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) == 1 || !isPlatformName(parts[0]) {
		if defPlatform == "" {
			return ChatTarget{}, fmt.Errorf("channel ref %q has no platform prefix", ref)
		}
		return ChatTarget{Platform: defPlatform, ChatID: s}, nil
	}
	t := ChatTarget{Platform: parts[0], ChatID: parts[1]}
	if t.ChatID == "" {
		return ChatTarget{}, fmt.Errorf("channel ref %q has empty chat id", ref)
	}
	if len(parts) == 3 && parts[2] != "" {
		th, err := strconv.Atoi(parts[2])
		if err != nil {
			return ChatTarget{}, fmt.Errorf("channel ref %q has invalid thread id: %w", ref, err)
		}
		t.ThreadID = th
	}
	return t, nil
}

func isPlatformName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return true
}

type MessageRef struct {
	Platform  string
	ChatID    string
	ThreadID  int
	MessageID string // telegram: numeric message id; slack: message ts
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type Notification struct {
	Priority int // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
	Key      string // optional dedup key; empty falls back to target+text
}

type Adapter interface {
	Platform() string

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
