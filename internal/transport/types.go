package transport

import (
	"context"
	"strconv"
	"strings"

	"adbot/internal/errors"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Destination renders the message's chat as a destination string.
func (m *Message) Destination() string {
	return ChatTarget{ChatID: m.ChatID}.String()
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// String renders "chat" or "chat:thread".
func (t ChatTarget) String() string {
	s := strconv.FormatInt(t.ChatID, 10)
	if t.ThreadID != 0 {
		s += ":" + strconv.Itoa(t.ThreadID)
	}
	return s
}

// ParseDestination parses a group destination: a numeric chat id with an
// optional ":thread" suffix for forum topics.
func ParseDestination(dest string) (ChatTarget, error) {
	dest = strings.TrimSpace(dest)
	chat, thread, hasThread := strings.Cut(dest, ":")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return ChatTarget{}, errors.Validationf("invalid destination %q", dest)
	}
	t := ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil || tid < 0 {
			return ChatTarget{}, errors.Validationf("invalid thread in destination %q", dest)
		}
		t.ThreadID = tid
	}
	return t, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ReplyTo        int
}

// GroupInfo describes a chat group as seen by the bot.
type GroupInfo struct {
	ID          string
	Title       string
	Description string
	PhotoURL    string
	Members     int
	BotIsMember bool
	BotIsAdmin  bool
}

// Sender delivers job content to a destination.
type Sender interface {
	Send(ctx context.Context, destination, text string) error
	Ready() bool
}

// Groups resolves and leaves chat groups.
type Groups interface {
	GroupInfo(ctx context.Context, groupID string) (GroupInfo, error)
	LeaveGroup(ctx context.Context, groupID string) error
	Ready() bool
}

type Adapter interface {
	Sender
	Groups

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}
