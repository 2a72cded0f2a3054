package adapter

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	"adbot/internal/errors"
	kit "adbot/internal/transport"
)

const maxMessageRunes = 4000

// Send posts announcement text to a group destination ("chat" or
// "chat:thread"). Every failure carries errors.ErrTransport.
func (a *Adapter) Send(ctx context.Context, destination, text string) error {
	to, err := kit.ParseDestination(destination)
	if err != nil {
		return errors.Mark(err, errors.ErrTransport)
	}
	if _, err := a.SendText(ctx, to, text, nil); err != nil {
		return errors.Mark(errors.Wrapf(err, "send to %s", destination), errors.ErrTransport)
	}
	return nil
}

// SendText posts text in as many messages as it takes and returns a
// reference to the first one.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	html := strings.EqualFold(opt.ParseMode, tele.ModeHTML)

	var first kit.MessageRef
	for i, part := range chunkText(text, maxMessageRunes, html) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		so := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if i == 0 && opt.ReplyTo != 0 {
			so.ReplyTo = &tele.Message{ID: opt.ReplyTo, Chat: chat}
		}
		msg, err := a.bot.Send(chat, part, so)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// chunkText cuts s into pieces of at most limit runes. A cut prefers the
// last newline past the first third of the window; with html set it also
// backs off to before an unclosed tag.
func chunkText(s string, limit int, html bool) []string {
	if limit <= 0 {
		limit = maxMessageRunes
	}
	rs := []rune(s)
	var out []string
	for len(rs) > limit {
		cut := limit
		if nl := lastRune(rs[limit/3:limit], '\n'); nl >= 0 {
			cut = limit/3 + nl + 1
		}
		if html {
			if lt := lastRune(rs[:cut], '<'); lt > 1 && lt > lastRune(rs[:cut], '>') {
				cut = lt
			}
		}
		out = append(out, strings.TrimRight(string(rs[:cut]), "\n"))
		rs = rs[cut:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return append(out, string(rs))
}

func lastRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
