package adapter

import (
	"context"
	"hash/fnv"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"adbot/internal/errors"
	kit "adbot/internal/transport"
	logx "adbot/pkg/logx"
)

// Telegram limits for setMyCommands.
const (
	maxMenuCommands    = 100
	maxMenuDescription = 256
)

// GroupInfo looks up a group and the bot's role in it. A group the bot
// cannot see is errors.ErrNotFound.
func (a *Adapter) GroupInfo(ctx context.Context, groupID string) (kit.GroupInfo, error) {
	chat, err := a.chat(ctx, groupID)
	if err != nil {
		return kit.GroupInfo{}, err
	}
	chat, err = a.bot.ChatByID(chat.ID)
	if err != nil {
		return kit.GroupInfo{}, errors.Mark(errors.Wrapf(err, "group %s", groupID), errors.ErrNotFound)
	}

	info := kit.GroupInfo{
		ID:          strconv.FormatInt(chat.ID, 10),
		Title:       chat.Title,
		Description: chat.Description,
	}
	if chat.Photo != nil {
		info.PhotoURL = chat.Photo.BigFileID
	}
	if n, err := a.bot.Len(chat); err != nil {
		a.log.Debug("member count unavailable", logx.String("group", groupID), logx.Err(err))
	} else {
		info.Members = n
	}
	info.BotIsMember, info.BotIsAdmin = a.membership(chat)
	return info, nil
}

func (a *Adapter) membership(chat *tele.Chat) (member, admin bool) {
	if a.bot.Me == nil {
		return false, false
	}
	m, err := a.bot.ChatMemberOf(chat, a.bot.Me)
	if err != nil || m == nil {
		return false, false
	}
	switch m.Role {
	case tele.Creator, tele.Administrator:
		return true, true
	case tele.Member, tele.Restricted:
		return true, false
	}
	return false, false
}

// LeaveGroup removes the bot from the group.
func (a *Adapter) LeaveGroup(ctx context.Context, groupID string) error {
	chat, err := a.chat(ctx, groupID)
	if err != nil {
		return err
	}
	if err := a.bot.Leave(chat); err != nil {
		return errors.Mark(errors.Wrapf(err, "leave %s", groupID), errors.ErrTransport)
	}
	return nil
}

func (a *Adapter) chat(ctx context.Context, groupID string) (*tele.Chat, error) {
	to, err := kit.ParseDestination(groupID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tele.Chat{ID: to.ChatID}, nil
}

// UpdateMenuCommands publishes the command menu. An unchanged list is not
// sent again.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	digest := menuDigest(cmds)
	if digest == a.menuDigest {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var list []tele.Command
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if len(desc) > maxMenuDescription {
			desc = desc[:maxMenuDescription]
		}
		list = append(list, tele.Command{Text: c.Command, Description: desc})
		if len(list) == maxMenuCommands {
			break
		}
	}
	if err := a.bot.SetCommands(list); err != nil {
		return errors.Wrap(err, "telegram setMyCommands")
	}
	a.menuDigest = digest
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

func menuDigest(cmds []kit.BotCommand) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command + "\x00" + c.Description + "\x00"))
	}
	return h.Sum64()
}
