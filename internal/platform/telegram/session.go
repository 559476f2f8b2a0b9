package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kiranshivaraju/hubfeed-agent/internal/platform"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// session is one bot plus the messages it has received.
type session struct {
	mu     sync.Mutex
	bot    *telego.Bot
	self   *telego.User
	offset int
	// buffer holds received messages, oldest first.
	buffer []telego.Message
	chats  map[int64]telego.Chat
}

func newSession(bot *telego.Bot, self *telego.User) *session {
	return &session{bot: bot, self: self, chats: make(map[int64]telego.Chat)}
}

func (s *session) token() string {
	return s.bot.Token()
}

// pull drains pending updates into the buffer. Caller holds s.mu.
func (s *session) pull(ctx context.Context) error {
	for page := 0; page < maxUpdatePages; page++ {
		updates, err := s.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
			Offset:         s.offset,
			Limit:          updatePageSize,
			AllowedUpdates: []string{"message", "channel_post", "edited_message", "edited_channel_post"},
		})
		if err != nil {
			return err
		}
		for _, u := range updates {
			s.offset = u.UpdateID + 1
			switch {
			case u.ChannelPost != nil:
				s.add(*u.ChannelPost)
			case u.Message != nil:
				s.add(*u.Message)
			case u.EditedChannelPost != nil:
				s.replace(*u.EditedChannelPost)
			case u.EditedMessage != nil:
				s.replace(*u.EditedMessage)
			}
		}
		if len(updates) < updatePageSize {
			return nil
		}
	}
	return nil
}

func (s *session) add(m telego.Message) {
	s.chats[m.Chat.ID] = m.Chat
	s.buffer = append(s.buffer, m)
	if over := len(s.buffer) - bufferSize; over > 0 {
		s.buffer = append([]telego.Message(nil), s.buffer[over:]...)
	}
}

func (s *session) replace(m telego.Message) {
	for i := range s.buffer {
		if s.buffer[i].Chat.ID == m.Chat.ID && s.buffer[i].MessageID == m.MessageID {
			s.buffer[i] = m
			return
		}
	}
	s.add(m)
}

// --- commands ---

type getMessagesParams struct {
	Channel        string `json:"channel" validate:"required"`
	Limit          int    `json:"limit" validate:"min=1,max=1000"`
	SinceMessageID int    `json:"since_message_id" validate:"min=0"`
}

func (s *session) getMessages(params map[string]any) ([]models.Item, error) {
	p := getMessagesParams{Limit: 100}
	if err := platform.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	match := chatMatcher(p.Channel)

	items := []models.Item{}
	for i := len(s.buffer) - 1; i >= 0 && len(items) < p.Limit; i-- {
		m := s.buffer[i]
		if !match(m.Chat) || m.MessageID <= p.SinceMessageID {
			continue
		}
		items = append(items, normalize(m))
	}
	return items, nil
}

type searchMessagesParams struct {
	Channel string `json:"channel"`
	Query   string `json:"query" validate:"required"`
	Limit   int    `json:"limit" validate:"min=1,max=1000"`
}

func (s *session) searchMessages(params map[string]any) ([]models.Item, error) {
	p := searchMessagesParams{Limit: 50}
	if err := platform.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	match := func(telego.Chat) bool { return true }
	if p.Channel != "" {
		match = chatMatcher(p.Channel)
	}
	query := strings.ToLower(p.Query)

	items := []models.Item{}
	for i := len(s.buffer) - 1; i >= 0 && len(items) < p.Limit; i-- {
		m := s.buffer[i]
		if !match(m.Chat) {
			continue
		}
		if strings.Contains(strings.ToLower(m.Text), query) || strings.Contains(strings.ToLower(m.Caption), query) {
			items = append(items, normalize(m))
		}
	}
	return items, nil
}

type channelParams struct {
	Channel string `json:"channel" validate:"required"`
}

func (s *session) getChannelInfo(ctx context.Context, params map[string]any) ([]models.Item, error) {
	var p channelParams
	if err := platform.DecodeParams(params, &p); err != nil {
		return nil, err
	}

	chatID := chatRef(p.Channel)
	chat, err := s.bot.GetChat(ctx, &telego.GetChatParams{ChatID: chatID})
	if err != nil {
		return nil, fmt.Errorf("telegram getChat %s: %w", p.Channel, err)
	}

	item := models.Item{
		"id":          peerID(chat.ID, chat.Type),
		"chat_id":     chat.ID,
		"title":       chat.Title,
		"username":    chat.Username,
		"type":        chat.Type,
		"description": chat.Description,
	}
	if count, err := s.bot.GetChatMemberCount(ctx, &telego.GetChatMemberCountParams{ChatID: chatID}); err == nil && count != nil {
		item["participants_count"] = *count
	}
	return []models.Item{item}, nil
}

type listDialogsParams struct {
	Limit int `json:"limit" validate:"min=1,max=1000"`
}

func (s *session) listDialogs(params map[string]any) ([]models.Item, error) {
	p := listDialogsParams{Limit: 50}
	if err := platform.DecodeParams(params, &p); err != nil {
		return nil, err
	}

	// Most recently active chats first.
	lastSeen := make(map[int64]int, len(s.chats))
	for i, m := range s.buffer {
		lastSeen[m.Chat.ID] = i
	}
	ids := make([]int64, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lastSeen[ids[i]] > lastSeen[ids[j]] })

	items := []models.Item{}
	for _, id := range ids {
		if len(items) >= p.Limit {
			break
		}
		c := s.chats[id]
		name := c.Title
		if name == "" {
			name = strings.TrimSpace(c.FirstName + " " + c.LastName)
		}
		items = append(items, models.Item{
			"id":         peerID(c.ID, c.Type),
			"chat_id":    c.ID,
			"name":       name,
			"username":   c.Username,
			"type":       c.Type,
			"is_channel": c.Type == telego.ChatTypeChannel,
			"is_group":   c.Type == telego.ChatTypeGroup || c.Type == telego.ChatTypeSupergroup,
		})
	}
	return items, nil
}

// --- normalization ---

// channelIDOffset separates Bot API ids of channels and supergroups
// (-100XXXXXXXXXX) from their MTProto peer ids.
const channelIDOffset = 1_000_000_000_000

// peerID converts a Bot API chat id to the MTProto peer id.
func peerID(chatID int64, chatType string) int64 {
	switch chatType {
	case telego.ChatTypeChannel, telego.ChatTypeSupergroup:
		return -chatID - channelIDOffset
	case telego.ChatTypeGroup:
		return -chatID
	default:
		return chatID
	}
}

func peerObject(chat telego.Chat) map[string]any {
	id := peerID(chat.ID, chat.Type)
	switch chat.Type {
	case telego.ChatTypeChannel, telego.ChatTypeSupergroup:
		return map[string]any{"channel_id": id}
	case telego.ChatTypeGroup:
		return map[string]any{"chat_id": id}
	default:
		return map[string]any{"user_id": id}
	}
}

// normalize renders a message in the item shape used across platforms.
func normalize(m telego.Message) models.Item {
	item := models.Item{
		"id":      m.MessageID,
		"peer_id": peerObject(m.Chat),
		"message": m.Text,
		"date":    m.Date,
		"chat": map[string]any{
			"title":    m.Chat.Title,
			"username": m.Chat.Username,
		},
	}
	switch {
	case m.From != nil:
		from := map[string]any{"user_id": m.From.ID}
		if m.From.Username != "" {
			from["username"] = m.From.Username
		}
		item["from_id"] = from
	case m.SenderChat != nil:
		item["from_id"] = map[string]any{"channel_id": peerID(m.SenderChat.ID, m.SenderChat.Type)}
	default:
		item["from_id"] = nil
	}
	if m.Caption != "" {
		item["media"] = map[string]any{"caption": m.Caption}
	} else {
		item["media"] = nil
	}
	return item
}

// chatRef resolves a channel parameter (id or @username) to a ChatID.
func chatRef(channel string) telego.ChatID {
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return tu.ID(id)
	}
	return tu.Username("@" + strings.TrimPrefix(channel, "@"))
}

// chatMatcher matches a chat by Bot API id, peer id or username.
func chatMatcher(channel string) func(telego.Chat) bool {
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return func(c telego.Chat) bool {
			return c.ID == id || peerID(c.ID, c.Type) == id
		}
	}
	name := strings.TrimPrefix(channel, "@")
	return func(c telego.Chat) bool {
		return c.Username != "" && strings.EqualFold(c.Username, name)
	}
}
