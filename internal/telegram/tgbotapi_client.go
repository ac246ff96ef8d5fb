package telegram

import (
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TGBotAPIClient adapts tgbotapi.BotAPI to the BotAPI interface.
type TGBotAPIClient struct {
	bot          *tgbotapi.BotAPI
	updateConfig tgbotapi.UpdateConfig
	mu           sync.Mutex
}

// NewTGBotAPIClient creates a new Telegram client using tgbotapi. Updates are
// fetched by long polling with pollTimeout.
func NewTGBotAPIClient(token string, pollTimeout time.Duration) (*TGBotAPIClient, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	update := tgbotapi.NewUpdate(0)
	update.Timeout = int(pollTimeout / time.Second)
	if update.Timeout <= 0 {
		update.Timeout = 30
	}
	update.AllowedUpdates = []string{"message"}

	return &TGBotAPIClient{
		bot:          bot,
		updateConfig: update,
	}, nil
}

// SendMessage sends a message to the specified chat.
func (c *TGBotAPIClient) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := c.bot.Send(msg)
	return err
}

// SendMessageWithParseMode sends a formatted message without link previews.
func (c *TGBotAPIClient) SendMessageWithParseMode(chatID int64, text string, parseMode string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode
	msg.DisableWebPagePreview = true
	_, err := c.bot.Send(msg)
	return err
}

// GetUpdates fetches new updates and converts them to Message.
func (c *TGBotAPIClient) GetUpdates() ([]Message, error) {
	c.mu.Lock()
	updates, err := c.bot.GetUpdates(c.updateConfig)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if len(updates) > 0 {
		c.updateConfig.Offset = updates[len(updates)-1].UpdateID + 1
	}
	c.mu.Unlock()

	messages := make([]Message, 0, len(updates))
	for _, update := range updates {
		if m := convertMessage(update.Message); m != nil {
			messages = append(messages, *m)
		}
	}

	return messages, nil
}

func convertMessage(m *tgbotapi.Message) *Message {
	if m == nil || m.From == nil || m.Chat == nil {
		return nil
	}
	return &Message{
		ID:          int64(m.MessageID),
		ChatID:      m.Chat.ID,
		ChatType:    m.Chat.Type,
		UserID:      m.From.ID,
		DisplayName: displayName(m.From),
		Text:        m.Text,
		Timestamp:   time.Unix(int64(m.Date), 0),
	}
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

var (
	_ BotAPI          = (*TGBotAPIClient)(nil)
	_ ParseModeSender = (*TGBotAPIClient)(nil)
)
