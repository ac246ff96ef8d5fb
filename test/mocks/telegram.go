// Package mocks provides test doubles for external services.
package mocks

import (
	"regexp"
	"sync"
	"time"

	"github.com/linkgate/linkgate/internal/telegram"
)

// MockTelegramBot implements telegram.BotAPI. Inbound messages are queued
// with Push and handed out one batch per GetUpdates call.
type MockTelegramBot struct {
	SentMessages []SentMessage
	SentCount    int
	mu           sync.Mutex

	inbound [][]telegram.Message
	nextID  int64
}

// SentMessage represents a sent message
type SentMessage struct {
	ChatID    int64
	Text      string
	ParseMode string
	Time      time.Time
}

// NewMockTelegramBot creates a new mock Telegram bot
func NewMockTelegramBot() *MockTelegramBot {
	return &MockTelegramBot{
		SentMessages: make([]SentMessage, 0),
	}
}

// Push queues a private message from userID.
func (m *MockTelegramBot) Push(userID int64, displayName, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.inbound = append(m.inbound, []telegram.Message{{
		ID:          m.nextID,
		ChatID:      userID,
		ChatType:    "private",
		UserID:      userID,
		DisplayName: displayName,
		Text:        text,
		Timestamp:   time.Now(),
	}})
}

// GetUpdates implements telegram.BotAPI.
func (m *MockTelegramBot) GetUpdates() ([]telegram.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbound) == 0 {
		return nil, nil
	}
	next := m.inbound[0]
	m.inbound = m.inbound[1:]
	return next, nil
}

// SendMessage implements telegram.BotAPI.
func (m *MockTelegramBot) SendMessage(chatID int64, text string) error {
	return m.SendMessageWithParseMode(chatID, text, "")
}

// SendMessageWithParseMode implements telegram.ParseModeSender.
func (m *MockTelegramBot) SendMessageWithParseMode(chatID int64, text string, parseMode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SentCount++
	m.SentMessages = append(m.SentMessages, SentMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: parseMode,
		Time:      time.Now(),
	})
	return nil
}

// GetSentMessages returns all sent messages
func (m *MockTelegramBot) GetSentMessages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}

// GetSentCount returns the number of sent messages
func (m *MockTelegramBot) GetSentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SentCount
}

// ClearSentMessages clears the sent messages
func (m *MockTelegramBot) ClearSentMessages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = make([]SentMessage, 0)
	m.SentCount = 0
}

var tokenPattern = regexp.MustCompile(`lgb_[A-Za-z0-9_-]+`)

// LastToken returns the most recent bot token sent to chatID, or "".
func (m *MockTelegramBot) LastToken(chatID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.SentMessages) - 1; i >= 0; i-- {
		msg := m.SentMessages[i]
		if msg.ChatID != chatID {
			continue
		}
		if tok := tokenPattern.FindString(msg.Text); tok != "" {
			return tok
		}
	}
	return ""
}

var _ telegram.BotAPI = (*MockTelegramBot)(nil)
