package mocks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockTelegramBotQueue(t *testing.T) {
	m := NewMockTelegramBot()

	updates, err := m.GetUpdates()
	require.NoError(t, err)
	assert.Empty(t, updates)

	m.Push(7, "alice", "/start ABCDEFGH")
	m.Push(7, "alice", "/whoami")

	first, err := m.GetUpdates()
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "/start ABCDEFGH", first[0].Text)
	assert.True(t, first[0].Private())

	second, _ := m.GetUpdates()
	require.Len(t, second, 1)
	assert.Greater(t, second[0].ID, first[0].ID)
}

func TestMockTelegramBotLastToken(t *testing.T) {
	m := NewMockTelegramBot()
	require.NoError(t, m.SendMessageWithParseMode(7, "Your bot token:\n<code>lgb_abc-DEF_123</code>\n", "HTML"))
	require.NoError(t, m.SendMessage(8, "no token here"))

	assert.Equal(t, "lgb_abc-DEF_123", m.LastToken(7))
	assert.Empty(t, m.LastToken(8))
	assert.Equal(t, 2, m.GetSentCount())

	m.ClearSentMessages()
	assert.Empty(t, m.GetSentMessages())
}
