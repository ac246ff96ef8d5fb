package telegram

import (
	"fmt"
	"html"
	"time"

	"github.com/linkgate/linkgate/internal/models"
)

func welcomeMessage() string {
	return "🔗 <b>linkgate</b>\n\n" +
		"Generate a linking code in the web app, then send it here:\n" +
		"<code>/link ABCD2345</code>\n\n" +
		"Type /help to see available commands."
}

func helpMessage() string {
	return "📖 <b>Available Commands</b>\n\n" +
		"/link &lt;code&gt; - Link this Telegram account\n" +
		"/unlink - Revoke the link and its bot token\n" +
		"/whoami - Show the current link\n" +
		"/help - Show this help message"
}

func linkUsageMessage() string {
	return "Usage: <code>/link &lt;code&gt;</code>\nCodes are 8 characters and expire after 10 minutes."
}

func unknownCommandMessage(command string) string {
	return fmt.Sprintf("Unknown command: %s. Type /help for available commands.", html.EscapeString(command))
}

func privateChatOnlyMessage() string {
	return "🔒 Send linking codes in a private chat with the bot."
}

func invalidCodeMessage() string {
	return "❌ That code is invalid or expired. Generate a new one in the web app."
}

func unavailableMessage() string {
	return "⚠️ The service is temporarily unavailable. Please try again later."
}

func rateLimitedMessage(retryAfter time.Duration) string {
	return fmt.Sprintf("⏳ Too many attempts. Try again in %s.", formatDuration(retryAfter))
}

func linkedMessage(token string, expiresAt time.Time) string {
	return fmt.Sprintf(
		"✅ <b>Linked</b>\n\n"+
			"Your bot token:\n<code>%s</code>\n\n"+
			"It expires %s. Store it now, it will not be shown again.",
		html.EscapeString(token),
		expiresAt.UTC().Format("2006-01-02 15:04 MST"),
	)
}

func unlinkedMessage() string {
	return "🔓 Unlinked. The bot token no longer works."
}

func notLinkedMessage() string {
	return "This Telegram account is not linked. Type /help to get started."
}

func whoamiMessage(b *models.Binding, now time.Time) string {
	if !b.CanAuthenticate(now) {
		if b.Revoked {
			return "🔓 The link was revoked. Generate a new code to link again."
		}
		return "⌛ The bot token expired. Generate a new code to link again."
	}

	msg := fmt.Sprintf("🔗 Linked to account <code>%s</code>\nToken expires %s",
		html.EscapeString(b.AccountID),
		b.TokenExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	if b.LastSeenAt != nil {
		msg += fmt.Sprintf("\nLast used %s ago", formatDuration(now.Sub(*b.LastSeenAt)))
	}
	return msg
}

// formatDuration renders d rounded to the largest sensible unit.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return "1s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Round(time.Second)/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Round(time.Minute)/time.Minute))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Round(time.Hour)/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
}
