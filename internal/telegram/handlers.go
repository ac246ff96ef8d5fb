package telegram

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/logging"
	"github.com/linkgate/linkgate/internal/realtime"
)

// handleMessage processes an incoming message
func (b *Bot) handleMessage(ctx context.Context, msg Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.UserID == 0 {
		return
	}
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())
	b.handleCommand(ctx, msg, text)
}

// handleCommand dispatches a slash command.
func (b *Bot) handleCommand(ctx context.Context, msg Message, text string) {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return
	}

	// Strip the "@botname" suffix used in group chats.
	command, _, _ := strings.Cut(strings.ToLower(parts[0]), "@")
	args := parts[1:]

	switch command {
	case "/start":
		if len(args) == 0 {
			b.sendHTML(ctx, msg.ChatID, welcomeMessage())
			return
		}
		b.handleLink(ctx, msg, args[0])
	case "/link":
		if len(args) == 0 {
			b.sendHTML(ctx, msg.ChatID, linkUsageMessage())
			return
		}
		b.handleLink(ctx, msg, args[0])
	case "/unlink":
		b.handleUnlink(ctx, msg)
	case "/whoami":
		b.handleWhoami(ctx, msg)
	case "/help":
		b.sendHTML(ctx, msg.ChatID, helpMessage())
	default:
		b.sendHTML(ctx, msg.ChatID, unknownCommandMessage(command))
	}
}

// handleLink redeems code for the sender and replies with the token once.
func (b *Bot) handleLink(ctx context.Context, msg Message, code string) {
	if !msg.Private() {
		b.sendHTML(ctx, msg.ChatID, privateChatOnlyMessage())
		return
	}

	if b.gate != nil {
		err := b.gate.Admit(ctx, realtime.ExternalKey(msg.UserID), config.ActionLinkRedeem)
		var limited *errors.RateLimitedError
		if stderrors.As(err, &limited) {
			b.sendHTML(ctx, msg.ChatID, rateLimitedMessage(limited.RetryAfter))
			return
		}
		if err != nil {
			b.logger.ErrorWithContext(ctx, "redeem admission unavailable", "error", err.Error())
			b.sendHTML(ctx, msg.ChatID, unavailableMessage())
			return
		}
	}

	redeemed, err := b.linker.Redeem(ctx, code, msg.UserID, msg.DisplayName)
	if stderrors.Is(err, errors.ErrInvalidOrExpired) {
		b.sendHTML(ctx, msg.ChatID, invalidCodeMessage())
		return
	}
	if err != nil {
		b.logger.ErrorWithContext(ctx, "redeem failed", "external_id", msg.UserID, "error", err.Error())
		b.sendHTML(ctx, msg.ChatID, unavailableMessage())
		return
	}

	b.logger.InfoWithContext(ctx, "telegram account linked", "external_id", msg.UserID, "account_id", redeemed.AccountID)
	b.sendHTML(ctx, msg.ChatID, linkedMessage(redeemed.Token, redeemed.ExpiresAt))
	if b.onLinked != nil {
		b.onLinked(ctx, msg.UserID, redeemed)
	}
}

// handleUnlink revokes the sender's binding.
func (b *Bot) handleUnlink(ctx context.Context, msg Message) {
	binding, err := b.bindings.Binding(ctx, msg.UserID)
	if stderrors.Is(err, errors.ErrNotFound) {
		b.sendHTML(ctx, msg.ChatID, notLinkedMessage())
		return
	}
	if err != nil {
		b.logger.ErrorWithContext(ctx, "binding lookup failed", "external_id", msg.UserID, "error", err.Error())
		b.sendHTML(ctx, msg.ChatID, unavailableMessage())
		return
	}

	existed, err := b.bindings.Revoke(ctx, msg.UserID)
	if err != nil {
		b.logger.ErrorWithContext(ctx, "revoke failed", "external_id", msg.UserID, "error", err.Error())
		b.sendHTML(ctx, msg.ChatID, unavailableMessage())
		return
	}
	if !existed || binding.Revoked {
		b.sendHTML(ctx, msg.ChatID, notLinkedMessage())
		return
	}

	b.sendHTML(ctx, msg.ChatID, unlinkedMessage())
	if b.onUnlinked != nil {
		b.onUnlinked(ctx, msg.UserID, binding)
	}
}

// handleWhoami reports the sender's link state.
func (b *Bot) handleWhoami(ctx context.Context, msg Message) {
	binding, err := b.bindings.Binding(ctx, msg.UserID)
	if stderrors.Is(err, errors.ErrNotFound) {
		b.sendHTML(ctx, msg.ChatID, notLinkedMessage())
		return
	}
	if err != nil {
		b.logger.ErrorWithContext(ctx, "binding lookup failed", "external_id", msg.UserID, "error", err.Error())
		b.sendHTML(ctx, msg.ChatID, unavailableMessage())
		return
	}
	b.sendHTML(ctx, msg.ChatID, whoamiMessage(binding, b.now()))
}
