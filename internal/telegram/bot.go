// Package telegram runs the chat bot that redeems linking codes and hands out
// bot tokens.
package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/linkgate/linkgate/internal/limiter"
	"github.com/linkgate/linkgate/internal/linking"
	"github.com/linkgate/linkgate/internal/logging"
	"github.com/linkgate/linkgate/internal/models"
)

// Message is an inbound chat message.
type Message struct {
	ID          int64
	ChatID      int64
	ChatType    string
	UserID      int64
	DisplayName string
	Text        string
	Timestamp   time.Time
}

// Private reports whether the message came from a one-to-one chat. Unknown
// chat types are treated as private.
func (m Message) Private() bool {
	return m.ChatType == "" || m.ChatType == "private"
}

// BotAPI interface for Telegram bot operations (allows mocking in tests)
type BotAPI interface {
	SendMessage(chatID int64, text string) error
	GetUpdates() ([]Message, error)
}

// ParseModeSender allows sending messages with parse mode (HTML/MarkdownV2).
type ParseModeSender interface {
	SendMessageWithParseMode(chatID int64, text string, parseMode string) error
}

// ChatSender is the outbound "send text to chat id" call.
type ChatSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Linker redeems linking codes.
type Linker interface {
	Redeem(ctx context.Context, code string, externalID int64, displayName string) (*linking.Redeemed, error)
}

// Bindings reads and revokes bindings by external id.
type Bindings interface {
	Binding(ctx context.Context, externalID int64) (*models.Binding, error)
	Revoke(ctx context.Context, externalID int64) (bool, error)
}

// BotOptions contains optional configuration for the bot
type BotOptions struct {
	BotAPI BotAPI
	// Gate throttles redeem attempts per sender.
	Gate *limiter.Gate
	// MessagesPerSecond paces outbound messages. Zero means 1.
	MessagesPerSecond float64
	Logger            *logging.Logger
	Clock             func() time.Time
}

// Bot is the link bot.
type Bot struct {
	enabled  bool
	api      BotAPI
	linker   Linker
	bindings Bindings
	gate     *limiter.Gate
	pacer    *rate.Limiter
	logger   *logging.Logger
	now      func() time.Time

	// Context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	msgChan chan Message

	onLinked   func(ctx context.Context, externalID int64, redeemed *linking.Redeemed)
	onUnlinked func(ctx context.Context, externalID int64, binding *models.Binding)
}

// NewBot creates a new Telegram bot
func NewBot(enabled bool, linker Linker, bindings Bindings, opts *BotOptions) *Bot {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bot{
		enabled:  enabled,
		linker:   linker,
		bindings: bindings,
		logger:   logging.Nop(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		msgChan:  make(chan Message, 100),
	}

	perSecond := 1.0
	if opts != nil {
		b.api = opts.BotAPI
		b.gate = opts.Gate
		if opts.Logger != nil {
			b.logger = opts.Logger
		}
		if opts.Clock != nil {
			b.now = opts.Clock
		}
		if opts.MessagesPerSecond > 0 {
			perSecond = opts.MessagesPerSecond
		}
	}
	b.pacer = rate.NewLimiter(rate.Limit(perSecond), 1)

	return b
}

// SetLinkedCallback is called after a code was redeemed through the bot.
func (b *Bot) SetLinkedCallback(cb func(ctx context.Context, externalID int64, redeemed *linking.Redeemed)) {
	b.onLinked = cb
}

// SetUnlinkedCallback is called after a sender revoked their binding.
func (b *Bot) SetUnlinkedCallback(cb func(ctx context.Context, externalID int64, binding *models.Binding)) {
	b.onUnlinked = cb
}

// Start starts the bot
func (b *Bot) Start() error {
	if !b.enabled {
		return nil
	}
	if b.api == nil {
		return fmt.Errorf("telegram: bot API is required")
	}

	// Start message processing loop
	b.wg.Add(1)
	go b.processMessages()

	// Start polling updates
	b.wg.Add(1)
	go b.pollUpdates()

	return nil
}

// Stop gracefully stops the bot
func (b *Bot) Stop() error {
	b.cancel()

	// Wait for all goroutines to finish
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timeout waiting for bot to stop")
	}
}

// processMessages processes incoming messages
func (b *Bot) processMessages() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-b.msgChan:
			if !ok {
				return
			}
			b.handleMessage(b.ctx, msg)
		}
	}
}

// pollUpdates polls the Telegram API for updates and forwards them to the message channel.
func (b *Bot) pollUpdates() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		updates, err := b.api.GetUpdates()
		if err != nil {
			b.logger.Warn("telegram get updates failed", "error", err.Error())
			b.sleep(2 * time.Second)
			continue
		}

		if len(updates) == 0 {
			b.sleep(250 * time.Millisecond)
			continue
		}

		for _, msg := range updates {
			select {
			case <-b.ctx.Done():
				return
			case b.msgChan <- msg:
			default:
				// Drop if buffer is full to avoid blocking
				b.logger.Warn("telegram message dropped", "chat_id", msg.ChatID)
			}
		}
	}
}

func (b *Bot) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-b.ctx.Done():
	case <-t.C:
	}
}

// SendText sends a plain message to chatID, waiting for the outbound pacer.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	if !b.enabled || b.api == nil {
		return nil
	}
	if err := b.pacer.Wait(ctx); err != nil {
		return err
	}
	return b.api.SendMessage(chatID, text)
}

// sendHTML sends an HTML formatted reply, falling back to plain text.
func (b *Bot) sendHTML(ctx context.Context, chatID int64, text string) {
	if !b.enabled || b.api == nil {
		return
	}
	if err := b.pacer.Wait(ctx); err != nil {
		return
	}
	var err error
	if sender, ok := b.api.(ParseModeSender); ok {
		err = sender.SendMessageWithParseMode(chatID, text, "HTML")
	} else {
		err = b.api.SendMessage(chatID, text)
	}
	if err != nil {
		b.logger.WarnWithContext(ctx, "telegram send failed", "chat_id", chatID, "error", err.Error())
	}
}

// IsEnabled returns whether the bot is enabled
func (b *Bot) IsEnabled() bool {
	return b.enabled
}

var _ ChatSender = (*Bot)(nil)
