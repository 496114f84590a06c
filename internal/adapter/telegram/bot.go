package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"completion-relay/internal/domain"
	"completion-relay/internal/usecase/relay"
)

const chunkSize = 2048

type Answerer interface {
	Answer(ctx context.Context, in relay.Input) (relay.Answer, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Bot relays Telegram messages through the chat profile. It keeps no
// conversation state; a reply to one of the bot's messages carries that
// message as the previous assistant turn.
type Bot struct {
	api     *tgbotapi.BotAPI
	out     sender
	relay   Answerer
	allowed map[int64]struct{}
	log     *slog.Logger
}

func NewBot(token string, allowedUserIDs []int64, answerer Answerer, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	b := newBot(api, answerer, allowedUserIDs, logger)
	b.api = api
	return b, nil
}

func newBot(out sender, answerer Answerer, allowedUserIDs []int64, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(allowedUserIDs))
	for _, id := range allowedUserIDs {
		allowed[id] = struct{}{}
	}
	return &Bot{
		out:     out,
		relay:   answerer,
		allowed: allowed,
		log:     logger.With(slog.String("transport", "telegram")),
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	b.log.InfoContext(ctx, "telegram bot polling", slog.String("username", b.api.Self.UserName))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !b.isAllowed(msg.From.ID) {
		b.sendText(msg.Chat.ID, msg.MessageID, "access denied")
		return
	}

	if _, err := b.out.Request(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping)); err != nil {
		b.log.DebugContext(ctx, "chat action failed", slog.Any("err", err))
	}

	answer, err := b.relay.Answer(ctx, BuildInput(msg))
	if err != nil {
		if errors.Is(err, domain.ErrEmptyConversation) {
			b.sendText(msg.Chat.ID, msg.MessageID, "i need some text to work with")
			return
		}
		b.log.ErrorContext(ctx, "relay request failed",
			slog.Int64("chat_id", msg.Chat.ID),
			slog.Any("err", err))
		b.sendText(msg.Chat.ID, msg.MessageID, "failed to reach the model, try again later")
		return
	}

	b.sendText(msg.Chat.ID, msg.MessageID, answer.Text)
}

func (b *Bot) sendText(chatID int64, replyTo int, text string) {
	for idx, chunk := range splitText(text, chunkSize) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if idx == 0 {
			msg.ReplyToMessageID = replyTo
		}
		if _, err := b.out.Send(msg); err != nil {
			b.log.Warn("failed to send reply", slog.Int64("chat_id", chatID), slog.Any("err", err))
		}
	}
}

// isAllowed admits everyone when no allow list is configured.
func (b *Bot) isAllowed(userID int64) bool {
	if len(b.allowed) == 0 {
		return true
	}
	_, ok := b.allowed[userID]
	return ok
}

// BuildInput maps a Telegram message onto a relay input.
func BuildInput(msg *tgbotapi.Message) relay.Input {
	parts := make([]string, 0, 2)
	if text := strings.TrimSpace(msg.Text); text != "" {
		parts = append(parts, text)
	}
	if msg.Caption != "" {
		parts = append(parts, "Caption: "+msg.Caption)
	}

	in := relay.Input{Text: strings.Join(parts, "\n")}
	if prev := msg.ReplyToMessage; in.Text != "" && prev != nil && prev.From != nil && prev.From.IsBot && prev.Text != "" {
		in.History = []domain.Turn{{Role: domain.RoleAssistant, Content: prev.Text}}
	}
	return in
}

func splitText(text string, size int) []string {
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}

	chunks := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
