package messenger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/tagwatch/tagwatch/internal/approval"
	"github.com/tagwatch/tagwatch/internal/config"
	"github.com/tagwatch/tagwatch/internal/logging"
	"github.com/tagwatch/tagwatch/internal/registry"
	"github.com/tagwatch/tagwatch/internal/text"
)

// Telegram callback data is capped at 64 bytes, far too small for a payload.
// Payloads are therefore parked in an expiring store and the callback carries
// only the store key. Presses on buttons older than the TTL get the expired
// session response.
const (
	callbackTTL        = time.Hour
	longPollTimeout    = 30
	maxTelegramButtons = 90
)

// telegramMessenger serves one Telegram chat via long polling.
type telegramMessenger struct {
	chatID     int64
	command    string
	msgMaxSize int

	bot       *tgbotapi.BotAPI
	callbacks *cache.Cache

	decide   DecideFn
	announce AnnounceFn
	browser  *tagBrowser
	source   BrowseSource
}

func newTelegramMessenger(
	cfg *config.Config,
	decide DecideFn,
	announce AnnounceFn,
	source BrowseSource,
) (Messenger, error) {
	if cfg.Telegram.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if cfg.Telegram.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	browser, err := newTagBrowser(source, cfg.TagPatternMatch)
	if err != nil {
		return nil, err
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		return nil, fmt.Errorf("error connecting to telegram: %w", err)
	}
	return &telegramMessenger{
		chatID:     cfg.Telegram.ChatID,
		command:    "deploy_" + cfg.Environment,
		msgMaxSize: cfg.Telegram.MsgMaxSize,
		bot:        bot,
		callbacks:  cache.New(callbackTTL, 2*callbackTTL),
		decide:     decide,
		announce:   announce,
		browser:    browser,
		source:     source,
	}, nil
}

func (t *telegramMessenger) Notify(
	ctx context.Context,
	repo string,
	tag string,
	pushedAt string,
) (approval.Handle, error) {
	msg := tgbotapi.NewMessage(
		t.chatID,
		text.Truncate(notificationText(repo, tag, pushedAt), t.msgMaxSize),
	)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			t.button("Deploy", payload{Action: actionDeploy, Repo: repo, Tag: tag}),
			t.button("Skip", payload{Action: actionSkip, Repo: repo, Tag: tag}),
		),
	)
	sent, err := t.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("error sending telegram message: %w", err)
	}
	return telegramHandle(t.chatID, sent.MessageID), nil
}

func (t *telegramMessenger) Update(
	ctx context.Context,
	handle approval.Handle,
	body string,
) error {
	chatID, messageID, err := parseTelegramHandle(handle)
	if err != nil {
		return err
	}
	// Editing without a reply markup drops the buttons along with the text.
	edit := tgbotapi.NewEditMessageText(
		chatID, messageID, text.Truncate(body, t.msgMaxSize),
	)
	if _, err = t.bot.Send(edit); err != nil {
		return fmt.Errorf("error editing telegram message: %w", err)
	}
	return nil
}

// Run long-polls for updates until the context is cancelled. Updates from
// other chats are discarded without a response.
func (t *telegramMessenger) Run(ctx context.Context) error {
	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = longPollTimeout
	updates := t.bot.GetUpdatesChan(updateCfg)
	defer t.bot.StopReceivingUpdates()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update channel closed")
			}
			switch {
			case update.CallbackQuery != nil:
				t.handleCallback(ctx, update.CallbackQuery)
			case update.Message != nil && update.Message.IsCommand():
				t.handleCommand(ctx, update.Message)
			}
		}
	}
}

func (t *telegramMessenger) handleCallback(
	ctx context.Context,
	query *tgbotapi.CallbackQuery,
) {
	logger := logging.LoggerFromContext(ctx)
	if query.Message == nil || query.Message.Chat.ID != t.chatID {
		logger.Info("ignoring callback from unauthorized chat")
		return
	}

	stored, found := t.callbacks.Get(query.Data)
	if !found {
		t.answer(ctx, query.ID, expiredSessionText)
		return
	}
	p, err := decodePayload(stored.(string))
	if err != nil {
		logger.Error(err, "ignoring malformed telegram callback")
		t.answer(ctx, query.ID, expiredSessionText)
		return
	}

	switch p.Action {
	case actionDeploy, actionSkip:
		decision := approval.DecisionDeploy
		if p.Action == actionSkip {
			decision = approval.DecisionSkip
		}
		actor := query.From.UserName
		if actor == "" {
			actor = strconv.FormatInt(query.From.ID, 10)
		}
		if _, ok := t.decide(
			ctx, approval.Key(p.Repo, p.Tag), decision, actor,
		); !ok {
			t.answer(ctx, query.ID, expiredSessionText)
			return
		}
		t.answer(ctx, query.ID, "")
	case actionBrowseRepo:
		t.answer(ctx, query.ID, "")
		t.browseRepo(ctx, query.Message.MessageID, p)
	case actionBrowseSvc:
		t.answer(ctx, query.ID, "")
		t.browseService(ctx, query.Message.MessageID, p)
	case actionBrowseTag:
		t.answer(ctx, query.ID, "")
		t.browseTag(ctx, query.Message.MessageID, p)
	default:
		logger.Error(nil, "unknown telegram action", "action", p.Action)
		t.answer(ctx, query.ID, expiredSessionText)
	}
}

// handleCommand opens the browse flow for the environment's deploy command.
func (t *telegramMessenger) handleCommand(
	ctx context.Context,
	message *tgbotapi.Message,
) {
	if message.Chat.ID != t.chatID || message.Command() != t.command {
		return
	}
	repos := t.source.Repositories()
	if len(repos) == 0 {
		t.sendText(ctx, "No repositories are configured.")
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, "Select a repository:")
	msg.ReplyMarkup = t.listingKeyboard(repos, func(repo string) payload {
		return payload{Action: actionBrowseRepo, Repo: repo}
	})
	if _, err := t.bot.Send(msg); err != nil {
		logging.LoggerFromContext(ctx).Error(err, "error sending repository listing")
	}
}

func (t *telegramMessenger) browseRepo(
	ctx context.Context,
	messageID int,
	p payload,
) {
	services, err := t.browser.services(ctx, p.Repo)
	if err != nil {
		t.editText(ctx, messageID, fmt.Sprintf(
			"Could not list services of %s: %s", p.Repo, err,
		))
		return
	}
	if len(services) == 0 {
		t.editText(ctx, messageID, fmt.Sprintf(
			"No deployable services found in %s.", p.Repo,
		))
		return
	}
	t.editListing(
		ctx, messageID,
		fmt.Sprintf("Select a service from %s:", p.Repo), services,
		func(service string) payload {
			return payload{Action: actionBrowseSvc, Repo: p.Repo, Service: service}
		},
	)
}

func (t *telegramMessenger) browseService(
	ctx context.Context,
	messageID int,
	p payload,
) {
	tags, err := t.browser.tags(ctx, p.Repo, p.Service)
	if err != nil {
		t.editText(ctx, messageID, fmt.Sprintf(
			"Could not list tags of %s: %s", p.Repo, err,
		))
		return
	}
	if len(tags) == 0 {
		t.editText(ctx, messageID, fmt.Sprintf(
			"No deployable tags found for %s in %s.", p.Service, p.Repo,
		))
		return
	}
	t.editListing(
		ctx, messageID,
		fmt.Sprintf("Select a tag of %s:", p.Service), tags,
		func(tag string) payload {
			return payload{Action: actionBrowseTag, Repo: p.Repo, Tag: tag}
		},
	)
}

func (t *telegramMessenger) browseTag(
	ctx context.Context,
	messageID int,
	p payload,
) {
	if err := t.announce(ctx, registry.Event{
		Repo:     p.Repo,
		Tag:      p.Tag,
		PushedAt: "<unknown>",
	}); err != nil {
		t.editText(ctx, messageID, fmt.Sprintf(
			"Could not open a deploy prompt for %s:%s: %s", p.Repo, p.Tag, err,
		))
		return
	}
	t.editText(ctx, messageID, fmt.Sprintf(
		"Deploy prompt posted for %s:%s.", p.Repo, p.Tag,
	))
}

// button parks the payload in the callback store and returns a button whose
// callback data is the store key.
func (t *telegramMessenger) button(
	label string,
	p payload,
) tgbotapi.InlineKeyboardButton {
	id := uuid.NewString()
	t.callbacks.Set(id, encodePayload(p), cache.DefaultExpiration)
	return tgbotapi.NewInlineKeyboardButtonData(label, id)
}

// listingKeyboard renders one button per item, one per row, capped at the
// keyboard button limit.
func (t *telegramMessenger) listingKeyboard(
	items []string,
	makePayload func(item string) payload,
) tgbotapi.InlineKeyboardMarkup {
	shown := items
	if len(shown) > maxTelegramButtons {
		shown = shown[:maxTelegramButtons]
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(shown))
	for _, item := range shown {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			t.button(item, makePayload(item)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (t *telegramMessenger) editListing(
	ctx context.Context,
	messageID int,
	prompt string,
	items []string,
	makePayload func(item string) payload,
) {
	if len(items) > maxTelegramButtons {
		prompt = fmt.Sprintf(
			"%s\n(%d more entries not shown.)",
			prompt, len(items)-maxTelegramButtons,
		)
	}
	keyboard := t.listingKeyboard(items, makePayload)
	edit := tgbotapi.NewEditMessageTextAndMarkup(
		t.chatID, messageID, prompt, keyboard,
	)
	if _, err := t.bot.Send(edit); err != nil {
		logging.LoggerFromContext(ctx).Error(err, "error editing telegram message")
	}
}

func (t *telegramMessenger) editText(
	ctx context.Context,
	messageID int,
	body string,
) {
	edit := tgbotapi.NewEditMessageText(
		t.chatID, messageID, text.Truncate(body, t.msgMaxSize),
	)
	if _, err := t.bot.Send(edit); err != nil {
		logging.LoggerFromContext(ctx).Error(err, "error editing telegram message")
	}
}

func (t *telegramMessenger) sendText(ctx context.Context, body string) {
	msg := tgbotapi.NewMessage(t.chatID, text.Truncate(body, t.msgMaxSize))
	if _, err := t.bot.Send(msg); err != nil {
		logging.LoggerFromContext(ctx).Error(err, "error sending telegram message")
	}
}

func (t *telegramMessenger) answer(ctx context.Context, queryID, body string) {
	if _, err := t.bot.Request(tgbotapi.NewCallback(queryID, body)); err != nil {
		logging.LoggerFromContext(ctx).Error(err, "error answering telegram callback")
	}
}

func telegramHandle(chatID int64, messageID int) approval.Handle {
	return approval.Handle(fmt.Sprintf("%d|%d", chatID, messageID))
}

func parseTelegramHandle(handle approval.Handle) (int64, int, error) {
	chatPart, messagePart, ok := strings.Cut(string(handle), "|")
	if !ok {
		return 0, 0, fmt.Errorf("malformed telegram message handle %q", handle)
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed telegram message handle %q", handle)
	}
	messageID, err := strconv.Atoi(messagePart)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed telegram message handle %q", handle)
	}
	return chatID, messageID, nil
}
