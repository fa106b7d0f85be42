package messenger

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/tagwatch/tagwatch/internal/approval"
	"github.com/tagwatch/tagwatch/internal/config"
	"github.com/tagwatch/tagwatch/internal/logging"
	"github.com/tagwatch/tagwatch/internal/registry"
	"github.com/tagwatch/tagwatch/internal/text"
)

// Slack imposes hard limits on interactive messages. Listings that exceed
// them are cut short with a trailer saying how many entries were dropped.
const (
	maxButtonsPerBlock  = 25
	maxBlocksPerMessage = 45
)

// slackMessenger serves Slack over socket mode. Notifications are posted to
// one configured channel; button presses and the /deploy-<environment> slash
// command arrive as socket mode events.
type slackMessenger struct {
	channel    string
	command    string
	msgMaxSize int

	api    *slack.Client
	socket *socketmode.Client

	decide   DecideFn
	announce AnnounceFn
	browser  *tagBrowser
	source   BrowseSource
}

func newSlackMessenger(
	cfg *config.Config,
	decide DecideFn,
	announce AnnounceFn,
	source BrowseSource,
) (Messenger, error) {
	if cfg.Slack.BotToken == "" || cfg.Slack.AppToken == "" {
		return nil, fmt.Errorf("slack bot token and app token are both required")
	}
	if cfg.Slack.Channel == "" {
		return nil, fmt.Errorf("slack channel is required")
	}
	browser, err := newTagBrowser(source, cfg.TagPatternMatch)
	if err != nil {
		return nil, err
	}
	api := slack.New(
		cfg.Slack.BotToken,
		slack.OptionAppLevelToken(cfg.Slack.AppToken),
	)
	return &slackMessenger{
		channel:    cfg.Slack.Channel,
		command:    "/deploy-" + cfg.Environment,
		msgMaxSize: cfg.Slack.MsgMaxSize,
		api:        api,
		socket:     socketmode.New(api),
		decide:     decide,
		announce:   announce,
		browser:    browser,
		source:     source,
	}, nil
}

func (s *slackMessenger) Notify(
	ctx context.Context,
	repo string,
	tag string,
	pushedAt string,
) (approval.Handle, error) {
	body := text.Truncate(notificationText(repo, tag, pushedAt), s.msgMaxSize)
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, body, false, false),
			nil, nil,
		),
		slack.NewActionBlock(
			"approval",
			slack.NewButtonBlockElement(
				actionDeploy,
				encodePayload(payload{Action: actionDeploy, Repo: repo, Tag: tag}),
				slack.NewTextBlockObject(slack.PlainTextType, "Deploy", false, false),
			).WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement(
				actionSkip,
				encodePayload(payload{Action: actionSkip, Repo: repo, Tag: tag}),
				slack.NewTextBlockObject(slack.PlainTextType, "Skip", false, false),
			).WithStyle(slack.StyleDanger),
		),
	}
	channel, timestamp, err := s.api.PostMessageContext(
		ctx, s.channel,
		slack.MsgOptionText(body, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return "", fmt.Errorf("error posting slack message: %w", err)
	}
	return slackHandle(channel, timestamp), nil
}

func (s *slackMessenger) Update(
	ctx context.Context,
	handle approval.Handle,
	body string,
) error {
	channel, timestamp, err := parseSlackHandle(handle)
	if err != nil {
		return err
	}
	// Replacing the blocks with a bare section removes the buttons, so a
	// resolved notification cannot be acted on again.
	body = text.Truncate(body, s.msgMaxSize)
	if _, _, _, err = s.api.UpdateMessageContext(
		ctx, channel, timestamp,
		slack.MsgOptionText(body, false),
		slack.MsgOptionBlocks(
			slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, body, false, false),
				nil, nil,
			),
		),
	); err != nil {
		return fmt.Errorf("error updating slack message: %w", err)
	}
	return nil
}

// Run drives the socket mode connection and dispatches interactive events
// until the context is cancelled.
func (s *slackMessenger) Run(ctx context.Context) error {
	logger := logging.LoggerFromContext(ctx)
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- s.socket.RunContext(ctx)
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErrCh:
			return err
		case evt := <-s.socket.Events:
			switch evt.Type {
			case socketmode.EventTypeInteractive:
				callback, ok := evt.Data.(slack.InteractionCallback)
				if !ok {
					continue
				}
				s.socket.Ack(*evt.Request)
				s.handleInteraction(ctx, callback)
			case socketmode.EventTypeSlashCommand:
				command, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				s.socket.Ack(*evt.Request)
				s.handleSlashCommand(ctx, command)
			case socketmode.EventTypeConnectionError:
				logger.Error(nil, "slack connection error", "event", evt.Type)
			default:
			}
		}
	}
}

func (s *slackMessenger) handleInteraction(
	ctx context.Context,
	callback slack.InteractionCallback,
) {
	logger := logging.LoggerFromContext(ctx)
	if callback.Type != slack.InteractionTypeBlockActions {
		return
	}
	for _, action := range callback.ActionCallback.BlockActions {
		p, err := decodePayload(action.Value)
		if err != nil {
			logger.Error(err, "ignoring malformed slack interaction")
			continue
		}
		switch p.Action {
		case actionDeploy, actionSkip:
			s.handleDecision(ctx, callback, p)
		case actionBrowseRepo:
			s.handleBrowseRepo(ctx, callback, p)
		case actionBrowseSvc:
			s.handleBrowseService(ctx, callback, p)
		case actionBrowseTag:
			s.handleBrowseTag(ctx, callback, p)
		default:
			logger.Error(nil, "unknown slack action", "action", p.Action)
		}
	}
}

func (s *slackMessenger) handleDecision(
	ctx context.Context,
	callback slack.InteractionCallback,
	p payload,
) {
	decision := approval.DecisionDeploy
	if p.Action == actionSkip {
		decision = approval.DecisionSkip
	}
	actor := callback.User.Name
	if actor == "" {
		actor = callback.User.ID
	}
	if _, ok := s.decide(
		ctx, approval.Key(p.Repo, p.Tag), decision, actor,
	); !ok {
		s.postEphemeral(ctx, callback, expiredSessionText)
	}
}

// handleSlashCommand opens the browse flow: the command message is answered
// with one button per watched repository.
func (s *slackMessenger) handleSlashCommand(
	ctx context.Context,
	command slack.SlashCommand,
) {
	logger := logging.LoggerFromContext(ctx)
	if command.Command != s.command {
		return
	}
	repos := s.source.Repositories()
	if len(repos) == 0 {
		s.postText(ctx, "No repositories are configured.")
		return
	}
	blocks := s.listingBlocks(
		"Select a repository:", repos,
		func(repo string) payload {
			return payload{Action: actionBrowseRepo, Repo: repo}
		},
	)
	if _, _, err := s.api.PostMessageContext(
		ctx, s.channel, slack.MsgOptionBlocks(blocks...),
	); err != nil {
		logger.Error(err, "error posting repository listing")
	}
}

func (s *slackMessenger) handleBrowseRepo(
	ctx context.Context,
	callback slack.InteractionCallback,
	p payload,
) {
	services, err := s.browser.services(ctx, p.Repo)
	if err != nil {
		s.rewrite(ctx, callback, nil, fmt.Sprintf(
			"Could not list services of %s: %s", p.Repo, err,
		))
		return
	}
	if len(services) == 0 {
		s.rewrite(ctx, callback, nil, fmt.Sprintf(
			"No deployable services found in %s.", p.Repo,
		))
		return
	}
	blocks := s.listingBlocks(
		fmt.Sprintf("Select a service from %s:", p.Repo), services,
		func(service string) payload {
			return payload{Action: actionBrowseSvc, Repo: p.Repo, Service: service}
		},
	)
	s.rewrite(ctx, callback, blocks, "")
}

func (s *slackMessenger) handleBrowseService(
	ctx context.Context,
	callback slack.InteractionCallback,
	p payload,
) {
	tags, err := s.browser.tags(ctx, p.Repo, p.Service)
	if err != nil {
		s.rewrite(ctx, callback, nil, fmt.Sprintf(
			"Could not list tags of %s: %s", p.Repo, err,
		))
		return
	}
	if len(tags) == 0 {
		s.rewrite(ctx, callback, nil, fmt.Sprintf(
			"No deployable tags found for %s in %s.", p.Service, p.Repo,
		))
		return
	}
	blocks := s.listingBlocks(
		fmt.Sprintf("Select a tag of %s:", p.Service), tags,
		func(tag string) payload {
			return payload{Action: actionBrowseTag, Repo: p.Repo, Tag: tag}
		},
	)
	s.rewrite(ctx, callback, blocks, "")
}

// handleBrowseTag routes the selected tag through the ordinary approval
// workflow, so a browsed deployment gets the same prompt, timeout, and
// bookkeeping as a watched one.
func (s *slackMessenger) handleBrowseTag(
	ctx context.Context,
	callback slack.InteractionCallback,
	p payload,
) {
	if err := s.announce(ctx, registry.Event{
		Repo:     p.Repo,
		Tag:      p.Tag,
		PushedAt: "<unknown>",
	}); err != nil {
		s.rewrite(ctx, callback, nil, fmt.Sprintf(
			"Could not open a deploy prompt for %s:%s: %s", p.Repo, p.Tag, err,
		))
		return
	}
	s.rewrite(ctx, callback, nil, fmt.Sprintf(
		"Deploy prompt posted for %s:%s.", p.Repo, p.Tag,
	))
}

// listingBlocks renders a prompt plus one button per item, respecting the
// per-block and per-message block limits.
func (s *slackMessenger) listingBlocks(
	prompt string,
	items []string,
	makePayload func(item string) payload,
) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, prompt, false, false),
			nil, nil,
		),
	}
	shown := 0
	for i, chunk := range chunkStrings(items, maxButtonsPerBlock) {
		if len(blocks) >= maxBlocksPerMessage {
			break
		}
		buttons := make([]slack.BlockElement, 0, len(chunk))
		for _, item := range chunk {
			buttons = append(buttons, slack.NewButtonBlockElement(
				fmt.Sprintf("%s-%d", makePayload(item).Action, shown),
				encodePayload(makePayload(item)),
				slack.NewTextBlockObject(slack.PlainTextType, item, false, false),
			))
			shown++
		}
		blocks = append(
			blocks,
			slack.NewActionBlock(fmt.Sprintf("listing-%d", i), buttons...),
		)
	}
	if shown < len(items) {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(
				slack.MarkdownType,
				fmt.Sprintf("_%d more entries not shown._", len(items)-shown),
				false, false,
			),
			nil, nil,
		))
	}
	return blocks
}

// rewrite replaces the interactive message the callback originated from,
// either with new blocks or with plain text.
func (s *slackMessenger) rewrite(
	ctx context.Context,
	callback slack.InteractionCallback,
	blocks []slack.Block,
	body string,
) {
	logger := logging.LoggerFromContext(ctx)
	channel := callback.Channel.ID
	if channel == "" {
		channel = callback.Container.ChannelID
	}
	options := []slack.MsgOption{}
	if len(blocks) > 0 {
		options = append(options, slack.MsgOptionBlocks(blocks...))
	} else {
		body = text.Truncate(body, s.msgMaxSize)
		options = append(
			options,
			slack.MsgOptionText(body, false),
			slack.MsgOptionBlocks(
				slack.NewSectionBlock(
					slack.NewTextBlockObject(slack.MarkdownType, body, false, false),
					nil, nil,
				),
			),
		)
	}
	if _, _, _, err := s.api.UpdateMessageContext(
		ctx, channel, callback.Message.Timestamp, options...,
	); err != nil {
		logger.Error(err, "error rewriting slack message")
	}
}

func (s *slackMessenger) postText(ctx context.Context, body string) {
	if _, _, err := s.api.PostMessageContext(
		ctx, s.channel,
		slack.MsgOptionText(text.Truncate(body, s.msgMaxSize), false),
	); err != nil {
		logging.LoggerFromContext(ctx).Error(err, "error posting slack message")
	}
}

func (s *slackMessenger) postEphemeral(
	ctx context.Context,
	callback slack.InteractionCallback,
	body string,
) {
	channel := callback.Channel.ID
	if channel == "" {
		channel = callback.Container.ChannelID
	}
	if _, err := s.api.PostEphemeralContext(
		ctx, channel, callback.User.ID,
		slack.MsgOptionText(body, false),
	); err != nil {
		logging.LoggerFromContext(ctx).Error(err, "error posting ephemeral message")
	}
}

func slackHandle(channel, timestamp string) approval.Handle {
	return approval.Handle(channel + "|" + timestamp)
}

func parseSlackHandle(handle approval.Handle) (string, string, error) {
	channel, timestamp, ok := strings.Cut(string(handle), "|")
	if !ok || channel == "" || timestamp == "" {
		return "", "", fmt.Errorf("malformed slack message handle %q", handle)
	}
	return channel, timestamp, nil
}
