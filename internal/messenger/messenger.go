package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/tagwatch/tagwatch/internal/approval"
	"github.com/tagwatch/tagwatch/internal/config"
	"github.com/tagwatch/tagwatch/internal/job"
	"github.com/tagwatch/tagwatch/internal/registry"
)

// Messenger is a chat transport. Besides posting and rewriting deploy
// notifications it serves interactive traffic: button presses on
// notifications and the browse-and-deploy chat command.
type Messenger interface {
	approval.Notifier
	// Run serves interactive traffic until the context is cancelled.
	Run(ctx context.Context) error
}

// DecideFn applies a human decision to a pending approval. The boolean result
// is false when no approval is pending for the key anymore.
type DecideFn func(
	ctx context.Context,
	key string,
	decision approval.Decision,
	actor string,
) (approval.Resolution, bool)

// AnnounceFn opens a fresh deploy prompt for an image. The browse flow uses
// it to route manually selected tags through the ordinary approval workflow.
type AnnounceFn func(ctx context.Context, event registry.Event) error

// BrowseSource is the messenger's read-only view of the registry, used by the
// browse-and-deploy chat command.
type BrowseSource interface {
	Repositories() []string
	ListTags(ctx context.Context, repo string) ([]string, error)
}

// messengerFactory builds a Messenger for one transport from configuration.
type messengerFactory func(
	cfg *config.Config,
	decide DecideFn,
	announce AnnounceFn,
	source BrowseSource,
) (Messenger, error)

// messengerFactories is the closed set of supported transports. Aliases are
// resolved by the configuration layer before lookup.
var messengerFactories = map[string]messengerFactory{
	"slack":    newSlackMessenger,
	"telegram": newTelegramMessenger,
}

// New returns the Messenger selected by cfg.Messenger.
func New(
	cfg *config.Config,
	decide DecideFn,
	announce AnnounceFn,
	source BrowseSource,
) (Messenger, error) {
	factory, ok := messengerFactories[cfg.Messenger]
	if !ok {
		transports := make([]string, 0, len(messengerFactories))
		for name := range messengerFactories {
			transports = append(transports, name)
		}
		sort.Strings(transports)
		return nil, fmt.Errorf(
			"unsupported messenger %q; supported messengers are %v",
			cfg.Messenger, transports,
		)
	}
	return factory(cfg, decide, announce, source)
}

// Button actions shared by both transports. Approval buttons resolve a
// pending approval; browse buttons advance the browse-and-deploy flow.
const (
	actionDeploy     = "deploy"
	actionSkip       = "skip"
	actionBrowseRepo = "repo"
	actionBrowseSvc  = "svc"
	actionBrowseTag  = "tag"
)

// payload is the JSON document carried inside a button. It is produced and
// consumed only by this package, so the schema can stay minimal.
type payload struct {
	Action  string `json:"a"`
	Repo    string `json:"r,omitempty"`
	Service string `json:"s,omitempty"`
	Tag     string `json:"t,omitempty"`
}

func encodePayload(p payload) string {
	// Marshaling a flat struct of strings cannot fail.
	data, _ := json.Marshal(p)
	return string(data)
}

func decodePayload(value string) (payload, error) {
	var p payload
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return payload{}, fmt.Errorf("error decoding button payload: %w", err)
	}
	if p.Action == "" {
		return payload{}, fmt.Errorf("button payload %q has no action", value)
	}
	return p, nil
}

// notificationText renders the body of a deploy prompt.
func notificationText(repo, tag, pushedAt string) string {
	return fmt.Sprintf(
		"New image pushed!\nRepository: %s\nTag: %s\nPushed at: %s",
		repo, tag, pushedAt,
	)
}

const expiredSessionText = "This request has already been resolved or has expired."

// tagBrowser implements the service and version listing behind the
// browse-and-deploy chat command, shared by both transports.
type tagBrowser struct {
	source  BrowseSource
	pattern *regexp.Regexp
}

func newTagBrowser(source BrowseSource, tagPattern string) (*tagBrowser, error) {
	pattern, err := regexp.Compile(tagPattern)
	if err != nil {
		return nil, fmt.Errorf(
			"error compiling tag pattern %q: %w", tagPattern, err,
		)
	}
	if pattern.NumSubexp() < 2 {
		return nil, fmt.Errorf(
			"tag pattern %q must capture a service name and a version", tagPattern,
		)
	}
	return &tagBrowser{source: source, pattern: pattern}, nil
}

// services returns the sorted set of service names extracted from the
// repository's visible tags.
func (t *tagBrowser) services(ctx context.Context, repo string) ([]string, error) {
	tags, err := t.source.ListTags(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("error listing tags of %q: %w", repo, err)
	}
	seen := map[string]struct{}{}
	for _, tag := range job.FilterTags(tags) {
		if match := t.pattern.FindStringSubmatch(tag); match != nil {
			seen[match[1]] = struct{}{}
		}
	}
	services := make([]string, 0, len(seen))
	for service := range seen {
		services = append(services, service)
	}
	sort.Strings(services)
	return services, nil
}

// tags returns the service's visible tags, newest version first.
func (t *tagBrowser) tags(
	ctx context.Context,
	repo string,
	service string,
) ([]string, error) {
	tags, err := t.source.ListTags(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("error listing tags of %q: %w", repo, err)
	}
	var matched []string
	for _, tag := range job.FilterTags(tags) {
		if match := t.pattern.FindStringSubmatch(tag); match != nil &&
			match[1] == service {
			matched = append(matched, tag)
		}
	}
	t.sortByVersion(matched)
	return matched, nil
}

// sortByVersion orders tags by their embedded version, newest first. Tags
// whose version does not parse as semver sort after those that do, in
// reverse lexical order.
func (t *tagBrowser) sortByVersion(tags []string) {
	version := func(tag string) *semver.Version {
		match := t.pattern.FindStringSubmatch(tag)
		if match == nil {
			return nil
		}
		v, err := semver.NewVersion(match[2])
		if err != nil {
			return nil
		}
		return v
	}
	sort.SliceStable(tags, func(i, j int) bool {
		vi, vj := version(tags[i]), version(tags[j])
		switch {
		case vi != nil && vj != nil:
			return vi.GreaterThan(vj)
		case vi != nil:
			return true
		case vj != nil:
			return false
		default:
			return tags[i] > tags[j]
		}
	})
}

// chunkStrings splits items into chunks of at most size elements.
func chunkStrings(items []string, size int) [][]string {
	var chunks [][]string
	for size < len(items) {
		items, chunks = items[size:], append(chunks, items[:size:size])
	}
	if len(items) > 0 {
		chunks = append(chunks, items)
	}
	return chunks
}
