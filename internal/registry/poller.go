package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tagwatch/tagwatch/internal/config"
	"github.com/tagwatch/tagwatch/internal/job"
	"github.com/tagwatch/tagwatch/internal/logging"
)

// Poller turns a registry's current image lists into a stream of new-image
// events. It owns a per-repository baseline of already-seen image identities;
// the baseline maps are touched only by the goroutine driving Next, never
// from anywhere else.
//
// The identity of an image is its digest when the provider exposes one, and
// its (tag, pushed-at string) pair otherwise. An identity already present in
// the baseline is never reported again for the lifetime of the Poller.
type Poller struct {
	client     Client
	jobs       []job.Job
	repos      []string
	interval   time.Duration
	healthFile string

	// baselines maps repository name -> identity key -> last-seen value.
	baselines map[string]map[string]string
	primed    bool

	// The following behaviors are overridable for testing purposes:

	listImagesFn func(ctx context.Context, repo string) ([]Image, error)
}

// NewPoller returns a Poller for the provided client. The jobs list decides
// which repositories are worth fetching at all and which tags are eligible
// for emission.
func NewPoller(client Client, cfg *config.Config) *Poller {
	p := &Poller{
		client:     client,
		jobs:       cfg.Jobs,
		repos:      client.Repositories(),
		interval:   time.Duration(client.PollInterval()) * time.Second,
		healthFile: cfg.HealthFile,
		baselines:  map[string]map[string]string{},
	}
	p.listImagesFn = client.ListImages
	return p
}

// Next blocks until a new image eligible for deployment is observed, then
// returns it. The first call primes the baseline from the registries' current
// state, so images that existed before the Poller started never produce
// events. Exactly one event is returned per call and its identity is absorbed
// into the baseline before returning, so no identity is ever reported twice.
// Next returns a non-nil error only when ctx is cancelled.
func (p *Poller) Next(ctx context.Context) (Event, error) {
	logger := logging.LoggerFromContext(ctx)
	if !p.primed {
		p.prime(ctx)
		p.primed = true
		logger.Info("baseline established; watching for new images")
	}
	for {
		if event, ok := p.sweep(ctx); ok {
			return event, nil
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		p.writeHealthMarker(ctx)
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-time.After(p.interval):
		}
	}
}

// prime records the current identity of every image in every configured
// repository without emitting anything. A repository that cannot be fetched
// is left with an empty baseline; its images will surface on the first
// successful sweep.
func (p *Poller) prime(ctx context.Context) {
	logger := logging.LoggerFromContext(ctx)
	for _, repo := range p.repos {
		repo = strings.TrimSpace(repo)
		if repo == "" {
			continue
		}
		logger.Debug("fetching baseline images", "repo", repo)
		baseline := p.baseline(repo)
		images, err := p.listImagesFn(ctx, repo)
		if err != nil {
			logger.Error(err, "error fetching baseline images", "repo", repo)
			continue
		}
		for _, image := range images {
			if image.Digest != "" {
				baseline[image.Digest] = image.PushedAt
				continue
			}
			for _, tag := range image.Tags {
				baseline[tag] = image.PushedAt
			}
		}
	}
}

// sweep scans every configured repository once, in configured order, and
// returns the first new image found. Repositories within a sweep are
// independent: a fetch failure is logged and the next repository is scanned.
func (p *Poller) sweep(ctx context.Context) (Event, bool) {
	logger := logging.LoggerFromContext(ctx)
	for _, repo := range p.repos {
		repo = strings.TrimSpace(repo)
		if repo == "" {
			continue
		}
		if !job.HasRegistry(p.jobs, repo) {
			continue
		}
		patterns := job.PatternsForRegistry(p.jobs, repo)
		if len(patterns) == 0 {
			continue
		}
		logger.Debug("checking repository", "repo", repo)
		images, err := p.listImagesFn(ctx, repo)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				logger.Error(err, "authentication failed; skipping repository this tick", "repo", repo)
			} else {
				logger.Error(err, "error fetching images; will retry next tick", "repo", repo)
			}
			continue
		}
		if event, ok := p.scan(repo, images, patterns); ok {
			logger.Info(
				"new image detected",
				"repo", event.Repo,
				"tag", event.Tag,
				"pushedAt", event.PushedAt,
			)
			return event, true
		}
	}
	return Event{}, false
}

// scan compares the fetched images of one repository against its baseline.
// Hidden tags and tags matching no configured pattern are invisible: they are
// neither reported nor recorded.
func (p *Poller) scan(
	repo string,
	images []Image,
	patterns []string,
) (Event, bool) {
	baseline := p.baseline(repo)
	for _, image := range images {
		if image.Digest != "" {
			if _, seen := baseline[image.Digest]; seen {
				continue
			}
			tag, ok := firstEligibleTag(image.Tags, patterns)
			if !ok {
				continue
			}
			// One event per digest no matter how many tags alias it.
			baseline[image.Digest] = image.PushedAt
			return Event{Repo: repo, Tag: tag, PushedAt: image.PushedAt}, true
		}
		for _, tag := range image.Tags {
			if job.IsHiddenTag(tag) || !job.MatchesTag(tag, patterns) {
				continue
			}
			if prev, seen := baseline[tag]; seen && prev == image.PushedAt {
				continue
			}
			baseline[tag] = image.PushedAt
			return Event{Repo: repo, Tag: tag, PushedAt: image.PushedAt}, true
		}
	}
	return Event{}, false
}

func (p *Poller) baseline(repo string) map[string]string {
	baseline, ok := p.baselines[repo]
	if !ok {
		baseline = map[string]string{}
		p.baselines[repo] = baseline
	}
	return baseline
}

// firstEligibleTag returns the first tag that matches a configured pattern
// and is not hidden.
func firstEligibleTag(tags []string, patterns []string) (string, bool) {
	for _, tag := range tags {
		if job.IsHiddenTag(tag) {
			continue
		}
		if job.MatchesTag(tag, patterns) {
			return tag, true
		}
	}
	return "", false
}
