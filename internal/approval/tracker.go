package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tagwatch/tagwatch/internal/config"
	"github.com/tagwatch/tagwatch/internal/logging"
	"github.com/tagwatch/tagwatch/internal/registry"
)

// Decision is a human's answer to a deploy notification.
type Decision string

const (
	DecisionDeploy Decision = "Deploy"
	DecisionSkip   Decision = "Skip"
)

// Outcome is the terminal state of a pending approval. Every pending approval
// reaches exactly one of these.
type Outcome string

const (
	OutcomeDeployed Outcome = "Deployed"
	OutcomeSkipped  Outcome = "Skipped"
	OutcomeExpired  Outcome = "Expired"
)

// Handle identifies a posted notification so its message can be updated
// later. Its contents are transport-specific and opaque to the tracker.
type Handle string

// Notifier is the tracker's view of the chat transport.
type Notifier interface {
	// Notify posts a deploy/skip prompt for the image and returns a handle
	// to the posted message.
	Notify(ctx context.Context, repo, tag, pushedAt string) (Handle, error)
	// Update rewrites a previously posted message, typically to render a
	// terminal outcome.
	Update(ctx context.Context, handle Handle, text string) error
}

// Deployer is the deployment boundary invoked when a human approves.
type Deployer interface {
	// Deploy performs the deployment once and reports whether it succeeded
	// along with a human-readable message. It is never retried by the
	// approval workflow.
	Deploy(ctx context.Context, repo, tag string) (bool, string)
}

// Resolution describes how a decision was applied.
type Resolution struct {
	Outcome Outcome
	// Ok is the deployment boundary's success flag for Deploy decisions and
	// true otherwise.
	Ok      bool
	Message string
}

// pendingApproval is one notification awaiting a decision. At most one
// non-terminal pendingApproval exists per key at any instant.
type pendingApproval struct {
	repo      string
	tag       string
	pushedAt  string
	createdAt time.Time
	handle    Handle
	timer     *time.Timer
}

// Tracker owns the table of pending approvals and the single live timer per
// key. Timer expiry and manual decisions on the same key are serialized by
// the table lock: whichever claims (removes) the entry first wins, the loser
// finds the key gone and does nothing.
type Tracker struct {
	notifier Notifier
	deployer Deployer
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewTracker returns a Tracker with the deploy timeout taken from
// configuration.
func NewTracker(
	notifier Notifier,
	deployer Deployer,
	cfg *config.Config,
) *Tracker {
	return &Tracker{
		notifier: notifier,
		deployer: deployer,
		timeout:  time.Duration(cfg.DeployTimeout) * time.Minute,
		pending:  map[string]*pendingApproval{},
	}
}

// Key returns the approval key for a repository and tag.
func Key(repo, tag string) string {
	return repo + ":" + tag
}

// Notify creates a pending approval for the event, posts the prompt through
// the notifier, and arms the expiry timer. Any existing pending approval for
// the same key is retired first: its timer is cancelled and its record
// discarded, so the newest notification always supersedes a stale one.
func (t *Tracker) Notify(ctx context.Context, event registry.Event) error {
	handle, err := t.notifier.Notify(ctx, event.Repo, event.Tag, event.PushedAt)
	if err != nil {
		return fmt.Errorf(
			"error posting notification for %s:%s: %w", event.Repo, event.Tag, err,
		)
	}

	key := Key(event.Repo, event.Tag)
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.pending[key]; ok {
		prev.timer.Stop()
		delete(t.pending, key)
	}
	p := &pendingApproval{
		repo:      event.Repo,
		tag:       event.Tag,
		pushedAt:  event.PushedAt,
		createdAt: time.Now(),
		handle:    handle,
	}
	p.timer = time.AfterFunc(t.timeout, func() {
		t.expire(ctx, key, p)
	})
	t.pending[key] = p
	return nil
}

// Decide applies a manual decision to the pending approval (if any) for the
// key. The actor string is woven into the reported text. A decision for an
// unknown or already-resolved key returns ok == false and does nothing else;
// the transport answers with a "session expired" style response.
func (t *Tracker) Decide(
	ctx context.Context,
	key string,
	decision Decision,
	actor string,
) (Resolution, bool) {
	p, claimed := t.claim(key, nil)
	if !claimed {
		return Resolution{}, false
	}

	logger := logging.LoggerFromContext(ctx)
	switch decision {
	case DecisionSkip:
		logger.Info("deployment skipped", "repo", p.repo, "tag", p.tag, "actor", actor)
		resolution := Resolution{
			Outcome: OutcomeSkipped,
			Ok:      true,
			Message: fmt.Sprintf(
				"Deployment for %s:%s was skipped by %s.", p.repo, p.tag, actor,
			),
		}
		t.update(ctx, p.handle, resolution.Message)
		return resolution, true
	case DecisionDeploy:
		logger.Info("deployment initiated", "repo", p.repo, "tag", p.tag, "actor", actor)
		t.update(ctx, p.handle, fmt.Sprintf(
			"Deployment Initiated:\nRepository: %s\nTag: %s\nInitiated by: %s",
			p.repo, p.tag, actor,
		))
		// The approval workflow attempts a deployment exactly once. The
		// outcome is terminal either way; nothing here retries.
		ok, message := t.deployer.Deploy(ctx, p.repo, p.tag)
		status := "Success"
		if !ok {
			status = "Failed"
		}
		resolution := Resolution{
			Outcome: OutcomeDeployed,
			Ok:      ok,
			Message: fmt.Sprintf(
				"%s! Deployment status for %s:%s\nDetails: %s\nDeployed by %s.",
				status, p.repo, p.tag, message, actor,
			),
		}
		t.update(ctx, p.handle, resolution.Message)
		return resolution, true
	}
	// Unknown decisions should be impossible; treat like an expired session
	// rather than crashing on transport bugs.
	logger.Error(nil, "unknown decision", "decision", decision, "key", key)
	return Resolution{}, false
}

// expire is the timer callback: if the approval it was armed for is still
// pending, resolve it as Expired and rewrite the message. If a manual
// decision claimed the key first, or a newer notification superseded the
// record, this is a no-op.
func (t *Tracker) expire(ctx context.Context, key string, armed *pendingApproval) {
	p, claimed := t.claim(key, armed)
	if !claimed {
		return
	}
	logging.LoggerFromContext(ctx).Info(
		"deployment notification expired", "repo", p.repo, "tag", p.tag,
	)
	t.update(ctx, p.handle, fmt.Sprintf(
		"No action taken for %s:%s; skipped after %s.",
		p.repo, p.tag, formatTimeout(t.timeout),
	))
}

// claim atomically removes and returns the pending approval for the key.
// Removal under the table lock is what serializes racing timer fires and
// manual decisions: only one caller can claim a given entry. A non-nil
// expected record restricts the claim to exactly that record, so a timer
// callback that lost its Stop race cannot expire a successor that was
// installed under the same key after it fired.
func (t *Tracker) claim(key string, expected *pendingApproval) (*pendingApproval, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[key]
	if !ok || (expected != nil && p != expected) {
		return nil, false
	}
	// Stopping an already-fired or already-stopped timer is a no-op.
	p.timer.Stop()
	delete(t.pending, key)
	return p, true
}

// formatTimeout renders the deploy timeout for user-facing text. Whole
// minutes read as "N minutes"; anything finer falls back to the duration's
// own notation.
func formatTimeout(timeout time.Duration) string {
	if timeout >= time.Minute && timeout%time.Minute == 0 {
		minutes := int(timeout.Minutes())
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	return timeout.String()
}

func (t *Tracker) update(ctx context.Context, handle Handle, text string) {
	if err := t.notifier.Update(ctx, handle, text); err != nil {
		logging.LoggerFromContext(ctx).Error(err, "error updating notification")
	}
}

// PendingCount reports how many approvals are currently awaiting a decision.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
