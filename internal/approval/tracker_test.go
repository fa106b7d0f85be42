package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tagwatch/tagwatch/internal/config"
	"github.com/tagwatch/tagwatch/internal/registry"
)

type fakeNotifier struct {
	mu        sync.Mutex
	notifyErr error
	notified  []string
	updates   []string
}

func (f *fakeNotifier) Notify(
	_ context.Context,
	repo, tag, _ string,
) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notifyErr != nil {
		return "", f.notifyErr
	}
	f.notified = append(f.notified, Key(repo, tag))
	return Handle("msg-" + tag), nil
}

func (f *fakeNotifier) Update(_ context.Context, _ Handle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, text)
	return nil
}

func (f *fakeNotifier) updateTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updates...)
}

type fakeDeployer struct {
	mu      sync.Mutex
	ok      bool
	message string
	calls   int
}

func (f *fakeDeployer) Deploy(_ context.Context, _, _ string) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.ok, f.message
}

func newTestTracker(
	notifier *fakeNotifier,
	deployer *fakeDeployer,
	timeout time.Duration,
) *Tracker {
	t := NewTracker(notifier, deployer, &config.Config{DeployTimeout: 1})
	t.timeout = timeout
	return t
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNow(t, "condition never became true")
}

func TestNotifyFailure(t *testing.T) {
	notifier := &fakeNotifier{notifyErr: errors.New("transport down")}
	tracker := newTestTracker(notifier, &fakeDeployer{}, time.Hour)
	err := tracker.Notify(
		context.Background(),
		registry.Event{Repo: "team/app", Tag: "web-1.0.0"},
	)
	require.Error(t, err)
	require.Zero(t, tracker.PendingCount())
}

func TestNotifyThenExpire(t *testing.T) {
	notifier := &fakeNotifier{}
	tracker := newTestTracker(notifier, &fakeDeployer{}, 20*time.Millisecond)
	require.NoError(t, tracker.Notify(
		context.Background(),
		registry.Event{Repo: "team/app", Tag: "web-1.0.0", PushedAt: "t1"},
	))
	require.Equal(t, 1, tracker.PendingCount())

	waitFor(t, func() bool { return tracker.PendingCount() == 0 })
	waitFor(t, func() bool { return len(notifier.updateTexts()) == 1 })
	require.Contains(t, notifier.updateTexts()[0], "No action taken for team/app:web-1.0.0")
	require.Contains(t, notifier.updateTexts()[0], "skipped after 20ms")
}

func TestNotifySupersedesStaleNotification(t *testing.T) {
	notifier := &fakeNotifier{}
	tracker := newTestTracker(notifier, &fakeDeployer{}, 50*time.Millisecond)
	ctx := context.Background()
	event := registry.Event{Repo: "team/app", Tag: "web-1.0.0", PushedAt: "t1"}

	require.NoError(t, tracker.Notify(ctx, event))
	require.NoError(t, tracker.Notify(ctx, event))
	// Renotifying the same key leaves exactly one live record and one live
	// timer.
	require.Equal(t, 1, tracker.PendingCount())

	// Only the surviving timer ever fires: exactly one expiry update, even
	// after waiting well past both timers' deadlines.
	waitFor(t, func() bool { return tracker.PendingCount() == 0 })
	time.Sleep(100 * time.Millisecond)
	require.Len(t, notifier.updateTexts(), 1)
}

func TestStaleTimerCannotExpireSuccessor(t *testing.T) {
	// A timer that fires just before its record is superseded loses the Stop
	// race: the successor is already installed under the same key by the
	// time the callback runs. The callback must recognize it is holding the
	// retired record and leave the successor untouched for its own timeout.
	notifier := &fakeNotifier{}
	tracker := newTestTracker(notifier, &fakeDeployer{}, time.Hour)
	ctx := context.Background()
	event := registry.Event{Repo: "team/app", Tag: "web-1.0.0", PushedAt: "t1"}
	key := Key("team/app", "web-1.0.0")

	require.NoError(t, tracker.Notify(ctx, event))
	tracker.mu.Lock()
	stale := tracker.pending[key]
	tracker.mu.Unlock()

	require.NoError(t, tracker.Notify(ctx, event))

	// The retired record's callback runs after the supersede.
	tracker.expire(ctx, key, stale)
	require.Equal(t, 1, tracker.PendingCount())
	require.Empty(t, notifier.updateTexts())

	// The surviving record is still expirable by its own callback.
	tracker.mu.Lock()
	fresh := tracker.pending[key]
	tracker.mu.Unlock()
	tracker.expire(ctx, key, fresh)
	require.Zero(t, tracker.PendingCount())
	require.Len(t, notifier.updateTexts(), 1)
}

func TestFormatTimeout(t *testing.T) {
	require.Equal(t, "60 minutes", formatTimeout(time.Hour))
	require.Equal(t, "1 minute", formatTimeout(time.Minute))
	require.Equal(t, "90s", formatTimeout(90*time.Second))
	require.Equal(t, "20ms", formatTimeout(20*time.Millisecond))
}

func TestDecideSkip(t *testing.T) {
	notifier := &fakeNotifier{}
	deployer := &fakeDeployer{}
	tracker := newTestTracker(notifier, deployer, time.Hour)
	ctx := context.Background()
	require.NoError(t, tracker.Notify(
		ctx,
		registry.Event{Repo: "team/app", Tag: "web-1.0.0", PushedAt: "t1"},
	))

	resolution, ok := tracker.Decide(
		ctx, Key("team/app", "web-1.0.0"), DecisionSkip, "@dev",
	)
	require.True(t, ok)
	require.Equal(t, OutcomeSkipped, resolution.Outcome)
	require.Contains(t, resolution.Message, "skipped by @dev")
	require.Zero(t, tracker.PendingCount())
	require.Zero(t, deployer.calls)
	require.Len(t, notifier.updateTexts(), 1)
}

func TestDecideDeploy(t *testing.T) {
	testCases := []struct {
		name       string
		deployer   *fakeDeployer
		assertions func(t *testing.T, notifier *fakeNotifier, r Resolution)
	}{
		{
			name:     "deployment succeeds",
			deployer: &fakeDeployer{ok: true, message: "Deployed Successfully!"},
			assertions: func(t *testing.T, notifier *fakeNotifier, r Resolution) {
				require.Equal(t, OutcomeDeployed, r.Outcome)
				require.True(t, r.Ok)
				require.Contains(t, r.Message, "Success!")
				require.Contains(t, r.Message, "Deployed Successfully!")
			},
		},
		{
			// A failed deployment still resolves the approval terminally; the
			// workflow attempts once and never retries.
			name:     "deployment fails",
			deployer: &fakeDeployer{ok: false, message: "helm upgrade failed"},
			assertions: func(t *testing.T, notifier *fakeNotifier, r Resolution) {
				require.Equal(t, OutcomeDeployed, r.Outcome)
				require.False(t, r.Ok)
				require.Contains(t, r.Message, "Failed!")
				require.Contains(t, r.Message, "helm upgrade failed")
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			notifier := &fakeNotifier{}
			tracker := newTestTracker(notifier, testCase.deployer, time.Hour)
			ctx := context.Background()
			require.NoError(t, tracker.Notify(
				ctx,
				registry.Event{Repo: "team/app", Tag: "web-1.0.0", PushedAt: "t1"},
			))

			resolution, ok := tracker.Decide(
				ctx, Key("team/app", "web-1.0.0"), DecisionDeploy, "@dev",
			)
			require.True(t, ok)
			require.Equal(t, 1, testCase.deployer.calls)
			require.Zero(t, tracker.PendingCount())
			// Two updates: "initiated" first, then the result.
			updates := notifier.updateTexts()
			require.Len(t, updates, 2)
			require.Contains(t, updates[0], "Deployment Initiated")
			testCase.assertions(t, notifier, resolution)
		})
	}
}

func TestDecideUnknownKey(t *testing.T) {
	tracker := newTestTracker(&fakeNotifier{}, &fakeDeployer{}, time.Hour)
	_, ok := tracker.Decide(
		context.Background(), Key("team/app", "web-1.0.0"), DecisionSkip, "@dev",
	)
	require.False(t, ok)
}

func TestDecideRacesTimerExpiry(t *testing.T) {
	// A manual skip and the expiry callback race for the same key; exactly
	// one of them may resolve it.
	notifier := &fakeNotifier{}
	tracker := newTestTracker(notifier, &fakeDeployer{}, time.Hour)
	ctx := context.Background()
	key := Key("team/app", "web-1.0.0")
	require.NoError(t, tracker.Notify(
		ctx,
		registry.Event{Repo: "team/app", Tag: "web-1.0.0", PushedAt: "t1"},
	))

	tracker.mu.Lock()
	armed := tracker.pending[key]
	tracker.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tracker.expire(ctx, key, armed)
	}()
	go func() {
		defer wg.Done()
		tracker.Decide(ctx, key, DecisionSkip, "@dev")
	}()
	wg.Wait()

	require.Zero(t, tracker.PendingCount())
	// Exactly one terminal outcome was recorded: never both, never neither.
	require.Len(t, notifier.updateTexts(), 1)
}

func TestKey(t *testing.T) {
	require.Equal(t, "team/app:web-1.0.0", Key("team/app", "web-1.0.0"))
}
