package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/tagwatch/tagwatch/internal/logging"
)

// TaskFn is a named pre- or post-deploy task. Tasks receive the repository
// and tag being deployed and fail by returning an error.
type TaskFn func(ctx context.Context, repo, tag string) error

// taskRegistry is the closed set of tasks that job configurations may
// reference by name.
var taskRegistry = map[string]TaskFn{
	"test_task": func(ctx context.Context, repo, tag string) error {
		logging.LoggerFromContext(ctx).Info(
			"executing test task", "repo", repo, "tag", tag,
		)
		return nil
	},
}

// TaskResults aggregates the per-task outcomes of one task list run.
type TaskResults struct {
	Succeeded []string
	Failed    []string
}

// Summary renders the results as a short human-readable line.
func (r TaskResults) Summary() string {
	return fmt.Sprintf(
		"succeeded: [%s], failed: [%s]",
		strings.Join(r.Succeeded, ", "),
		strings.Join(r.Failed, ", "),
	)
}

// RunTasks executes the named tasks in order. A task that is not registered
// counts as a failure but does not stop the remaining tasks from running.
// The boolean result is true only when every task succeeded; an empty task
// list is a failure, since a job explicitly asked for tasks it didn't get.
func RunTasks(
	ctx context.Context,
	names []string,
	repo string,
	tag string,
) (bool, TaskResults) {
	logger := logging.LoggerFromContext(ctx)
	if len(names) == 0 {
		logger.Info("no tasks provided to execute")
		return false, TaskResults{}
	}
	ok := true
	results := TaskResults{}
	for _, name := range names {
		task, registered := taskRegistry[name]
		if !registered {
			logger.Error(nil, "task is not registered", "task", name)
			results.Failed = append(results.Failed, name)
			ok = false
			continue
		}
		if err := task(ctx, repo, tag); err != nil {
			logger.Error(err, "task failed", "task", name)
			results.Failed = append(results.Failed, name)
			ok = false
			continue
		}
		logger.Debug("task completed", "task", name)
		results.Succeeded = append(results.Succeeded, name)
	}
	return ok, results
}
