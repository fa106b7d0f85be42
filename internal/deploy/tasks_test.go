package deploy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunTasks(t *testing.T) {
	taskRegistry["failing_task"] = func(context.Context, string, string) error {
		return errors.New("something went wrong")
	}
	defer delete(taskRegistry, "failing_task")

	testCases := []struct {
		name       string
		tasks      []string
		assertions func(*testing.T, bool, TaskResults)
	}{
		{
			name:  "empty task list",
			tasks: nil,
			assertions: func(t *testing.T, ok bool, results TaskResults) {
				require.False(t, ok)
				require.Empty(t, results.Succeeded)
				require.Empty(t, results.Failed)
			},
		},
		{
			name:  "all tasks succeed",
			tasks: []string{"test_task"},
			assertions: func(t *testing.T, ok bool, results TaskResults) {
				require.True(t, ok)
				require.Equal(t, []string{"test_task"}, results.Succeeded)
				require.Empty(t, results.Failed)
			},
		},
		{
			name:  "unregistered task fails without stopping the rest",
			tasks: []string{"no_such_task", "test_task"},
			assertions: func(t *testing.T, ok bool, results TaskResults) {
				require.False(t, ok)
				require.Equal(t, []string{"test_task"}, results.Succeeded)
				require.Equal(t, []string{"no_such_task"}, results.Failed)
			},
		},
		{
			name:  "task error fails without stopping the rest",
			tasks: []string{"failing_task", "test_task"},
			assertions: func(t *testing.T, ok bool, results TaskResults) {
				require.False(t, ok)
				require.Equal(t, []string{"test_task"}, results.Succeeded)
				require.Equal(t, []string{"failing_task"}, results.Failed)
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ok, results := RunTasks(
				context.Background(), testCase.tasks, "fake-repo", "fake-tag",
			)
			testCase.assertions(t, ok, results)
		})
	}
}

func TestTaskResultsSummary(t *testing.T) {
	results := TaskResults{
		Succeeded: []string{"a", "b"},
		Failed:    []string{"c"},
	}
	require.Equal(t, "succeeded: [a, b], failed: [c]", results.Summary())
}
