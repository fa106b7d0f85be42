package exec

import (
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExec(t *testing.T) {
	testCases := []struct {
		name       string
		cmd        *exec.Cmd
		assertions func(t *testing.T, res []byte, err error)
	}{
		{
			name: "error",
			// This command should fail, but ALSO produce some output
			cmd: exec.Command("sh", "-c", "echo oops >&2; exit 3"),
			assertions: func(t *testing.T, res []byte, err error) {
				require.Error(t, err)
				exitErr, ok := err.(*ExitError)
				require.True(t, ok)
				require.True(t, strings.HasSuffix(exitErr.Command, "exit 3"))
				require.Equal(t, "oops\n", string(exitErr.Output))
				require.Equal(t, 3, exitErr.ExitCode)
				require.Contains(t, err.Error(), "oops")
			},
		},
		{
			name: "success",
			cmd:  exec.Command("echo", "foobar"),
			assertions: func(t *testing.T, res []byte, err error) {
				require.NoError(t, err)
				require.Equal(t, "foobar\n", string(res))
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			res, err := Exec(testCase.cmd)
			testCase.assertions(t, res, err)
		})
	}
}
