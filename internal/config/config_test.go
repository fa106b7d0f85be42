package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	testCases := []struct {
		name       string
		content    string
		setup      func(t *testing.T)
		assertions func(t *testing.T, cfg *Config, err error)
	}{
		{
			name:    "malformed yaml",
			content: "jobs: [",
			assertions: func(t *testing.T, _ *Config, err error) {
				require.Error(t, err)
				require.Contains(t, err.Error(), "error parsing configuration file")
			},
		},
		{
			name: "job missing registry",
			content: `
jobs:
  - tag: "web-*"
`,
			assertions: func(t *testing.T, _ *Config, err error) {
				require.Error(t, err)
				require.Contains(t, err.Error(), "missing a registry")
			},
		},
		{
			name: "job missing tag pattern",
			content: `
jobs:
  - registry: team/app
`,
			assertions: func(t *testing.T, _ *Config, err error) {
				require.Error(t, err)
				require.Contains(t, err.Error(), "missing a tag pattern")
			},
		},
		{
			name:    "defaults applied",
			content: "{}",
			assertions: func(t *testing.T, cfg *Config, err error) {
				require.NoError(t, err)
				require.Equal(t, "slack", cfg.Messenger)
				require.Equal(t, "ecr", cfg.Monitor)
				require.Equal(t, 60, cfg.DeployTimeout)
				require.Equal(t, "default", cfg.Environment)
				require.Equal(t, "/tmp/healthz", cfg.HealthFile)
			},
		},
		{
			name: "aliases resolved",
			content: `
messenger: TG
monitor: Docker
`,
			assertions: func(t *testing.T, cfg *Config, err error) {
				require.NoError(t, err)
				require.Equal(t, "telegram", cfg.Messenger)
				require.Equal(t, "dockerhub", cfg.Monitor)
			},
		},
		{
			name:    "environment fallbacks fill empty fields",
			content: "{}",
			setup: func(t *testing.T) {
				t.Setenv("MESSENGER", "telegram")
				t.Setenv("DEPLOY_TIMEOUT", "15")
			},
			assertions: func(t *testing.T, cfg *Config, err error) {
				require.NoError(t, err)
				require.Equal(t, "telegram", cfg.Messenger)
				require.Equal(t, 15, cfg.DeployTimeout)
			},
		},
		{
			name: "yaml wins over environment",
			content: `
messenger: slack
`,
			setup: func(t *testing.T) {
				t.Setenv("MESSENGER", "telegram")
			},
			assertions: func(t *testing.T, cfg *Config, err error) {
				require.NoError(t, err)
				require.Equal(t, "slack", cfg.Messenger)
			},
		},
		{
			name: "complete config",
			content: `
environment: staging
deploy_timeout: 30
ecr:
  region: eu-west-1
  repositories:
    - team/app
  poll_interval_seconds: 10
jobs:
  - registry: team/app
    tag: "web-*"
    name: web
    namespace: apps
repository:
  - name: values
    url: https://example.com/raw
    username: bot
    token: secret
`,
			assertions: func(t *testing.T, cfg *Config, err error) {
				require.NoError(t, err)
				require.Equal(t, "staging", cfg.Environment)
				require.Equal(t, 30, cfg.DeployTimeout)
				require.Equal(t, []string{"team/app"}, cfg.ECR.Repositories)
				require.Len(t, cfg.Jobs, 1)
				require.Equal(t, "web-*", cfg.Jobs[0].TagPattern)
				repo, ok := cfg.ValuesRepo("values")
				require.True(t, ok)
				require.Equal(t, "https://example.com/raw", repo.URL)
				_, ok = cfg.ValuesRepo("unknown")
				require.False(t, ok)
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if testCase.setup != nil {
				testCase.setup(t)
			}
			cfg, err := Load(writeConfig(t, testCase.content))
			testCase.assertions(t, cfg, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "error reading configuration file")
}
