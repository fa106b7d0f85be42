package deploy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tagwatch/tagwatch/internal/config"
	"github.com/tagwatch/tagwatch/internal/job"
)

func TestReadChartVersion(t *testing.T) {
	testCases := []struct {
		name       string
		chartYAML  string
		assertions func(*testing.T, string, error)
	}{
		{
			name:      "version present",
			chartYAML: "apiVersion: v2\nname: fake-chart\nversion: 1.2.3\n",
			assertions: func(t *testing.T, version string, err error) {
				require.NoError(t, err)
				require.Equal(t, "1.2.3", version)
			},
		},
		{
			name:      "version missing",
			chartYAML: "apiVersion: v2\nname: fake-chart\n",
			assertions: func(t *testing.T, _ string, err error) {
				require.ErrorContains(t, err, "no version found")
			},
		},
		{
			name:      "invalid yaml",
			chartYAML: "bogus: [",
			assertions: func(t *testing.T, _ string, err error) {
				require.ErrorContains(t, err, "error parsing")
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			chartYAMLPath := filepath.Join(t.TempDir(), "Chart.yaml")
			require.NoError(
				t, os.WriteFile(chartYAMLPath, []byte(testCase.chartYAML), 0o600),
			)
			version, err := readChartVersion(chartYAMLPath)
			testCase.assertions(t, version, err)
		})
	}
}

func TestReadChartVersionFileMissing(t *testing.T) {
	_, err := readChartVersion(filepath.Join(t.TempDir(), "Chart.yaml"))
	require.ErrorContains(t, err, "error reading")
}

func TestFullnameOverride(t *testing.T) {
	testCases := []struct {
		name     string
		values   string
		expected string
	}{
		{
			name:     "override present",
			values:   "fullnameOverride: my-release\nreplicaCount: 2\n",
			expected: "my-release",
		},
		{
			name:     "override absent",
			values:   "replicaCount: 2\n",
			expected: "",
		},
		{
			name:     "invalid yaml",
			values:   "bogus: [",
			expected: "",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			valuesPath := filepath.Join(t.TempDir(), "values.yaml")
			require.NoError(
				t, os.WriteFile(valuesPath, []byte(testCase.values), 0o600),
			)
			require.Equal(t, testCase.expected, fullnameOverride(valuesPath))
		})
	}
}

func TestFullnameOverrideFileMissing(t *testing.T) {
	require.Empty(t, fullnameOverride(filepath.Join(t.TempDir(), "values.yaml")))
}

func TestFetchValuesFile(t *testing.T) {
	const valuesContent = "replicaCount: 3\n"
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			username, token, ok := r.BasicAuth()
			require.True(t, ok)
			require.Equal(t, "fake-user", username)
			require.Equal(t, "fake-token", token)
			switch r.URL.Path {
			case "/fake-project/main/fake-app/values.yaml":
				_, _ = w.Write([]byte(valuesContent))
			default:
				http.NotFound(w, r)
			}
		},
	))
	defer server.Close()

	repo := &config.ValuesRepoConfig{
		Name:     "fake-repo",
		URL:      server.URL,
		Username: "fake-user",
		Token:    "fake-token",
	}

	t.Run("success", func(t *testing.T) {
		stagingDir := t.TempDir()
		err := fetchValuesFile(
			context.Background(), repo,
			"fake-project", "fake-app", "main", "values.yaml", stagingDir,
		)
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(stagingDir, "values.yaml"))
		require.NoError(t, err)
		require.Equal(t, valuesContent, string(data))
	})

	t.Run("file not found", func(t *testing.T) {
		err := fetchValuesFile(
			context.Background(), repo,
			"fake-project", "fake-app", "main", "missing.yaml", t.TempDir(),
		)
		require.ErrorContains(t, err, "unexpected HTTP 404")
	})

	t.Run("missing credentials", func(t *testing.T) {
		err := fetchValuesFile(
			context.Background(), &config.ValuesRepoConfig{Name: "bad", URL: server.URL},
			"fake-project", "fake-app", "main", "values.yaml", t.TempDir(),
		)
		require.ErrorContains(t, err, "credentials are incomplete")
	})

	t.Run("no url configured", func(t *testing.T) {
		err := fetchValuesFile(
			context.Background(), &config.ValuesRepoConfig{Name: "bad"},
			"fake-project", "fake-app", "main", "values.yaml", t.TempDir(),
		)
		require.ErrorContains(t, err, "neither a url nor a path")
	})
}

func TestUpgradeArgs(t *testing.T) {
	j := &job.Job{
		Registry:  "fake-registry/fake-app",
		Namespace: "fake-namespace",
		Timeout:   300,
	}
	args := upgradeArgs(
		"fake-release",
		"/tmp/staging/fake-chart-1.2.3.tgz",
		j,
		"fake-app-1.0.0",
		[]string{"/tmp/staging/values.yaml", "/tmp/staging/values-eu.yaml"},
	)
	require.Equal(
		t,
		[]string{
			"upgrade", "--install", "fake-release",
			"/tmp/staging/fake-chart-1.2.3.tgz",
			"--wait", "--create-namespace",
			"-f", "/tmp/staging/values.yaml",
			"-f", "/tmp/staging/values-eu.yaml",
			"--set", "version=fake-app-1.0.0",
			"--set", "image.tag=fake-app-1.0.0",
			"--namespace", "fake-namespace",
			"--timeout", "300s",
		},
		args,
	)
}

func TestUpgradeArgsDefaults(t *testing.T) {
	args := upgradeArgs(
		"fake-release", "/tmp/chart.tgz", &job.Job{}, "1.0.0", nil,
	)
	require.NotContains(t, args, "--namespace")
	require.NotContains(t, args, "--timeout")
}
