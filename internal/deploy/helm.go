package deploy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"gopkg.in/yaml.v3"

	"github.com/tagwatch/tagwatch/internal/config"
	libExec "github.com/tagwatch/tagwatch/internal/exec"
	"github.com/tagwatch/tagwatch/internal/job"
	"github.com/tagwatch/tagwatch/internal/logging"
)

const httpTimeout = 15 * time.Second

// EnsureRepos registers every configured chart repository with helm. Invalid
// entries are logged and skipped; a helm failure for one repository does not
// block the others.
func EnsureRepos(ctx context.Context, repos []config.HelmRepoConfig) {
	logger := logging.LoggerFromContext(ctx)
	for _, repo := range repos {
		if repo.Name == "" || repo.Path == "" || repo.Type == "" {
			logger.Info("skipping invalid chart repository entry", "repo", repo)
			continue
		}
		var path string
		switch repo.Type {
		case "s3":
			path = "s3://" + repo.Path
		case "https":
			path = repo.Path
		default:
			logger.Error(nil, "unsupported chart repository type", "type", repo.Type)
			continue
		}
		if _, err := libExec.Exec(
			exec.CommandContext(ctx, "helm", "repo", "add", repo.Name, path),
		); err != nil {
			logger.Error(err, "error adding chart repository", "repo", repo.Name)
			continue
		}
		logger.Info("added chart repository", "repo", repo.Name)
	}
}

// packageChartWithAppVersion pulls the chart, repackages it with the provided
// app version, and returns the path of the packaged archive inside stagingDir.
func packageChartWithAppVersion(
	ctx context.Context,
	chart string,
	appVersion string,
	stagingDir string,
) (string, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("error creating staging directory: %w", err)
	}
	if _, err := libExec.Exec(exec.CommandContext(
		ctx, "helm", "pull", chart, "--untar", "--untardir", stagingDir,
	)); err != nil {
		return "", fmt.Errorf("error pulling chart %q: %w", chart, err)
	}

	chartName := filepath.Base(chart)
	chartPath := filepath.Join(stagingDir, chartName)
	chartVersion, err := readChartVersion(filepath.Join(chartPath, "Chart.yaml"))
	if err != nil {
		return "", err
	}

	if _, err = libExec.Exec(exec.CommandContext(
		ctx, "helm", "package", chartPath,
		"--app-version", appVersion,
		"--destination", stagingDir,
	)); err != nil {
		return "", fmt.Errorf("error packaging chart %q: %w", chart, err)
	}

	packaged := filepath.Join(
		stagingDir,
		fmt.Sprintf("%s-%s.tgz", chartName, chartVersion),
	)
	if _, err = os.Stat(packaged); err != nil {
		return "", fmt.Errorf("packaged chart not found at %q: %w", packaged, err)
	}
	// The unpacked copy is no longer needed once the archive exists.
	_ = os.RemoveAll(chartPath)
	return packaged, nil
}

func readChartVersion(chartYAMLPath string) (string, error) {
	data, err := os.ReadFile(chartYAMLPath)
	if err != nil {
		return "", fmt.Errorf("error reading %q: %w", chartYAMLPath, err)
	}
	meta := struct {
		Version string `yaml:"version"`
	}{}
	if err = yaml.Unmarshal(data, &meta); err != nil {
		return "", fmt.Errorf("error parsing %q: %w", chartYAMLPath, err)
	}
	if meta.Version == "" {
		return "", fmt.Errorf("no version found in %q", chartYAMLPath)
	}
	return meta.Version, nil
}

// fetchValuesFile downloads one values file from the job's values repository
// into stagingDir, creating intermediate directories as needed.
func fetchValuesFile(
	ctx context.Context,
	repo *config.ValuesRepoConfig,
	project string,
	name string,
	branch string,
	fileName string,
	stagingDir string,
) error {
	repoURL := repo.URL
	if repoURL == "" {
		repoURL = repo.Path
	}
	if repoURL == "" {
		return fmt.Errorf("values repository %q has neither a url nor a path", repo.Name)
	}
	if fileName == "" {
		return fmt.Errorf("values file name is empty")
	}
	if repo.Username == "" || repo.Token == "" {
		return fmt.Errorf("values repository %q credentials are incomplete", repo.Name)
	}

	fileURL := fmt.Sprintf(
		"%s/%s/%s/%s/%s",
		strings.TrimSuffix(repoURL, "/"), project, branch, name, fileName,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("error preparing request to %q: %w", fileURL, err)
	}
	req.SetBasicAuth(repo.Username, repo.Token)

	httpClient := cleanhttp.DefaultClient()
	httpClient.Timeout = httpTimeout
	res, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error fetching values file from %q: %w", fileURL, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf(
			"received unexpected HTTP %d fetching values file from %q",
			res.StatusCode, fileURL,
		)
	}

	filePath := filepath.Join(stagingDir, fileName)
	if err = os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("error creating directory for %q: %w", filePath, err)
	}
	out, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("error creating %q: %w", filePath, err)
	}
	defer out.Close()
	if _, err = io.Copy(out, res.Body); err != nil {
		return fmt.Errorf("error writing %q: %w", filePath, err)
	}
	return nil
}

// fullnameOverride reads the fullnameOverride value from a values file, if
// present. Variant values files can redirect the release name this way.
func fullnameOverride(valuesPath string) string {
	data, err := os.ReadFile(valuesPath)
	if err != nil {
		return ""
	}
	values := struct {
		FullnameOverride string `yaml:"fullnameOverride"`
	}{}
	if err = yaml.Unmarshal(data, &values); err != nil {
		return ""
	}
	return values.FullnameOverride
}

// purge removes every staged artifact of one deployment attempt.
func purge(ctx context.Context, stagingDir, packagedChart string) {
	logger := logging.LoggerFromContext(ctx)
	if packagedChart != "" {
		if err := os.Remove(packagedChart); err != nil && !os.IsNotExist(err) {
			logger.Error(err, "error removing packaged chart", "path", packagedChart)
		}
	}
	if stagingDir != "" {
		if err := os.RemoveAll(stagingDir); err != nil {
			logger.Error(err, "error removing staging directory", "path", stagingDir)
		}
	}
}

// upgradeArgs assembles the helm upgrade --install command line for one
// deploy variant.
func upgradeArgs(
	releaseName string,
	packagedChart string,
	j *job.Job,
	tag string,
	valuesFiles []string,
) []string {
	args := []string{
		"upgrade", "--install", releaseName, packagedChart,
		"--wait", "--create-namespace",
	}
	for _, file := range valuesFiles {
		args = append(args, "-f", file)
	}
	args = append(args,
		"--set", "version="+tag,
		"--set", "image.tag="+tag,
	)
	if j.Namespace != "" {
		args = append(args, "--namespace", j.Namespace)
	}
	if j.Timeout > 0 {
		args = append(args, "--timeout", strconv.Itoa(j.Timeout)+"s")
	}
	return args
}
