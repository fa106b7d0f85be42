package deploy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tagwatch/tagwatch/internal/config"
	libExec "github.com/tagwatch/tagwatch/internal/exec"
	"github.com/tagwatch/tagwatch/internal/job"
	"github.com/tagwatch/tagwatch/internal/logging"
)

// Deployer performs a complete deployment for an approved image: pre-deploy
// tasks, chart materialization, helm upgrade, post-deploy tasks. It is
// invoked synchronously by the approval workflow, exactly once per approval.
type Deployer struct {
	cfg *config.Config

	// The following behaviors are overridable for testing purposes:

	runTasksFn func(
		ctx context.Context,
		names []string,
		repo string,
		tag string,
	) (bool, TaskResults)

	deployChartFn func(
		ctx context.Context,
		j *job.Job,
		tag string,
	) (string, error)
}

// NewDeployer returns a Deployer bound to the provided configuration.
func NewDeployer(cfg *config.Config) *Deployer {
	d := &Deployer{cfg: cfg}
	d.runTasksFn = RunTasks
	d.deployChartFn = d.deployChart
	return d
}

// Deploy implements the deployment boundary consumed by the approval
// workflow. It returns a success flag and a human-readable message fit for
// surfacing verbatim to the approving user.
//
// Policy: any pre-deploy task failure aborts before the deployment target is
// touched; a deployment failure aborts before post-deploy tasks run.
func (d *Deployer) Deploy(ctx context.Context, repo, tag string) (bool, string) {
	logger := logging.LoggerFromContext(ctx)
	logger.Info("deployment initiated", "repo", repo, "tag", tag)

	j, ok := job.Resolve(d.cfg.Jobs, repo, tag)
	if !ok {
		return false, fmt.Sprintf(
			"No job configuration found for %s and tag %s.", repo, tag,
		)
	}

	var notes []string
	if len(j.PreDeploy) > 0 {
		ok, results := d.runTasksFn(ctx, j.PreDeploy, repo, tag)
		if !ok {
			return false, fmt.Sprintf(
				"Pre-Deployment Failed: %s", results.Summary(),
			)
		}
		notes = append(notes, "pre-deploy tasks "+results.Summary())
	}

	if _, err := d.deployChartFn(ctx, j, tag); err != nil {
		logger.Error(err, "deployment failed", "repo", repo, "tag", tag)
		return false, fmt.Sprintf("Deployment Failed: %s", err)
	}

	if len(j.PostDeploy) > 0 {
		ok, results := d.runTasksFn(ctx, j.PostDeploy, repo, tag)
		if !ok {
			return false, fmt.Sprintf(
				"Post-Deployment Failed: %s", results.Summary(),
			)
		}
		notes = append(notes, "post-deploy tasks "+results.Summary())
	}

	message := "Deployed Successfully!"
	if len(notes) > 0 {
		message = fmt.Sprintf("%s (%s)", message, strings.Join(notes, "; "))
	}
	logger.Info("deployment successful", "repo", repo, "tag", tag)
	return true, message
}

// deployChart materializes the chart and runs helm upgrade --install for
// every configured values variant, stopping at the first failure.
func (d *Deployer) deployChart(
	ctx context.Context,
	j *job.Job,
	tag string,
) (string, error) {
	if j.HelmChart == "" {
		return "", fmt.Errorf(
			"helm chart is not configured for job %q", j.ReleaseName(),
		)
	}
	if j.HelmValuesRepo == "" || j.HelmBranch == "" || j.HelmValuesProject == "" {
		return "", fmt.Errorf(
			"helm values source is incomplete for job %q", j.ReleaseName(),
		)
	}
	if j.HelmDefaultValuesFile == "" {
		return "", fmt.Errorf(
			"default helm values file is not configured for job %q", j.ReleaseName(),
		)
	}
	valuesRepo, ok := d.cfg.ValuesRepo(j.HelmValuesRepo)
	if !ok {
		return "", fmt.Errorf(
			"values repository %q not found in configuration", j.HelmValuesRepo,
		)
	}

	chartName := j.HelmChart
	if j.HelmRepo != "" {
		chartName = j.HelmRepo + "/" + j.HelmChart
	}
	helmName := j.HelmName
	if helmName == "" {
		helmName = j.ReleaseName()
	}

	stagingDir := filepath.Join(os.TempDir(), "tagwatch-"+uuid.NewString())
	packagedChart, err := packageChartWithAppVersion(ctx, chartName, tag, stagingDir)
	if err != nil {
		if d.cfg.ClearOnFail {
			purge(ctx, stagingDir, packagedChart)
		}
		return "", err
	}

	fail := func(err error) (string, error) {
		if d.cfg.ClearOnFail {
			purge(ctx, stagingDir, packagedChart)
		}
		return "", err
	}

	if err = fetchValuesFile(
		ctx, valuesRepo, j.HelmValuesProject, helmName, j.HelmBranch,
		j.HelmDefaultValuesFile, stagingDir,
	); err != nil {
		return fail(err)
	}

	// Each values file beyond the default is its own deploy variant; with
	// none configured there is a single default-only variant.
	variants := j.HelmValuesFiles
	if len(variants) == 0 {
		variants = []string{""}
	}

	var output string
	for _, variant := range variants {
		valuesFiles := []string{filepath.Join(stagingDir, j.HelmDefaultValuesFile)}
		releaseName := j.ReleaseName()
		if variant != "" {
			if err = fetchValuesFile(
				ctx, valuesRepo, j.HelmValuesProject, helmName, j.HelmBranch,
				variant, stagingDir,
			); err != nil {
				return fail(err)
			}
			variantPath := filepath.Join(stagingDir, variant)
			valuesFiles = append(valuesFiles, variantPath)
			if override := fullnameOverride(variantPath); override != "" {
				releaseName = override
			}
		}

		args := upgradeArgs(releaseName, packagedChart, j, tag, valuesFiles)
		if output, err = d.runHelm(ctx, args); err != nil {
			return fail(fmt.Errorf("helm upgrade of %q failed: %w", releaseName, err))
		}
	}

	purge(ctx, stagingDir, packagedChart)
	return output, nil
}

func (d *Deployer) runHelm(ctx context.Context, args []string) (string, error) {
	logger := logging.LoggerFromContext(ctx)
	logger.Debug("running helm", "args", strings.Join(args, " "))
	if d.cfg.DryRun {
		return "Dry run - command not executed", nil
	}
	output, err := libExec.Exec(exec.CommandContext(ctx, "helm", args...))
	return string(output), err
}
