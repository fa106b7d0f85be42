package job

import (
	"regexp"
	"sort"
	"strings"
)

// untaggedSentinel is the marker some registries report for images that carry
// no tag at all. Such "tags" are never shown to users and never deployable.
const untaggedSentinel = "<untagged>"

// Job binds one registry repository and tag pattern to a deployable Helm
// release. Jobs are loaded from configuration and are immutable afterwards.
//
// Tag patterns in a job list are NOT required to be disjoint. Resolution is
// strictly first-match-wins over the configured order, so the order of the
// jobs list is significant.
type Job struct {
	// Registry is the repository name this job watches, e.g. "team/web".
	Registry string `yaml:"registry"`
	// TagPattern is a glob-lite pattern where * matches any run of characters
	// and every other character is literal. Matching is anchored at both ends.
	TagPattern string `yaml:"tag"`
	// Name is the release name. When empty, the last path segment of Registry
	// is used.
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace"`

	HelmRepo              string   `yaml:"helm_repo"`
	HelmChart             string   `yaml:"helm_chart"`
	HelmName              string   `yaml:"helm_name"`
	HelmValuesRepo        string   `yaml:"helm_values_repo"`
	HelmBranch            string   `yaml:"helm_branch"`
	HelmValuesProject     string   `yaml:"helm_values_project"`
	HelmDefaultValuesFile string   `yaml:"helm_default_values_file"`
	HelmValuesFiles       []string `yaml:"helm_values_files"`
	// Timeout is the helm operation timeout in seconds. Zero means the helm
	// default.
	Timeout int `yaml:"timeout"`

	PreDeploy  []string `yaml:"pre_deploy"`
	PostDeploy []string `yaml:"post_deploy"`
}

// ReleaseName returns the effective release name for the job.
func (j *Job) ReleaseName() string {
	if j.Name != "" {
		return j.Name
	}
	parts := strings.Split(j.Registry, "/")
	return parts[len(parts)-1]
}

// compilePattern translates a glob-lite pattern into an anchored regular
// expression. Everything except * is literal.
func compilePattern(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

// MatchesTag returns true if the tag fully matches at least one of the
// provided glob-lite patterns. Partial matches are rejected.
func MatchesTag(tag string, patterns []string) bool {
	for _, pattern := range patterns {
		if compilePattern(pattern).MatchString(tag) {
			return true
		}
	}
	return false
}

// IsHiddenTag returns true for tags that must never be surfaced to users:
// anything containing "latest" (case-insensitively) and the untagged
// sentinel.
func IsHiddenTag(tag string) bool {
	return tag == untaggedSentinel ||
		strings.Contains(strings.ToLower(tag), "latest")
}

// FilterTags returns the provided tags with hidden ones removed, preserving
// order.
func FilterTags(tags []string) []string {
	filtered := make([]string, 0, len(tags))
	for _, tag := range tags {
		if !IsHiddenTag(tag) {
			filtered = append(filtered, tag)
		}
	}
	return filtered
}

// Resolve returns the first job in configured order whose registry equals the
// provided registry name and whose tag pattern matches the provided tag. The
// second return value is false when no job matches.
func Resolve(jobs []Job, registry, tag string) (*Job, bool) {
	for i := range jobs {
		if jobs[i].Registry != registry {
			continue
		}
		if jobs[i].TagPattern == "" {
			continue
		}
		if MatchesTag(tag, []string{jobs[i].TagPattern}) {
			return &jobs[i], true
		}
	}
	return nil, false
}

// PatternsForRegistry collects every tag pattern registered for the provided
// registry name, in configured order.
func PatternsForRegistry(jobs []Job, registry string) []string {
	var patterns []string
	for i := range jobs {
		if jobs[i].Registry == registry && jobs[i].TagPattern != "" {
			patterns = append(patterns, jobs[i].TagPattern)
		}
	}
	return patterns
}

// HasRegistry returns true if any job references the provided registry name.
func HasRegistry(jobs []Job, registry string) bool {
	for i := range jobs {
		if jobs[i].Registry == registry {
			return true
		}
	}
	return false
}

// Namespaces returns the sorted set of unique namespaces referenced by the
// provided jobs.
func Namespaces(jobs []Job) []string {
	seen := map[string]struct{}{}
	for i := range jobs {
		if jobs[i].Namespace != "" {
			seen[jobs[i].Namespace] = struct{}{}
		}
	}
	namespaces := make([]string, 0, len(seen))
	for namespace := range seen {
		namespaces = append(namespaces, namespace)
	}
	sort.Strings(namespaces)
	return namespaces
}
