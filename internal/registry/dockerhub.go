package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/ratelimit"

	"github.com/tagwatch/tagwatch/internal/config"
)

const (
	defaultDockerHubAPI = "https://hub.docker.com/v2"
	dockerHubPageSize   = 100
	// dockerHubRateLimit caps tags-API calls per second. Docker Hub throttles
	// aggressively on anonymous and free-tier accounts.
	dockerHubRateLimit = 10

	httpTimeout = 15 * time.Second
)

// pushedAtFormat is how Docker Hub push timestamps are rendered for users and
// for identity comparison. Identity is exact string equality of the rendered
// value, so two pushes within the same second are indistinguishable. That is
// a known limitation of tag-based identity, not something this client tries
// to paper over.
const pushedAtFormat = "2006-01-02 15:04:05 MST"

// dockerHubClient is a Client implementation for the Docker Hub v2 API or any
// API-compatible registry frontend.
type dockerHubClient struct {
	cfg        config.DockerHubConfig
	apiAddress string
	httpClient *http.Client
	limiter    ratelimit.Limiter
}

// tagsPage models one page of the /repositories/<repo>/tags endpoint.
type tagsPage struct {
	Next    string `json:"next"`
	Results []struct {
		Name        string `json:"name"`
		LastUpdated string `json:"last_updated"`
	} `json:"results"`
}

func newDockerHubClient(cfg *config.Config) (Client, error) {
	apiAddress := cfg.DockerHub.RegistryURL
	if apiAddress == "" {
		apiAddress = defaultDockerHubAPI
	}
	httpClient := cleanhttp.DefaultClient()
	httpClient.Timeout = httpTimeout
	return &dockerHubClient{
		cfg:        cfg.DockerHub,
		apiAddress: apiAddress,
		httpClient: httpClient,
		limiter:    ratelimit.New(dockerHubRateLimit),
	}, nil
}

// ListImages implements Client. Docker Hub yields no content digest through
// this endpoint, so each tag becomes its own observation identified by its
// (tag, pushed-at) pair.
func (d *dockerHubClient) ListImages(
	ctx context.Context,
	repo string,
) ([]Image, error) {
	var images []Image
	err := d.eachTagPage(ctx, repo, func(page tagsPage) {
		for _, result := range page.Results {
			if result.Name == "" {
				continue
			}
			images = append(images, Image{
				Tags:     []string{result.Name},
				PushedAt: formatPushedAt(result.LastUpdated),
			})
		}
	})
	if err != nil {
		return nil, err
	}
	return images, nil
}

// ListTags implements Client.
func (d *dockerHubClient) ListTags(
	ctx context.Context,
	repo string,
) ([]string, error) {
	var tags []string
	err := d.eachTagPage(ctx, repo, func(page tagsPage) {
		for _, result := range page.Results {
			if result.Name != "" {
				tags = append(tags, result.Name)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// Repositories implements Client.
func (d *dockerHubClient) Repositories() []string {
	return d.cfg.Repositories
}

// PollInterval implements Client.
func (d *dockerHubClient) PollInterval() int {
	return d.cfg.PollIntervalSeconds
}

// eachTagPage walks every page of the repository's tags endpoint in provider
// order, invoking visit once per page.
func (d *dockerHubClient) eachTagPage(
	ctx context.Context,
	repo string,
	visit func(tagsPage),
) error {
	for page := 1; ; page++ {
		d.limiter.Take()
		reqURL := fmt.Sprintf(
			"%s/repositories/%s/tags?page=%d&page_size=%d",
			d.apiAddress, escapeRepoPath(repo), page, dockerHubPageSize,
		)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("error preparing request to %q: %w", reqURL, err)
		}
		if d.cfg.Username != "" {
			req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
		}
		res, err := d.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("error querying tags of repository %q: %w", repo, err)
		}
		var parsed tagsPage
		func() {
			defer res.Body.Close()
			if res.StatusCode == http.StatusOK {
				err = json.NewDecoder(res.Body).Decode(&parsed)
			}
		}()
		switch {
		case res.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("repository %q: %w", repo, ErrUnauthorized)
		case res.StatusCode != http.StatusOK:
			return fmt.Errorf(
				"received unexpected HTTP %d listing tags of repository %q",
				res.StatusCode, repo,
			)
		case err != nil:
			return fmt.Errorf(
				"error parsing tags of repository %q: %w", repo, err,
			)
		}
		visit(parsed)
		if parsed.Next == "" {
			return nil
		}
	}
}

// formatPushedAt renders a Docker Hub last_updated timestamp. Unparsable
// values pass through verbatim so identity comparisons still work.
func formatPushedAt(raw string) string {
	if raw == "" {
		return unknownPushedAt
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return parsed.UTC().Format(pushedAtFormat)
}

// escapeRepoPath escapes a namespace/name repository reference one segment at
// a time, so the separating slashes survive on the wire. Escaping the whole
// reference would encode them and the tags endpoint could not resolve the
// repository.
func escapeRepoPath(repo string) string {
	segments := strings.Split(repo, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
