package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tagwatch/tagwatch/internal/config"
)

// ErrUnauthorized distinguishes rejected credentials from generic fetch
// failures. Callers test for it with errors.Is.
var ErrUnauthorized = errors.New("registry authentication failed")

// Image is a single observation of an image in a repository. It is produced
// by a Client and never mutated afterwards.
type Image struct {
	// Tags are the tags attached to the image, in provider-return order.
	Tags []string
	// Digest uniquely identifies the image content. Providers that do not
	// expose a digest leave it empty, in which case the (tag, PushedAt) pair
	// serves as the image's identity.
	Digest string
	// PushedAt is an opaque, provider-formatted timestamp string. Identity
	// comparisons use exact string equality.
	PushedAt string
}

// Event reports one newly observed image.
type Event struct {
	Repo     string
	Tag      string
	PushedAt string
}

// Client retrieves image observations from one registry provider.
type Client interface {
	// ListImages returns the current images of the named repository,
	// paginating internally. It wraps ErrUnauthorized when credentials were
	// rejected.
	ListImages(ctx context.Context, repo string) ([]Image, error)
	// ListTags returns the repository's current tags in provider-return
	// order.
	ListTags(ctx context.Context, repo string) ([]string, error)
	// Repositories returns the repository names this client is configured to
	// serve.
	Repositories() []string
	// PollInterval returns the configured delay between poll sweeps.
	PollInterval() int
}

// clientFactory builds a Client for one provider from configuration.
type clientFactory func(cfg *config.Config) (Client, error)

// clientFactories is the closed set of supported registry providers. Aliases
// are resolved by the configuration layer before lookup.
var clientFactories = map[string]clientFactory{
	"ecr":       newECRClient,
	"dockerhub": newDockerHubClient,
}

// NewClient returns a Client for the provider selected by cfg.Monitor.
func NewClient(cfg *config.Config) (Client, error) {
	factory, ok := clientFactories[cfg.Monitor]
	if !ok {
		names := make([]string, 0, len(clientFactories))
		for name := range clientFactories {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf(
			"unknown registry provider %q; supported providers are %v",
			cfg.Monitor, names,
		)
	}
	return factory(cfg)
}
