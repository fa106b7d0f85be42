package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/tagwatch/tagwatch/internal/job"
)

// Config is the complete runtime configuration. It is loaded exactly once at
// startup and handed by reference to each component's constructor; nothing
// mutates it afterwards.
type Config struct {
	// Environment names the deployment environment this process serves, e.g.
	// "staging". It is woven into chat command names.
	Environment string `yaml:"environment"`
	// Messenger selects the chat transport: "slack" or "telegram" ("tg" is
	// accepted as an alias).
	Messenger string `yaml:"messenger"`
	// Monitor selects the registry provider: "ecr" or "dockerhub" ("docker"
	// is accepted as an alias).
	Monitor string `yaml:"monitor"`
	// DeployTimeout is how long, in minutes, a deploy notification waits for
	// a human decision before expiring.
	DeployTimeout int `yaml:"deploy_timeout"`
	// TagPatternMatch groups browsable tags into service names; the first
	// capture group is the service name.
	TagPatternMatch string `yaml:"tag_pattern_match"`
	DryRun          bool   `yaml:"dry_run"`
	ClearOnFail     bool   `yaml:"clear_on_fail"`
	HealthFile      string `yaml:"health_file"`

	ECR       ECRConfig       `yaml:"ecr"`
	DockerHub DockerHubConfig `yaml:"dockerhub"`
	Slack     SlackConfig     `yaml:"slack"`
	Telegram  TelegramConfig  `yaml:"telegram"`

	// Jobs is the ordered list of deployment jobs. Order is significant:
	// job resolution is first-match-wins.
	Jobs []job.Job `yaml:"jobs"`

	// ValuesRepos are the repositories Helm values files are fetched from.
	ValuesRepos []ValuesRepoConfig `yaml:"repository"`
	// HelmRepos are the chart repositories registered with helm at startup.
	HelmRepos []HelmRepoConfig `yaml:"helm_repo"`
}

// ECRConfig is provider configuration for AWS ECR.
type ECRConfig struct {
	Region              string   `yaml:"region"`
	AccessKeyID         string   `yaml:"access_key_id"`
	SecretAccessKey     string   `yaml:"secret_access_key"`
	Repositories        []string `yaml:"repositories"`
	PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
}

// DockerHubConfig is provider configuration for Docker Hub or a compatible
// registry API.
type DockerHubConfig struct {
	RegistryURL         string   `yaml:"registry_url"`
	Username            string   `yaml:"username"`
	Password            string   `yaml:"password"`
	Repositories        []string `yaml:"repositories"`
	PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
}

// SlackConfig is transport configuration for Slack socket mode.
type SlackConfig struct {
	Channel    string `yaml:"channel"`
	BotToken   string `yaml:"bot_token"`
	AppToken   string `yaml:"app_token"`
	MsgMaxSize int    `yaml:"msg_max_size"`
}

// TelegramConfig is transport configuration for the Telegram bot API.
type TelegramConfig struct {
	ChatID     int64  `yaml:"chat_id"`
	BotToken   string `yaml:"bot_token"`
	MsgMaxSize int    `yaml:"msg_max_size"`
}

// ValuesRepoConfig describes a repository Helm values files are fetched from
// over HTTP basic auth.
type ValuesRepoConfig struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Path     string `yaml:"path"`
	Username string `yaml:"username"`
	Token    string `yaml:"token"`
}

// HelmRepoConfig describes a chart repository to register with helm at
// startup.
type HelmRepoConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	Type string `yaml:"type"`
}

// envOverrides are environment fallbacks applied wherever the corresponding
// YAML field was left empty.
type envOverrides struct {
	Environment     string `envconfig:"ENVIRONMENT"`
	Messenger       string `envconfig:"MESSENGER"`
	Monitor         string `envconfig:"MONITOR"`
	DeployTimeout   int    `envconfig:"DEPLOY_TIMEOUT"`
	TagPatternMatch string `envconfig:"TAG_PATTERN_MATCH"`
	HealthFile      string `envconfig:"HEALTH_FILE_PATH"`
	PollInterval    int    `envconfig:"POLL_INTERVAL_SECONDS"`
}

const (
	defaultEnvironment     = "default"
	defaultMessenger       = "slack"
	defaultMonitor         = "ecr"
	defaultDeployTimeout   = 60
	defaultTagPatternMatch = `^(.*)-(\d+\.\d+\.\d+(?:-\w+)?)$`
	defaultHealthFile      = "/tmp/healthz"
	defaultPollInterval    = 60
)

var (
	monitorAliases   = map[string]string{"docker": "dockerhub"}
	messengerAliases = map[string]string{"tg": "telegram"}
)

// Load reads and validates configuration from the provided YAML file, then
// applies environment fallbacks and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading configuration file %q: %w", path, err)
	}
	cfg := &Config{}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing configuration file %q: %w", path, err)
	}

	env := envOverrides{}
	if err = envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("error reading environment overrides: %w", err)
	}
	cfg.applyFallbacks(env)

	if err = cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyFallbacks(env envOverrides) {
	if c.Environment == "" {
		c.Environment = env.Environment
	}
	if c.Environment == "" {
		c.Environment = defaultEnvironment
	}
	if c.Messenger == "" {
		c.Messenger = env.Messenger
	}
	if c.Messenger == "" {
		c.Messenger = defaultMessenger
	}
	if c.Monitor == "" {
		c.Monitor = env.Monitor
	}
	if c.Monitor == "" {
		c.Monitor = defaultMonitor
	}
	if c.DeployTimeout == 0 {
		c.DeployTimeout = env.DeployTimeout
	}
	if c.DeployTimeout == 0 {
		c.DeployTimeout = defaultDeployTimeout
	}
	if c.TagPatternMatch == "" {
		c.TagPatternMatch = env.TagPatternMatch
	}
	if c.TagPatternMatch == "" {
		c.TagPatternMatch = defaultTagPatternMatch
	}
	if c.HealthFile == "" {
		c.HealthFile = env.HealthFile
	}
	if c.HealthFile == "" {
		c.HealthFile = defaultHealthFile
	}

	if c.ECR.PollIntervalSeconds == 0 {
		c.ECR.PollIntervalSeconds = env.PollInterval
	}
	if c.ECR.PollIntervalSeconds == 0 {
		c.ECR.PollIntervalSeconds = defaultPollInterval
	}
	if c.DockerHub.PollIntervalSeconds == 0 {
		c.DockerHub.PollIntervalSeconds = env.PollInterval
	}
	if c.DockerHub.PollIntervalSeconds == 0 {
		c.DockerHub.PollIntervalSeconds = defaultPollInterval
	}

	c.Messenger = canonicalName(c.Messenger, messengerAliases)
	c.Monitor = canonicalName(c.Monitor, monitorAliases)
}

func canonicalName(name string, aliases map[string]string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[name]; ok {
		return canonical
	}
	return name
}

func (c *Config) validate() error {
	for i := range c.Jobs {
		if c.Jobs[i].Registry == "" {
			return fmt.Errorf("job %d is missing a registry", i)
		}
		if c.Jobs[i].TagPattern == "" {
			return fmt.Errorf("job %d (%s) is missing a tag pattern", i, c.Jobs[i].Registry)
		}
	}
	return nil
}

// ValuesRepo returns the values repository with the provided name, or false
// if none is configured.
func (c *Config) ValuesRepo(name string) (*ValuesRepoConfig, bool) {
	for i := range c.ValuesRepos {
		if c.ValuesRepos[i].Name == name {
			return &c.ValuesRepos[i], true
		}
	}
	return nil, false
}
