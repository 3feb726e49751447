package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Celdrick/mydocker/internal/reference"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Namespace policies for target profiles.
const (
	// NamespaceMirror keeps the source namespace on the destination.
	NamespaceMirror = "mirror"
	// NamespaceFixed pushes everything into TargetProfile.Namespace.
	NamespaceFixed = "fixed"
)

// Mover backends.
const (
	MoverDocker   = "docker"
	MoverRegistry = "registry"
)

// Producer names used to select an enqueue policy.
const (
	ProducerWebhook    = "webhook"
	ProducerCompose    = "compose"
	ProducerGitHubTags = "github-tags"
)

// DefaultPlatform is used when neither the producer nor the config names one.
const DefaultPlatform = "linux/amd64"

// Config is the top-level configuration
type Config struct {
	Database  DatabaseConfig           `yaml:"database"`
	Targets   map[string]TargetProfile `yaml:"targets"`
	Sync      SyncConfig               `yaml:"sync"`
	Enqueue   EnqueueConfig            `yaml:"enqueue"`
	Server    ServerConfig             `yaml:"server"`
	Discovery DiscoveryConfig          `yaml:"discovery"`
	Metrics   MetricsConfig            `yaml:"metrics"`
}

// DatabaseConfig selects the state store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// TargetProfile describes one destination registry.
type TargetProfile struct {
	Name            string `yaml:"-"`
	Registry        string `yaml:"registry"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Namespace       string `yaml:"namespace"`
	NamespacePolicy string `yaml:"namespace_policy"`
}

// SyncConfig holds pipeline settings
type SyncConfig struct {
	Mover           string `yaml:"mover"`
	DockerBinary    string `yaml:"docker_binary"`
	Workers         int    `yaml:"workers"`
	Insecure        bool   `yaml:"insecure"`
	DefaultPlatform string `yaml:"default_platform"`
}

// EnqueuePolicy controls how a producer treats existing state.
type EnqueuePolicy struct {
	SkipPushed       bool `yaml:"skip_pushed"`
	PendingIsNewWork bool `yaml:"pending_is_new_work"`
}

// EnqueueConfig holds per-producer enqueue policies
type EnqueueConfig struct {
	Policies map[string]EnqueuePolicy `yaml:"policies"`
}

// ServerConfig holds webhook server settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// DiscoveryConfig holds upstream discovery settings
type DiscoveryConfig struct {
	GitHubAPIURL string `yaml:"github_api_url"`
	GitHubToken  string `yaml:"github_token"`
}

// MetricsConfig holds metrics export settings
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "imagesync.db",
		},
		Targets: make(map[string]TargetProfile),
		Sync: SyncConfig{
			Mover:           MoverDocker,
			DockerBinary:    "docker",
			Workers:         1,
			DefaultPlatform: DefaultPlatform,
		},
		Enqueue: EnqueueConfig{
			Policies: map[string]EnqueuePolicy{
				ProducerWebhook:    {SkipPushed: false, PendingIsNewWork: true},
				ProducerCompose:    {SkipPushed: true, PendingIsNewWork: false},
				ProducerGitHubTags: {SkipPushed: true, PendingIsNewWork: false},
			},
		},
		Server: ServerConfig{
			Listen: "0.0.0.0:8080",
		},
		Discovery: DiscoveryConfig{
			GitHubAPIURL: "https://api.github.com",
		},
	}
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error unless required is true.
func LoadEnvFile(path string, required bool) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("reading env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// Load reads a config file from the given path. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// envRef matches ${NAME}. Other uses of $ are left alone so literal
// passwords and tokens survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references with environment values. Unset
// variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(envRef.FindSubmatch(m)[1])))
	})
}

// Parse decodes YAML config content on top of DefaultConfig.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.finalize()
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"imagesync.yaml",
		"/etc/imagesync/imagesync.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "imagesync", "imagesync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// finalize fills derived fields and legacy environment fallbacks.
func (c *Config) finalize() {
	if c.Targets == nil {
		c.Targets = make(map[string]TargetProfile)
	}
	if len(c.Targets) == 0 {
		for name, tp := range LegacyTargets() {
			c.Targets[name] = tp
		}
	}
	for name, tp := range c.Targets {
		tp.Name = name
		if tp.NamespacePolicy == "" {
			tp.NamespacePolicy = NamespaceMirror
		}
		c.Targets[name] = tp
	}
	if c.Enqueue.Policies == nil {
		c.Enqueue.Policies = DefaultConfig().Enqueue.Policies
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = 1
	}
	if c.Sync.DefaultPlatform == "" {
		c.Sync.DefaultPlatform = DefaultPlatform
	}
}

// LegacyTargets builds the "aliyun" and "private" profiles from the
// ALIYUN_* and MY_REGISTRY* environment variables when they are set.
func LegacyTargets() map[string]TargetProfile {
	out := make(map[string]TargetProfile)
	if reg := os.Getenv("ALIYUN_REGISTRY"); reg != "" {
		out["aliyun"] = TargetProfile{
			Name:            "aliyun",
			Registry:        reg,
			Username:        os.Getenv("ALIYUN_REGISTRY_USER"),
			Password:        os.Getenv("ALIYUN_REGISTRY_PASSWORD"),
			Namespace:       os.Getenv("ALIYUN_NAME_SPACE"),
			NamespacePolicy: NamespaceFixed,
		}
	}
	if reg := os.Getenv("MY_REGISTRY"); reg != "" {
		out["private"] = TargetProfile{
			Name:            "private",
			Registry:        reg,
			Username:        os.Getenv("MY_REGISTRY_USER"),
			Password:        os.Getenv("MY_REGISTRY_PASSWORD"),
			NamespacePolicy: NamespaceMirror,
		}
	}
	return out
}

// Validate checks the config for values the commands cannot work with.
func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pg":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		problems = append(problems, "database.dsn is required")
	}

	switch c.Sync.Mover {
	case MoverDocker, MoverRegistry:
	default:
		problems = append(problems, fmt.Sprintf("sync.mover %q must be %q or %q", c.Sync.Mover, MoverDocker, MoverRegistry))
	}

	for _, name := range c.TargetNames() {
		tp := c.Targets[name]
		if strings.TrimSpace(tp.Registry) == "" {
			problems = append(problems, fmt.Sprintf("targets.%s.registry is required", name))
		}
		switch tp.NamespacePolicy {
		case NamespaceMirror:
		case NamespaceFixed:
			if strings.TrimSpace(tp.Namespace) == "" {
				problems = append(problems, fmt.Sprintf("targets.%s.namespace is required with the fixed namespace policy", name))
			}
		default:
			problems = append(problems, fmt.Sprintf("targets.%s.namespace_policy %q must be %q or %q", name, tp.NamespacePolicy, NamespaceMirror, NamespaceFixed))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// TargetNames returns the configured target profile names, sorted.
func (c *Config) TargetNames() []string {
	names := make([]string, 0, len(c.Targets))
	for name := range c.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Target returns the named target profile.
func (c *Config) Target(name string) (TargetProfile, error) {
	tp, ok := c.Targets[name]
	if !ok {
		return TargetProfile{}, fmt.Errorf("unknown target %q (configured: %s)", name, strings.Join(c.TargetNames(), ", "))
	}
	return tp, nil
}

// Policy returns the enqueue policy for a producer, falling back to the
// webhook policy for unknown producers.
func (c *Config) Policy(producer string) EnqueuePolicy {
	if p, ok := c.Enqueue.Policies[producer]; ok {
		return p
	}
	return DefaultConfig().Enqueue.Policies[ProducerWebhook]
}

// Host returns the registry host without scheme or trailing slash.
func (t TargetProfile) Host() string {
	return reference.NormalizeRegistryHost(t.Registry)
}

// DestinationNamespace maps a source namespace onto this target.
func (t TargetProfile) DestinationNamespace(sourceNamespace string) string {
	if t.NamespacePolicy == NamespaceFixed {
		return t.Namespace
	}
	return sourceNamespace
}
