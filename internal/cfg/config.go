// Package cfg loads the TOML configuration file.
package cfg

import (
	"io"
	"time"

	"github.com/pelletier/go-toml"
)

type Config struct {
	HTTPListenAddr            string `toml:"http_server_listen_addr"`
	HTTPSListenAddr           string `toml:"https_server_listen_addr"`
	HTTPSCertFile             string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile              string `toml:"https_ssl_key_file"`
	HTTPGithubWebhookEndpoint string `toml:"github_webhook_endpoint"`
	GithubWebHookSecret       string `toml:"github_webhook_secret"`
	GithubAPIToken            string `toml:"github_api_token"`
	LogFormat                 string `toml:"log_format"`
	LogTimeKey                string `toml:"log_time_key"`
	LogLevel                  string `toml:"log_level"`

	CommandPrefix      string        `toml:"command_prefix"`
	DatabaseDriver     string        `toml:"database_driver"`
	DatabaseDSN        string        `toml:"database_dsn"`
	PermissionCacheTTL time.Duration `toml:"permission_cache_ttl"`

	TryBranch      string `toml:"try_branch"`
	TryMergeBranch string `toml:"try_merge_branch"`
	MergeBranch    string `toml:"merge_branch"`

	Repositories []GithubRepository `toml:"repository"`
}

// GithubRepository is per-repository configuration.
// Repositories do not have to be listed to be served, entries exist to
// attach a filter query to a repository.
type GithubRepository struct {
	Owner          string `toml:"owner"`
	RepositoryName string `toml:"repository"`
	// FilterQuery is a jq query evaluated against the raw webhook
	// payload, events of this repository are dropped unless it evaluates
	// to true.
	FilterQuery string `toml:"filter_query"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

func (r *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(r)
}
