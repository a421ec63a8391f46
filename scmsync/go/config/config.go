// Package config assembles the process configuration: an optional TOML file
// as the base layer, overridden by environment variables. The environment
// always wins so deployments can patch a shared file per host.
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"go.engram.dev/scm/go/emerr"
)

// Backend selects the artifact store implementation.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendFile   Backend = "file"
	BackendObject Backend = "object"
)

// Valid returns true for a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendLocal, BackendFile, BackendObject:
		return true
	}
	return false
}

// ObjectStore holds the S3-compatible backend settings.
type ObjectStore struct {
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// Config is the full process configuration.
type Config struct {
	// PostgresDSN is the connection string for the sync database. Required.
	PostgresDSN string `toml:"postgres_dsn"`

	// ArtifactsBackend defaults to local.
	ArtifactsBackend Backend `toml:"artifacts_backend"`
	// ArtifactsRoot is the local/file backend root directory.
	ArtifactsRoot string `toml:"artifacts_root"`
	// Object configures the object backend.
	Object ObjectStore `toml:"object"`

	// GitLabToken is the configured token, first link of the credential
	// fallback chain.
	GitLabToken string `toml:"gitlab_token"`
	SVNUsername string `toml:"svn_username"`
	SVNPassword string `toml:"svn_password"`

	// MaxArtifactBytes bounds a single artifact write; zero means unbounded.
	MaxArtifactBytes int64 `toml:"max_artifact_bytes"`
}

// Load reads the optional TOML file at path (ignored when empty), applies the
// environment on top, and validates the result.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &c); err != nil {
			return nil, emerr.Wrapf(err, "decoding config file %s", path)
		}
	}
	c.applyEnv()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnv() {
	// LOGBOOK_DSN is the preferred alias; POSTGRES_DSN remains for older
	// deployments.
	setString(&c.PostgresDSN, "LOGBOOK_DSN", "POSTGRES_DSN")
	if v := os.Getenv("ENGRAM_ARTIFACTS_BACKEND"); v != "" {
		c.ArtifactsBackend = Backend(v)
	}
	setString(&c.ArtifactsRoot, "ENGRAM_ARTIFACTS_ROOT")
	setString(&c.GitLabToken, "GITLAB_TOKEN")
	setString(&c.SVNUsername, "SVN_USERNAME")
	setString(&c.SVNPassword, "SVN_PASSWORD")
	setString(&c.Object.Bucket, "ENGRAM_S3_BUCKET")
	setString(&c.Object.Prefix, "ENGRAM_S3_PREFIX")
	setString(&c.Object.Endpoint, "ENGRAM_S3_ENDPOINT")
	setString(&c.Object.Region, "ENGRAM_S3_REGION")
	setString(&c.Object.AccessKey, "AWS_ACCESS_KEY_ID")
	setString(&c.Object.SecretKey, "AWS_SECRET_ACCESS_KEY")
	if v := os.Getenv("ENGRAM_MAX_ARTIFACT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxArtifactBytes = n
		}
	}
}

// setString writes the first non-empty environment value into dst.
func setString(dst *string, envs ...string) {
	for _, e := range envs {
		if v := os.Getenv(e); v != "" {
			*dst = v
			return
		}
	}
}

func (c *Config) validate() error {
	if c.PostgresDSN == "" {
		return emerr.Fmt("no database DSN configured; set LOGBOOK_DSN or POSTGRES_DSN")
	}
	if c.ArtifactsBackend == "" {
		c.ArtifactsBackend = BackendLocal
	}
	if !c.ArtifactsBackend.Valid() {
		return emerr.Fmt("unknown artifacts backend %q", string(c.ArtifactsBackend))
	}
	switch c.ArtifactsBackend {
	case BackendLocal, BackendFile:
		if c.ArtifactsRoot == "" {
			return emerr.Fmt("artifacts backend %q needs ENGRAM_ARTIFACTS_ROOT", string(c.ArtifactsBackend))
		}
	case BackendObject:
		if c.Object.Bucket == "" {
			return emerr.Fmt("object artifacts backend needs a bucket")
		}
	}
	return nil
}
