package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load consults so ambient values cannot leak
// into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, e := range []string{
		"LOGBOOK_DSN", "POSTGRES_DSN",
		"ENGRAM_ARTIFACTS_BACKEND", "ENGRAM_ARTIFACTS_ROOT", "ENGRAM_MAX_ARTIFACT_BYTES",
		"GITLAB_TOKEN", "SVN_USERNAME", "SVN_PASSWORD",
		"ENGRAM_S3_BUCKET", "ENGRAM_S3_PREFIX", "ENGRAM_S3_ENDPOINT", "ENGRAM_S3_REGION",
		"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY",
	} {
		t.Setenv(e, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scmsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileOnly(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
postgres_dsn = "postgresql://sync@db/logbook"
artifacts_backend = "local"
artifacts_root = "/var/artifacts"
gitlab_token = "glpat-fromfile0123456789"
max_artifact_bytes = 1048576

[object]
bucket = "unused"
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgresql://sync@db/logbook", c.PostgresDSN)
	require.Equal(t, BackendLocal, c.ArtifactsBackend)
	require.Equal(t, "/var/artifacts", c.ArtifactsRoot)
	require.Equal(t, "glpat-fromfile0123456789", c.GitLabToken)
	require.Equal(t, int64(1048576), c.MaxArtifactBytes)
	require.Equal(t, "unused", c.Object.Bucket)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
postgres_dsn = "postgresql://file@db/logbook"
artifacts_backend = "local"
artifacts_root = "/var/from-file"
`)
	t.Setenv("POSTGRES_DSN", "postgresql://env@db/logbook")
	t.Setenv("ENGRAM_ARTIFACTS_ROOT", "/var/from-env")
	t.Setenv("ENGRAM_MAX_ARTIFACT_BYTES", "2048")

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgresql://env@db/logbook", c.PostgresDSN)
	require.Equal(t, "/var/from-env", c.ArtifactsRoot)
	require.Equal(t, int64(2048), c.MaxArtifactBytes)
}

func TestLoad_LogbookDSNWinsOverPostgresDSN(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOGBOOK_DSN", "postgresql://logbook@db/x")
	t.Setenv("POSTGRES_DSN", "postgresql://legacy@db/x")
	t.Setenv("ENGRAM_ARTIFACTS_ROOT", "/var/artifacts")

	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgresql://logbook@db/x", c.PostgresDSN)
}

func TestLoad_NoFileEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTGRES_DSN", "postgresql://env@db/x")
	t.Setenv("ENGRAM_ARTIFACTS_BACKEND", "object")
	t.Setenv("ENGRAM_S3_BUCKET", "patches")
	t.Setenv("ENGRAM_S3_REGION", "eu-central-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKID")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")

	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, BackendObject, c.ArtifactsBackend)
	require.Equal(t, "patches", c.Object.Bucket)
	require.Equal(t, "eu-central-1", c.Object.Region)
	require.Equal(t, "AKID", c.Object.AccessKey)
	require.Equal(t, "secret", c.Object.SecretKey)
}

func TestLoad_Validation(t *testing.T) {
	clearEnv(t)
	// No DSN anywhere.
	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "LOGBOOK_DSN")

	// The local backend needs a root.
	t.Setenv("POSTGRES_DSN", "postgresql://env@db/x")
	_, err = Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ENGRAM_ARTIFACTS_ROOT")

	// The object backend needs a bucket.
	t.Setenv("ENGRAM_ARTIFACTS_BACKEND", "object")
	_, err = Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bucket")

	// Unknown backends are refused.
	t.Setenv("ENGRAM_ARTIFACTS_BACKEND", "tape")
	_, err = Load("")
	require.Error(t, err)

	// A good environment passes and defaults the backend to local.
	t.Setenv("ENGRAM_ARTIFACTS_BACKEND", "")
	t.Setenv("ENGRAM_ARTIFACTS_ROOT", "/var/artifacts")
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, BackendLocal, c.ArtifactsBackend)
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
