package source

import (
	"context"
	"errors"
	"os"
	"sync"

	"go.engram.dev/scm/scmsync/go/syncerr"
	"go.engram.dev/scm/scmsync/go/types"
)

// EnvProviderConfig configures the environment-backed credential chain.
type EnvProviderConfig struct {
	RepoType types.RepoType
	// ConfigToken, when set, wins over the environment for GitLab repos.
	ConfigToken string
	// PasswordEnv overrides the SVN password variable name.
	PasswordEnv string
}

// EnvProvider resolves credentials from config and environment with the
// documented fallback chain: config value, then GITLAB_TOKEN, then
// GITLAB_PRIVATE_TOKEN for GitLab; SVN_USERNAME plus SVN_PASSWORD (or the
// configured password_env) for SVN. Results are cached until Invalidate.
type EnvProvider struct {
	cfg    EnvProviderConfig
	mtx    sync.Mutex
	cached *Credentials
}

// NewEnvProvider returns the environment-backed provider.
func NewEnvProvider(cfg EnvProviderConfig) *EnvProvider {
	return &EnvProvider{cfg: cfg}
}

var _ CredentialProvider = (*EnvProvider)(nil)

// Get implements CredentialProvider.
func (p *EnvProvider) Get(_ context.Context) (Credentials, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.cached != nil {
		return *p.cached, nil
	}
	creds, err := p.resolve()
	if err != nil {
		return Credentials{}, err
	}
	p.cached = &creds
	return creds, nil
}

func (p *EnvProvider) resolve() (Credentials, error) {
	switch p.cfg.RepoType {
	case types.RepoTypeSVN:
		user := os.Getenv("SVN_USERNAME")
		passwordEnv := p.cfg.PasswordEnv
		if passwordEnv == "" {
			passwordEnv = "SVN_PASSWORD"
		}
		pass := os.Getenv(passwordEnv)
		if user == "" || pass == "" {
			return Credentials{}, syncerr.New(syncerr.CategoryAuthMissing,
				"no SVN credentials: set SVN_USERNAME and %s", passwordEnv)
		}
		return Credentials{Username: user, Password: pass}, nil
	default:
		if p.cfg.ConfigToken != "" {
			return Credentials{Token: p.cfg.ConfigToken}, nil
		}
		if t := os.Getenv("GITLAB_TOKEN"); t != "" {
			return Credentials{Token: t}, nil
		}
		if t := os.Getenv("GITLAB_PRIVATE_TOKEN"); t != "" {
			return Credentials{Token: t}, nil
		}
		return Credentials{}, syncerr.New(syncerr.CategoryAuthMissing,
			"no GitLab token: set GITLAB_TOKEN or GITLAB_PRIVATE_TOKEN")
	}
}

// Invalidate implements CredentialProvider.
func (p *EnvProvider) Invalidate() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.cached = nil
}

// WithAuthRetry runs fn with resolved credentials, and on an auth_error
// invalidates the provider and retries exactly once. This keeps a stale-token
// rotation from burning a job attempt.
func WithAuthRetry(ctx context.Context, provider CredentialProvider, fn func(ctx context.Context, creds Credentials) error) error {
	creds, err := provider.Get(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, creds)
	if err == nil || !isAuthError(err) {
		return err
	}
	provider.Invalidate()
	creds, getErr := provider.Get(ctx)
	if getErr != nil {
		return getErr
	}
	return fn(ctx, creds)
}

func isAuthError(err error) bool {
	var serr *syncerr.SyncError
	return errors.As(err, &serr) && serr.Category == syncerr.CategoryAuthError
}
