package artifacts

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/go/emutil"
)

// DefaultFileMode is applied to final artifact files.
const DefaultFileMode = os.FileMode(0o600)

// LocalConfig configures LocalStore and the write half of FileURIStore.
type LocalConfig struct {
	// Root is the directory all relative URIs resolve under.
	Root string
	// Policy defaults to OverwriteAllow.
	Policy OverwritePolicy
	// MaxSizeBytes caps a single artifact; zero means unlimited.
	MaxSizeBytes int64
	// FileMode defaults to DefaultFileMode.
	FileMode os.FileMode
	// AllowedPrefixes, when set, is a whitelist of relative path prefixes.
	AllowedPrefixes []string
}

func (c LocalConfig) withDefaults() LocalConfig {
	if c.Policy == "" {
		c.Policy = OverwriteAllow
	}
	if c.FileMode == 0 {
		c.FileMode = DefaultFileMode
	}
	return c
}

// LocalStore stores artifacts under a root directory, addressed by relative
// paths.
type LocalStore struct {
	cfg LocalConfig
}

// NewLocalStore returns a Store rooted at cfg.Root, which must be an absolute
// path.
func NewLocalStore(cfg LocalConfig) (*LocalStore, error) {
	cfg = cfg.withDefaults()
	if !filepath.IsAbs(cfg.Root) {
		return nil, emerr.Fmt("artifacts root %q is not absolute", cfg.Root)
	}
	return &LocalStore{cfg: cfg}, nil
}

var _ Store = (*LocalStore)(nil)

func (s *LocalStore) abs(uri string) (string, error) {
	rel, err := NormalizePath(uri)
	if err != nil {
		return "", err
	}
	if err := CheckPrefixes(rel, s.cfg.AllowedPrefixes); err != nil {
		return "", err
	}
	return filepath.Join(s.cfg.Root, filepath.FromSlash(rel)), nil
}

// Put implements Store.
func (s *LocalStore) Put(ctx context.Context, uri string, r io.Reader) (Info, error) {
	target, err := s.abs(uri)
	if err != nil {
		return Info{}, err
	}
	canonical, err := s.Resolve(uri)
	if err != nil {
		return Info{}, err
	}
	sha, size, err := writeAtomic(target, s.cfg.Root, r, s.cfg)
	if err != nil {
		return Info{}, err
	}
	return Info{URI: canonical, SHA256: sha, Size: size}, nil
}

// Get implements Store.
func (s *LocalStore) Get(ctx context.Context, uri string) ([]byte, error) {
	rc, err := s.GetStream(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer emutil.Close(rc)
	b, err := io.ReadAll(rc)
	return b, emerr.Wrap(err)
}

// GetStream implements Store.
func (s *LocalStore) GetStream(_ context.Context, uri string) (io.ReadCloser, error) {
	target, err := s.abs(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, emerr.Wrap(err)
}

// GetInfo implements Store.
func (s *LocalStore) GetInfo(ctx context.Context, uri string) (Info, error) {
	target, err := s.abs(uri)
	if err != nil {
		return Info{}, err
	}
	canonical, err := s.Resolve(uri)
	if err != nil {
		return Info{}, err
	}
	sha, size, err := hashFile(target)
	if err != nil {
		return Info{}, err
	}
	return Info{URI: canonical, SHA256: sha, Size: size}, nil
}

// Exists implements Store.
func (s *LocalStore) Exists(_ context.Context, uri string) (bool, error) {
	target, err := s.abs(uri)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, emerr.Wrap(err)
}

// Resolve implements Store: the canonical form is the normalized relative
// path.
func (s *LocalStore) Resolve(uri string) (string, error) {
	rel, err := NormalizePath(uri)
	if err != nil {
		return "", err
	}
	return rel, nil
}

// FileURIStore stores artifacts at absolute file:// URIs, optionally
// restricted to a set of allowed roots.
type FileURIStore struct {
	cfg LocalConfig
	// allowedRoots, when set, restricts absolute targets to these directory
	// trees.
	allowedRoots []string
}

// NewFileURIStore returns a Store for file:// URIs.
func NewFileURIStore(cfg LocalConfig, allowedRoots []string) *FileURIStore {
	cfg = cfg.withDefaults()
	return &FileURIStore{cfg: cfg, allowedRoots: allowedRoots}
}

var _ Store = (*FileURIStore)(nil)

func (s *FileURIStore) abs(uri string) (string, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", emerr.Wrapf(err, "parsing file URI %q", uri)
	}
	if u.Scheme != "file" {
		return "", "", emerr.Fmt("URI %q is not a file:// URI", uri)
	}
	p := u.Path
	if !strings.HasPrefix(p, "/") {
		return "", "", emerr.Fmt("file URI %q is not absolute", uri)
	}
	rel, err := NormalizePath(p)
	if err != nil {
		return "", "", err
	}
	target := "/" + filepath.FromSlash(rel)
	root := "/"
	if len(s.allowedRoots) > 0 {
		root = ""
		for _, allowed := range s.allowedRoots {
			if target == allowed || strings.HasPrefix(target, strings.TrimSuffix(allowed, "/")+"/") {
				root = allowed
				break
			}
		}
		if root == "" {
			return "", "", emerr.Fmt("file URI %q is outside the allowed roots", uri)
		}
	}
	return target, root, nil
}

// Put implements Store.
func (s *FileURIStore) Put(ctx context.Context, uri string, r io.Reader) (Info, error) {
	target, root, err := s.abs(uri)
	if err != nil {
		return Info{}, err
	}
	sha, size, err := writeAtomic(target, root, r, s.cfg)
	if err != nil {
		return Info{}, err
	}
	canonical, err := s.Resolve(uri)
	if err != nil {
		return Info{}, err
	}
	return Info{URI: canonical, SHA256: sha, Size: size}, nil
}

// Get implements Store.
func (s *FileURIStore) Get(ctx context.Context, uri string) ([]byte, error) {
	rc, err := s.GetStream(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer emutil.Close(rc)
	b, err := io.ReadAll(rc)
	return b, emerr.Wrap(err)
}

// GetStream implements Store.
func (s *FileURIStore) GetStream(_ context.Context, uri string) (io.ReadCloser, error) {
	target, _, err := s.abs(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, emerr.Wrap(err)
}

// GetInfo implements Store.
func (s *FileURIStore) GetInfo(ctx context.Context, uri string) (Info, error) {
	target, _, err := s.abs(uri)
	if err != nil {
		return Info{}, err
	}
	canonical, err := s.Resolve(uri)
	if err != nil {
		return Info{}, err
	}
	sha, size, err := hashFile(target)
	if err != nil {
		return Info{}, err
	}
	return Info{URI: canonical, SHA256: sha, Size: size}, nil
}

// Exists implements Store.
func (s *FileURIStore) Exists(_ context.Context, uri string) (bool, error) {
	target, _, err := s.abs(uri)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, emerr.Wrap(err)
}

// Resolve implements Store.
func (s *FileURIStore) Resolve(uri string) (string, error) {
	target, _, err := s.abs(uri)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(target), nil
}

// writeAtomic is the shared local write protocol: stream into a hidden temp
// file in the target's directory while hashing and size-checking, fsync,
// apply the overwrite policy, rename into place, set the file mode. The temp
// file is removed on every failure path.
func writeAtomic(target, root string, r io.Reader, cfg LocalConfig) (sha string, size int64, err error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, emerr.Wrap(err)
	}
	if err := checkWithinRoot(dir, root); err != nil {
		return "", 0, err
	}
	tmp := filepath.Join(dir, tempName(filepath.Base(target)))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, cfg.FileMode)
	if err != nil {
		return "", 0, emerr.Wrap(err)
	}
	renamed := false
	defer func() {
		if !renamed {
			emutil.Remove(tmp)
		}
	}()

	h := sha256.New()
	w := io.MultiWriter(f, h)
	if cfg.MaxSizeBytes > 0 {
		size, err = io.Copy(w, io.LimitReader(r, cfg.MaxSizeBytes+1))
		if err == nil && size > cfg.MaxSizeBytes {
			err = ErrTooLarge
		}
	} else {
		size, err = io.Copy(w, r)
	}
	if err != nil {
		emutil.Close(f)
		return "", 0, emerr.Wrap(err)
	}
	if err := f.Sync(); err != nil {
		emutil.Close(f)
		return "", 0, emerr.Wrap(err)
	}
	if err := f.Close(); err != nil {
		return "", 0, emerr.Wrap(err)
	}
	sha = hex.EncodeToString(h.Sum(nil))

	// The exists check under deny/allow_same_hash is racy with concurrent
	// writers of the same target; the accepted envelope is that one or two
	// writes may succeed, and the rename keeps the final file intact either
	// way.
	switch cfg.Policy {
	case OverwriteDeny:
		if _, statErr := os.Stat(target); statErr == nil {
			return "", 0, ErrOverwriteDenied
		}
	case OverwriteAllowSameHash:
		if existingSHA, existingSize, hashErr := hashFile(target); hashErr == nil {
			if existingSHA == sha {
				emutil.Remove(tmp)
				renamed = true // suppress the deferred remove; tmp is gone
				return sha, existingSize, nil
			}
			return "", 0, ErrHashMismatch
		}
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", 0, emerr.Wrap(err)
	}
	renamed = true
	if err := os.Chmod(target, cfg.FileMode); err != nil {
		return "", 0, emerr.Wrap(err)
	}
	return sha, size, nil
}

// checkWithinRoot defeats symlink escapes: the fully resolved directory must
// stay inside the resolved root.
func checkWithinRoot(dir, root string) error {
	if root == "" || root == "/" {
		return nil
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return emerr.Wrap(err)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return emerr.Wrap(err)
	}
	if resolvedDir != resolvedRoot &&
		!strings.HasPrefix(resolvedDir, strings.TrimSuffix(resolvedRoot, "/")+"/") {
		return emerr.Fmt("path %q escapes the store root %q", dir, root)
	}
	return nil
}

func tempName(base string) string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; fall back to a
		// fixed suffix rather than aborting the write.
		copy(buf[:], "00000000")
	}
	return fmt.Sprintf(".%s.%d.%s.tmp", base, os.Getpid(), hex.EncodeToString(buf[:]))
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, emerr.Wrap(err)
	}
	defer emutil.Close(f)
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, emerr.Wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// HashBytes returns the hex SHA-256 of b. Shared by the materializer and the
// evidence resolver.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// bytesReader exists so callers with in-memory content can Put without
// importing bytes themselves.
func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// PutBytes is a convenience wrapper over Put for in-memory content.
func PutBytes(ctx context.Context, s Store, uri string, b []byte) (Info, error) {
	return s.Put(ctx, uri, bytesReader(b))
}
