// Package repocache implements RepoCache: clones, updates, and
// locates working directories for subscribed repositories. A per-repo
// mutex registry serializes checkout windows per (provider, owner,
// name), matching spec.md §5's "per-repo mutex serializing checkout
// windows" requirement; EnsureClone additionally collapses concurrent
// first-clone races for the same repo through a singleflight.Group,
// since two callers racing to clone a freshly-subscribed repo should
// share one `git clone` rather than stepping on each other.
package repocache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vibinex/review-agent/internal/errs"
	"github.com/vibinex/review-agent/internal/models"
	"github.com/vibinex/review-agent/internal/store"
)

const nonceAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomNonce mirrors original_source's generate_random_string: a
// lowercase-alphanumeric nonce embedded in the clone path.
func randomNonce(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = nonceAlphabet[rand.Intn(len(nonceAlphabet))]
	}
	return string(b)
}

// Cache is RepoCache: clone-on-subscribe, ensure_commits pull-on-miss,
// per-repo mutex serializing checkout windows.
type Cache struct {
	store   store.Store
	baseDir string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// clones collapses concurrent EnsureClone calls for the same repo
	// (e.g. the install flow racing a webhook_callback for a repo that
	// was just subscribed) into a single `git clone`.
	clones singleflight.Group
}

// New builds a RepoCache rooted at baseDir (default /tmp, per spec.md
// §6's on-disk layout "/tmp/{provider}/{workspace}/{nonce}/{repo}").
func New(st store.Store, baseDir string) *Cache {
	if baseDir == "" {
		baseDir = "/tmp"
	}
	return &Cache{
		store:   st,
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-repo mutex for key, creating it if absent.
func (c *Cache) lockFor(key string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// Lock acquires the per-(provider,owner,name) mutex for the duration of
// a checkout window (ensure_commits … RENDER, per spec.md §5). The
// caller must call the returned unlock function.
func (c *Cache) Lock(provider models.Provider, owner, name string) func() {
	key := fmt.Sprintf("%s/%s/%s", provider, owner, name)
	l := c.lockFor(key)
	l.Lock()
	return l.Unlock
}

// EnsureClone clones repo if it has no local_dir yet, into
// /tmp/{provider}/{workspace}/{nonce}/{name}, and persists the updated
// Repository record. Idempotent: if a local_dir is already recorded, it
// is returned unchanged without touching disk.
func (c *Cache) EnsureClone(ctx context.Context, repo models.Repository, accessToken string) (models.Repository, error) {
	var existing models.Repository
	found, err := store.GetJSON(c.store, repo.Key(), &existing)
	if err != nil {
		return repo, err
	}
	if found && existing.LocalDir != "" {
		return existing, nil
	}

	result, err, _ := c.clones.Do(repo.Key(), func() (any, error) {
		return c.cloneAndPersist(ctx, repo, accessToken)
	})
	if err != nil {
		return repo, err
	}
	return result.(models.Repository), nil
}

func (c *Cache) cloneAndPersist(ctx context.Context, repo models.Repository, accessToken string) (models.Repository, error) {
	// Re-check under the singleflight key: a caller that lost the race
	// to enter c.clones.Do still shares the winner's result, but a
	// caller arriving after it has already completed and evicted would
	// otherwise clone again.
	var existing models.Repository
	found, err := store.GetJSON(c.store, repo.Key(), &existing)
	if err != nil {
		return repo, err
	}
	if found && existing.LocalDir != "" {
		return existing, nil
	}

	cloneDir := filepath.Join(c.baseDir, string(repo.Provider), repo.Owner, randomNonce(10), repo.Name)
	if err := os.MkdirAll(filepath.Dir(cloneDir), 0o755); err != nil {
		return repo, errs.Wrap(err, "create clone parent dir")
	}

	authedURL := embedToken(repo.CloneURL, accessToken)
	cmd := exec.CommandContext(ctx, "git", "clone", authedURL, cloneDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return repo, errs.NewParseError("git clone", fmt.Errorf("%w: %s", err, out))
	}

	repo.LocalDir = cloneDir
	if err := store.PutJSON(c.store, repo.Key(), repo); err != nil {
		return repo, err
	}
	return repo, nil
}

// CollectGitAliases lists every distinct commit-author email reachable
// in cloneDir, the same `git log --all --format=%ae` walk as
// original_source's get_git_aliases, so the install flow can seed the
// upstream alias map for a repo before a single PR event ever arrives.
func (c *Cache) CollectGitAliases(ctx context.Context, cloneDir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", cloneDir, "log", "--all", "--format=%ae")
	out, err := cmd.Output()
	if err != nil {
		return nil, errs.NewParseError("git log aliases", err)
	}

	seen := make(map[string]bool)
	var aliases []string
	for _, line := range strings.Split(string(out), "\n") {
		email := strings.TrimSpace(line)
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		aliases = append(aliases, email)
	}
	sort.Strings(aliases)
	return aliases, nil
}

// embedToken rewrites a clone URL to embed the access token as basic
// auth, the same approach as original_source's create_clone_url.
func embedToken(cloneURL, token string) string {
	if token == "" {
		return cloneURL
	}
	if strings.HasPrefix(cloneURL, "https://") {
		return "https://x-token-auth:" + token + "@" + strings.TrimPrefix(cloneURL, "https://")
	}
	return cloneURL
}

// RewriteOrigin implements auth.OriginRewriter: after AuthCache
// refreshes a provider's token, the origin remote of every cloned repo
// for that provider is rewritten so shell-invoked git inherits it,
// satisfying spec.md §4.2's "rewrite the origin URL" requirement.
func (c *Cache) RewriteOrigin(provider models.Provider, accessToken string) error {
	var lastErr error
	err := c.store.Scan(string(provider)+"/", func(key string, value []byte) bool {
		if strings.Count(key, "/") != 2 {
			return true // not a bare Repository key (config/review/etc have more segments)
		}
		var repo models.Repository
		if err := json.Unmarshal(value, &repo); err != nil || repo.LocalDir == "" {
			return true
		}
		if err := c.setOriginURL(repo.LocalDir, embedToken(repo.CloneURL, accessToken)); err != nil {
			lastErr = err
		}
		return true
	})
	if err != nil {
		return err
	}
	return lastErr
}

func (c *Cache) setOriginURL(cloneDir, url string) error {
	cmd := exec.Command("git", "-C", cloneDir, "remote", "set-url", "origin", url)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errs.NewParseError("git remote set-url", fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

// EnsureCommits pulls origin if either base or head SHA is missing from
// the clone, tolerating concurrent callers per-repo via the caller's
// held Lock.
func (c *Cache) EnsureCommits(ctx context.Context, cloneDir, baseSHA, headSHA string) error {
	haveBase := commitExists(ctx, cloneDir, baseSHA)
	haveHead := commitExists(ctx, cloneDir, headSHA)
	if haveBase && haveHead {
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "-C", cloneDir, "pull")
	if out, err := cmd.CombinedOutput(); err != nil {
		return errs.NewMissingData(fmt.Sprintf("git pull failed in %s: %v: %s", cloneDir, err, out))
	}

	if !commitExists(ctx, cloneDir, baseSHA) || !commitExists(ctx, cloneDir, headSHA) {
		return errs.NewMissingData(fmt.Sprintf("commits %s/%s still absent from %s after pull", baseSHA, headSHA, cloneDir))
	}
	return nil
}

// commitExists mirrors original_source's commit_exists: `git rev-list
// {commit}` inside the clone, treating exit code 128 as "not found".
func commitExists(ctx context.Context, cloneDir, commit string) bool {
	if commit == "" {
		return false
	}
	cmd := exec.CommandContext(ctx, "git", "-C", cloneDir, "rev-list", "-1", commit)
	return cmd.Run() == nil
}

// Checkout is best-effort: GraphBuilder brackets multi-commit work with
// checkouts (spec.md §4.6's CHECKOUT states).
func (c *Cache) Checkout(ctx context.Context, cloneDir, commit string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", cloneDir, "checkout", "--force", commit)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errs.NewParseError("git checkout", fmt.Errorf("%w: %s", err, out))
	}
	return nil
}
