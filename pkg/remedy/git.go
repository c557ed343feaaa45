package remedy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v62/github"
	"github.com/opencontainers/go-digest"
	"github.com/otiai10/copy"
	"golang.org/x/oauth2"
)

// A GitClient is the source-control boundary of an execution unit. All
// operations act on the job's exclusively owned workspace.
type GitClient interface {
	// Clone materializes the repository at the given branch into dest.
	Clone(ctx context.Context, repoURL, branch, dest string) error
	// CreateBranch creates and checks out a new branch in dest.
	CreateBranch(ctx context.Context, dest, name string) error
	// CommitAll stages the whole working tree and commits it.
	CommitAll(ctx context.Context, dest, message string) error
	// Push uploads the branch to origin.
	Push(ctx context.Context, dest, branch string) error
	// OpenPullRequest opens a pull request of head onto base and returns
	// its URL.
	OpenPullRequest(ctx context.Context, repoURL, head, base, title, body string) (string, error)
	// WithToken derives a client that authenticates with the given token
	// instead of the configured one.
	WithToken(token string) GitClient
}

// cloneCache holds one clone per repository URL. Clients derived from the
// same parent share it, so only one of them refreshes an entry at a time.
type cloneCache struct {
	mu  sync.Mutex
	dir string
}

// HostedGitClient implements GitClient against a git hosting service,
// authenticated with a caller-supplied token. To avoid re-cloning the same
// repository for every job it keeps a clone cache which job workspaces are
// copied from.
type HostedGitClient struct {
	Token string

	// AuthorName and AuthorEmail are used for the fix commits.
	AuthorName  string
	AuthorEmail string

	cache *cloneCache
}

// NewHostedGitClient creates a client authenticating with token. cacheDir
// holds one clone per repository URL, empty disables caching.
func NewHostedGitClient(token, cacheDir string) *HostedGitClient {
	return &HostedGitClient{
		Token: token,
		cache: &cloneCache{dir: cacheDir},
	}
}

// WithToken derives a client using token for authentication. The clone
// cache stays shared with the parent client.
func (c *HostedGitClient) WithToken(token string) GitClient {
	if token == "" || token == c.Token {
		return c
	}
	return &HostedGitClient{
		Token:       token,
		AuthorName:  c.AuthorName,
		AuthorEmail: c.AuthorEmail,
		cache:       c.cache,
	}
}

func (c *HostedGitClient) auth() transport.AuthMethod {
	if c.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: c.Token}
}

// Clone materializes repoURL at branch into dest. When a cache dir is
// configured the repository is cloned into the cache once, refreshed on
// subsequent jobs, and copied into the job workspace.
func (c *HostedGitClient) Clone(ctx context.Context, repoURL, branch, dest string) error {
	src := dest
	if c.cache != nil && c.cache.dir != "" {
		cachePath, err := c.refreshCache(ctx, repoURL)
		if err != nil {
			return err
		}
		if err := copy.Copy(cachePath, dest, copy.Options{Specials: true}); err != nil {
			return &RepoAccessError{URL: repoURL, Err: err}
		}
		src = dest
	} else {
		if _, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
			URL:  repoURL,
			Auth: c.auth(),
		}); err != nil {
			return &RepoAccessError{URL: repoURL, Transient: transientGitError(err), Err: err}
		}
	}

	repo, err := git.PlainOpen(src)
	if err != nil {
		return &RepoAccessError{URL: repoURL, Err: err}
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return &RepoAccessError{URL: repoURL, Err: err}
	}

	hash, err := repo.ResolveRevision(plumbing.Revision("origin/" + branch))
	if err != nil {
		return &RepoAccessError{URL: repoURL, Err: fmt.Errorf("branch %s not found - %w", branch, err)}
	}
	if err := worktree.Checkout(&git.CheckoutOptions{
		Hash:   *hash,
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
		Force:  true,
	}); err != nil {
		// The branch already exists locally in a cached copy, pointing at
		// whatever the cache last checked out. Move it to the fetched tip.
		if err := worktree.Checkout(&git.CheckoutOptions{
			Branch: plumbing.NewBranchReferenceName(branch),
			Force:  true,
		}); err != nil {
			return &RepoAccessError{URL: repoURL, Err: err}
		}
		if err := worktree.Reset(&git.ResetOptions{
			Commit: *hash,
			Mode:   git.HardReset,
		}); err != nil {
			return &RepoAccessError{URL: repoURL, Err: err}
		}
	}
	return nil
}

// refreshCache clones the repository into the cache on first use and
// fetches updates afterwards. Only one job refreshes a given entry at once.
func (c *HostedGitClient) refreshCache(ctx context.Context, repoURL string) (string, error) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	cachePath := filepath.Join(c.cache.dir, digest.FromString(repoURL).Encoded())
	if _, err := os.Stat(cachePath); os.IsNotExist(err) {
		if _, err := git.PlainCloneContext(ctx, cachePath, false, &git.CloneOptions{
			URL:  repoURL,
			Auth: c.auth(),
		}); err != nil {
			os.RemoveAll(cachePath)
			return "", &RepoAccessError{URL: repoURL, Transient: transientGitError(err), Err: err}
		}
		return cachePath, nil
	}

	repo, err := git.PlainOpen(cachePath)
	if err != nil {
		return "", &RepoAccessError{URL: repoURL, Err: err}
	}
	if err := repo.FetchContext(ctx, &git.FetchOptions{
		Auth:  c.auth(),
		Force: true,
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", &RepoAccessError{URL: repoURL, Transient: transientGitError(err), Err: err}
	}
	return cachePath, nil
}

func (c *HostedGitClient) CreateBranch(ctx context.Context, dest, name string) error {
	repo, err := git.PlainOpen(dest)
	if err != nil {
		return &GitOperationError{Op: "branch", Err: err}
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return &GitOperationError{Op: "branch", Err: err}
	}
	if err := worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	}); err != nil {
		return &GitOperationError{Op: "branch", Err: err}
	}
	return nil
}

func (c *HostedGitClient) CommitAll(ctx context.Context, dest, message string) error {
	repo, err := git.PlainOpen(dest)
	if err != nil {
		return &GitOperationError{Op: "commit", Err: err}
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return &GitOperationError{Op: "commit", Err: err}
	}
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return &GitOperationError{Op: "commit", Err: err}
	}

	name, email := c.AuthorName, c.AuthorEmail
	if name == "" {
		name = "remedy"
	}
	if email == "" {
		email = "remedy@localhost"
	}
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: name, Email: email, When: time.Now()},
	}); err != nil {
		return &GitOperationError{Op: "commit", Err: err}
	}
	return nil
}

func (c *HostedGitClient) Push(ctx context.Context, dest, branch string) error {
	repo, err := git.PlainOpen(dest)
	if err != nil {
		return &GitOperationError{Op: "push", Err: err}
	}
	refSpec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	if err := repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       c.auth(),
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return &GitOperationError{Op: "push", Transient: transientGitError(err), Err: err}
	}
	return nil
}

func (c *HostedGitClient) OpenPullRequest(ctx context.Context, repoURL, head, base, title, body string) (string, error) {
	owner, repo, err := splitRepoURL(repoURL)
	if err != nil {
		return "", &GitOperationError{Op: "pull-request", Err: err}
	}

	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.Token}))
	client := github.NewClient(httpClient)

	pr, _, err := client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
		Body:  github.String(body),
	})
	if err != nil {
		transient := false
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil {
			transient = ghErr.Response.StatusCode >= 500
		}
		return "", &GitOperationError{Op: "pull-request", Transient: transient, Err: err}
	}
	return pr.GetHTMLURL(), nil
}

// transientGitError reports whether a go-git transport failure is worth
// retrying. Authentication and missing-repository failures are permanent.
func transientGitError(err error) bool {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// splitRepoURL extracts the owner and repository name from a hosting URL
// such as https://github.com/owner/repo.git.
func splitRepoURL(repoURL string) (owner, repo string, err error) {
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return "", "", err
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot determine owner and repository from %s", repoURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
