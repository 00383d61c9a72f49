// Package gitrepo clones a repository shallowly and emits one header
// per admitted file in the working tree. The head commit SHA is the
// version signal for every file; content hashing downgrades the false
// positives that follow from commits touching other files.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/identity"
	"github.com/fyrsmithlabs/qloader/internal/ignore"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/sources"
)

// Adapter enumerates the files of one branch of a remote repository.
type Adapter struct {
	name    string
	cfg     config.GitSource
	filter  sources.FileFilter
	ignore  ignore.Loader
	logger  *logging.Logger
	tempDir sources.TempDirFunc
}

// Factory adapts New to the registry signature.
func Factory(name string, cfg any, deps sources.Deps) (sources.Adapter, error) {
	c, ok := cfg.(config.GitSource)
	if !ok {
		return nil, errkind.New(errkind.Config, "git source %q: unexpected config type %T", name, cfg)
	}
	return New(name, c, deps)
}

func New(name string, cfg config.GitSource, deps sources.Deps) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, errkind.New(errkind.Config, "git source %q: base_url is required", name)
	}
	maxSize := cfg.MaxFileSize
	if maxSize == 0 {
		maxSize = deps.MaxFileSize
	}
	filter := sources.FileFilter{
		Include:   cfg.IncludePaths,
		Exclude:   cfg.ExcludePaths,
		FileTypes: cfg.FileTypes,
		MaxSize:   maxSize,
	}
	if err := filter.Validate(); err != nil {
		return nil, errkind.Wrap(errkind.Config, fmt.Errorf("git source %q: %w", name, err))
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	tempDir := deps.TempDir
	if tempDir == nil {
		tempDir = func(pattern string) (string, error) {
			return os.MkdirTemp("", pattern)
		}
	}
	return &Adapter{
		name:    name,
		cfg:     cfg,
		filter:  filter,
		ignore:  ignore.Default(),
		logger:  logger.Named("gitrepo"),
		tempDir: tempDir,
	}, nil
}

func (a *Adapter) Type() string { return config.SourceTypeGit }
func (a *Adapter) Name() string { return a.name }

// Check lists the remote's references without cloning, which
// exercises the URL, credentials, and the configured branch.
func (a *Adapter) Check(ctx context.Context) error {
	rem := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{a.cfg.BaseURL},
	})
	opts := &git.ListOptions{}
	if a.cfg.Token.IsSet() {
		opts.Auth = &githttp.BasicAuth{Username: "token", Password: a.cfg.Token.Value()}
	}
	refs, err := rem.ListContext(ctx, opts)
	if err != nil {
		return a.classifyRemote(ctx, "list", err)
	}
	if a.cfg.Branch == "" {
		return nil
	}
	want := plumbing.NewBranchReferenceName(a.cfg.Branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return nil
		}
	}
	return errkind.New(errkind.Config, "git source %q: branch %q not found on %s", a.name, a.cfg.Branch, a.cfg.BaseURL)
}

func (a *Adapter) Discover(ctx context.Context, emit sources.EmitFunc) error {
	dir, err := a.tempDir("qloader-git-*")
	if err != nil {
		return fmt.Errorf("git source %q: temp dir: %w", a.name, err)
	}

	opts := &git.CloneOptions{
		URL:          a.cfg.BaseURL,
		SingleBranch: true,
		Depth:        1,
		Tags:         git.NoTags,
	}
	if a.cfg.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(a.cfg.Branch)
	}
	if a.cfg.Token.IsSet() {
		opts.Auth = &githttp.BasicAuth{Username: "token", Password: a.cfg.Token.Value()}
	}

	a.logger.Debug(ctx, "cloning repository",
		zap.String("source", a.name),
		zap.String("url", a.cfg.BaseURL),
		zap.String("branch", a.cfg.Branch))

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			a.logger.Warn(ctx, "repository is empty", zap.String("source", a.name))
			return nil
		}
		return a.classifyRemote(ctx, "clone", err)
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("git source %q: resolve head: %w", a.name, err)
	}
	sha := head.Hash().String()

	branch := a.cfg.Branch
	if branch == "" && head.Name().IsBranch() {
		branch = head.Name().Short()
	}

	var commitTime time.Time
	if commit, err := repo.CommitObject(head.Hash()); err == nil {
		commitTime = commit.Committer.When.UTC()
	}

	repoMeta := a.githubMetadata(ctx)

	filter := a.filter
	ignored, err := a.ignore.Patterns(dir)
	if err != nil {
		return fmt.Errorf("git source %q: %w", a.name, err)
	}
	filter.Exclude = append(append([]string{}, filter.Exclude...), ignored...)

	emitted := 0
	err = sources.WalkFiles(ctx, dir, filter, func(abs, rel string, fi fs.FileInfo) error {
		emitted++
		return emit(a.header(abs, rel, fi, sha, branch, commitTime, repoMeta))
	})
	if err != nil {
		if ctx.Err() != nil {
			return errkind.Wrap(errkind.Cancelled, err)
		}
		return fmt.Errorf("git source %q: walk clone: %w", a.name, err)
	}

	a.logger.Debug(ctx, "clone enumerated",
		zap.String("source", a.name),
		zap.String("commit", sha),
		zap.Int("emitted", emitted))
	return nil
}

func (a *Adapter) classifyRemote(ctx context.Context, op string, err error) error {
	wrapped := fmt.Errorf("git source %q: %s %s: %w", a.name, op, a.cfg.BaseURL, err)
	switch {
	case ctx.Err() != nil:
		return errkind.Wrap(errkind.Cancelled, wrapped)
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return errkind.Wrap(errkind.Auth, wrapped)
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, plumbing.ErrReferenceNotFound),
		strings.Contains(err.Error(), "couldn't find remote ref"):
		return errkind.Wrap(errkind.Config, wrapped)
	default:
		return errkind.Wrap(errkind.Transient, wrapped)
	}
}

func (a *Adapter) header(abs, rel string, fi fs.FileInfo, sha, branch string, commitTime time.Time, repoMeta map[string]any) document.Header {
	fileURL := a.fileURL(rel, branch)
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(rel)), ".")

	meta := map[string]any{
		document.MetaFileName: filepath.Base(rel),
		document.MetaFileSize: fi.Size(),
	}
	if ext != "" {
		meta[document.MetaFileType] = ext
	}
	for k, v := range repoMeta {
		meta[k] = v
	}

	return document.Header{
		ID:         identity.DocumentID(config.SourceTypeGit, a.name, fileURL),
		Title:      filepath.Base(rel),
		SourceType: config.SourceTypeGit,
		SourceName: a.name,
		URL:        fileURL,
		Version:    sha,
		Metadata:   meta,
		UpdatedAt:  commitTime,
		Fetch: func(context.Context) ([]byte, error) {
			data, err := os.ReadFile(abs)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, errkind.New(errkind.NotFound, "clone file %s no longer exists", abs)
				}
				return nil, fmt.Errorf("read %s: %w", abs, err)
			}
			return data, nil
		},
	}
}

// fileURL is the stable per-file address identity hashes. GitHub
// remotes get a browsable blob URL; anything else appends the path to
// the remote.
func (a *Adapter) fileURL(rel, branch string) string {
	if owner, repo, ok := parseGitHubRepo(a.cfg.BaseURL); ok {
		if branch == "" {
			branch = "HEAD"
		}
		return fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s", owner, repo, branch, rel)
	}
	return strings.TrimSuffix(a.cfg.BaseURL, ".git") + "/" + rel
}

// githubMetadata enriches headers with repository description, default
// branch, and topics. It needs a token and a github.com remote;
// failures only cost the enrichment.
func (a *Adapter) githubMetadata(ctx context.Context) map[string]any {
	owner, repoName, ok := parseGitHubRepo(a.cfg.BaseURL)
	if !ok || !a.cfg.Token.IsSet() {
		return nil
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: a.cfg.Token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))

	repo, _, err := client.Repositories.Get(ctx, owner, repoName)
	if err != nil {
		a.logger.Warn(ctx, "github metadata fetch failed",
			zap.String("source", a.name),
			zap.String("repo", owner+"/"+repoName),
			zap.Error(err))
		return nil
	}

	meta := make(map[string]any)
	if d := repo.GetDescription(); d != "" {
		meta["repository_description"] = d
	}
	if b := repo.GetDefaultBranch(); b != "" {
		meta["default_branch"] = b
	}
	if len(repo.Topics) > 0 {
		meta[document.MetaTags] = append([]string{}, repo.Topics...)
	}
	return meta
}

var (
	githubSSHPattern   = regexp.MustCompile(`^git@github\.com:([^/]+)/(.+?)(?:\.git)?$`)
	githubHTTPSPattern = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+?)(?:\.git)?/?$`)
)

func parseGitHubRepo(remote string) (owner, repo string, ok bool) {
	for _, re := range []*regexp.Regexp{githubSSHPattern, githubHTTPSPattern} {
		if m := re.FindStringSubmatch(remote); m != nil {
			return m[1], m[2], true
		}
	}
	return "", "", false
}
