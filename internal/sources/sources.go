// Package sources defines the adapter contract that every connector
// implements and the registry that materializes adapters from project
// configuration. Adapters enumerate documents lazily: Discover emits
// one header per document and the pipeline decides later whether the
// content is worth fetching.
package sources

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/fetch"
	"github.com/fyrsmithlabs/qloader/internal/logging"
)

// EmitFunc receives one discovered header. A non-nil return aborts the
// enumeration; adapters propagate it unchanged.
type EmitFunc func(document.Header) error

// Adapter enumerates one configured source instance.
//
// Discover returns nil only when the enumeration was complete. The
// orchestrator relies on that contract: a source whose discovery
// failed partway is never swept for orphans, because absence from a
// partial listing proves nothing.
type Adapter interface {
	Type() string
	Name() string
	Discover(ctx context.Context, emit EmitFunc) error
}

// Checker is implemented by adapters that can probe their upstream
// without enumerating it. Project validation uses it to confirm
// reachability and credentials before any run starts.
type Checker interface {
	Check(ctx context.Context) error
}

// TempDirFunc hands out scratch directories that outlive Discover.
// Git clones land there so fetch thunks can still read files after
// enumeration returns; the lifecycle owner removes them at shutdown.
type TempDirFunc func(pattern string) (string, error)

// Deps carries the shared services adapters draw on.
type Deps struct {
	Fetch   *fetch.Client
	Logger  *logging.Logger
	TempDir TempDirFunc

	// MaxFileSize caps attachment and asset downloads. Zero means the
	// fetch client default applies.
	MaxFileSize int64
}

// Factory builds one adapter from its decoded source configuration.
// cfg is the config struct registered for the factory's source type;
// factories type-assert and reject anything else.
type Factory func(name string, cfg any, deps Deps) (Adapter, error)

// Registry maps source-type strings to factories. Concrete adapter
// packages register themselves from the binary's wiring code, which
// keeps this package free of dependencies on its implementations.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory for a source type. Duplicate
// registrations are a wiring bug and are rejected.
func (r *Registry) Register(sourceType string, f Factory) error {
	if sourceType == "" {
		return errkind.New(errkind.Config, "source type is required")
	}
	if f == nil {
		return errkind.New(errkind.Config, "source factory for %q is nil", sourceType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[sourceType]; ok {
		return errkind.New(errkind.Config, "source type %q registered twice", sourceType)
	}
	r.factories[sourceType] = f
	return nil
}

// Types returns the registered source types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build constructs one adapter per configured source, type by type,
// names sorted within each type so runs enumerate deterministically.
func (r *Registry) Build(s config.Sources, deps Deps) ([]Adapter, error) {
	adapters := make([]Adapter, 0, s.Count())

	add := func(sourceType, name string, cfg any) error {
		r.mu.RLock()
		factory, ok := r.factories[sourceType]
		r.mu.RUnlock()
		if !ok {
			return errkind.New(errkind.Config, "no adapter registered for source type %q", sourceType)
		}
		a, err := factory(name, cfg, deps)
		if err != nil {
			return err
		}
		adapters = append(adapters, a)
		return nil
	}

	for _, name := range sortedKeys(s.LocalFile) {
		if err := add(config.SourceTypeLocalFile, name, s.LocalFile[name]); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedKeys(s.Git) {
		if err := add(config.SourceTypeGit, name, s.Git[name]); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedKeys(s.Confluence) {
		if err := add(config.SourceTypeConfluence, name, s.Confluence[name]); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedKeys(s.Jira) {
		if err := add(config.SourceTypeJira, name, s.Jira[name]); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedKeys(s.PublicDocs) {
		if err := add(config.SourceTypePublicDocs, name, s.PublicDocs[name]); err != nil {
			return nil, err
		}
	}
	return adapters, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SkipDirs are directory names no walk descends into.
var SkipDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
	"dist":         true,
	"build":        true,
	"target":       true,
}

// FileFilter admits files by glob pattern, extension, and size. Paths
// are slash-separated and relative to the source root.
type FileFilter struct {
	Include   []string
	Exclude   []string
	FileTypes []string
	MaxSize   int64
}

// Validate rejects malformed glob patterns up front so a typo fails
// the run instead of silently matching nothing.
func (f FileFilter) Validate() error {
	for _, p := range append(append([]string{}, f.Include...), f.Exclude...) {
		if _, err := path.Match(strings.TrimPrefix(p, "**/"), "probe"); err != nil {
			return errkind.New(errkind.Config, "invalid glob pattern %q", p)
		}
	}
	return nil
}

// Admit reports whether a file passes the filter. Excludes win over
// includes; an empty include list admits everything.
func (f FileFilter) Admit(relPath string, size int64) bool {
	if f.MaxSize > 0 && size > f.MaxSize {
		return false
	}
	for _, p := range f.Exclude {
		if MatchGlob(p, relPath) {
			return false
		}
	}
	if len(f.FileTypes) > 0 && !f.admitType(relPath) {
		return false
	}
	if len(f.Include) > 0 {
		for _, p := range f.Include {
			if MatchGlob(p, relPath) {
				return true
			}
		}
		return false
	}
	return true
}

func (f FileFilter) admitType(relPath string) bool {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(relPath), "."))
	if ext == "" {
		return false
	}
	for _, t := range f.FileTypes {
		if ext == strings.ToLower(strings.TrimPrefix(t, ".")) {
			return true
		}
	}
	return false
}

// MatchGlob matches one glob against a slash-separated relative path.
// path.Match stops at separators, so double-star forms are handled by
// prefix and segment containment: "docs/**" admits the docs subtree,
// "**/*.md" admits the pattern at any depth.
func MatchGlob(pattern, relPath string) bool {
	if ok, _ := path.Match(pattern, relPath); ok {
		return true
	}
	if ok, _ := path.Match(pattern, path.Base(relPath)); ok {
		return true
	}
	if dir, found := strings.CutSuffix(pattern, "/**"); found {
		dir = strings.TrimPrefix(dir, "**/")
		if relPath == dir || strings.HasPrefix(relPath, dir+"/") || strings.Contains(relPath, "/"+dir+"/") {
			return true
		}
	}
	if tail, found := strings.CutPrefix(pattern, "**/"); found {
		segments := strings.Split(relPath, "/")
		for i := range segments {
			if ok, _ := path.Match(tail, strings.Join(segments[i:], "/")); ok {
				return true
			}
		}
	}
	return false
}
