// Package localfile walks a directory tree and emits one header per
// admitted file. The version signal is mtime plus size, so unchanged
// files are classified without being read.
package localfile

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/identity"
	"github.com/fyrsmithlabs/qloader/internal/ignore"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/sources"
)

// Adapter enumerates files under a base path.
type Adapter struct {
	name   string
	cfg    config.LocalFileSource
	filter sources.FileFilter
	ignore ignore.Loader
	logger *logging.Logger
}

// Factory adapts New to the registry signature.
func Factory(name string, cfg any, deps sources.Deps) (sources.Adapter, error) {
	c, ok := cfg.(config.LocalFileSource)
	if !ok {
		return nil, errkind.New(errkind.Config, "localfile source %q: unexpected config type %T", name, cfg)
	}
	return New(name, c, deps)
}

func New(name string, cfg config.LocalFileSource, deps sources.Deps) (*Adapter, error) {
	if cfg.BasePath == "" {
		return nil, errkind.New(errkind.Config, "localfile source %q: base_path is required", name)
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
		return nil, errkind.Wrap(errkind.Config, fmt.Errorf("localfile source %q: %w", name, err))
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Adapter{
		name:   name,
		cfg:    cfg,
		filter: filter,
		ignore: ignore.Default(),
		logger: logger.Named("localfile"),
	}, nil
}

func (a *Adapter) Type() string { return config.SourceTypeLocalFile }
func (a *Adapter) Name() string { return a.name }

// Check verifies the base path resolves to a readable directory.
func (a *Adapter) Check(ctx context.Context) error {
	root, err := filepath.Abs(a.cfg.BasePath)
	if err != nil {
		return errkind.New(errkind.Config, "localfile source %q: resolve base_path: %v", a.name, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return errkind.New(errkind.Config, "localfile source %q: base_path %s does not exist", a.name, root)
		}
		return fmt.Errorf("localfile source %q: stat base_path: %w", a.name, err)
	}
	if !info.IsDir() {
		return errkind.New(errkind.Config, "localfile source %q: base_path %s is not a directory", a.name, root)
	}
	f, err := os.Open(root)
	if err != nil {
		return errkind.New(errkind.Auth, "localfile source %q: base_path %s is not readable: %v", a.name, root, err)
	}
	return f.Close()
}

func (a *Adapter) Discover(ctx context.Context, emit sources.EmitFunc) error {
	root, err := filepath.Abs(a.cfg.BasePath)
	if err != nil {
		return errkind.New(errkind.Config, "localfile source %q: resolve base_path: %v", a.name, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return errkind.New(errkind.Config, "localfile source %q: base_path %s does not exist", a.name, root)
		}
		return fmt.Errorf("localfile source %q: stat base_path: %w", a.name, err)
	}
	if !info.IsDir() {
		return errkind.New(errkind.Config, "localfile source %q: base_path %s is not a directory", a.name, root)
	}

	filter := a.filter
	ignored, err := a.ignore.Patterns(root)
	if err != nil {
		return fmt.Errorf("localfile source %q: %w", a.name, err)
	}
	filter.Exclude = append(append([]string{}, filter.Exclude...), ignored...)

	emitted := 0
	err = sources.WalkFiles(ctx, root, filter, func(abs, rel string, fi fs.FileInfo) error {
		emitted++
		return emit(a.header(abs, rel, fi))
	})
	if err != nil {
		if ctx.Err() != nil {
			return errkind.Wrap(errkind.Cancelled, err)
		}
		return fmt.Errorf("localfile source %q: walk: %w", a.name, err)
	}

	a.logger.Debug(ctx, "walk complete",
		zap.String("source", a.name),
		zap.String("root", root),
		zap.Int("emitted", emitted))
	return nil
}

func (a *Adapter) header(abs, rel string, fi fs.FileInfo) document.Header {
	rawURL := "file://" + filepath.ToSlash(abs)
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(rel)), ".")

	meta := map[string]any{
		document.MetaFileName: filepath.Base(rel),
		document.MetaFileSize: fi.Size(),
	}
	if ext != "" {
		meta[document.MetaFileType] = ext
	}

	return document.Header{
		ID:         identity.DocumentID(config.SourceTypeLocalFile, a.name, rawURL),
		Title:      filepath.Base(rel),
		SourceType: config.SourceTypeLocalFile,
		SourceName: a.name,
		URL:        rawURL,
		Version:    fmt.Sprintf("%d:%d", fi.ModTime().UnixNano(), fi.Size()),
		Metadata:   meta,
		UpdatedAt:  fi.ModTime().UTC(),
		Fetch: func(context.Context) ([]byte, error) {
			data, err := os.ReadFile(abs)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, errkind.New(errkind.NotFound, "file %s no longer exists", abs)
				}
				return nil, fmt.Errorf("read %s: %w", abs, err)
			}
			return data, nil
		},
	}
}
