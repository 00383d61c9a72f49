package sources

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
)

// WalkFiles walks root and invokes fn for every regular file the
// filter admits, in lexical order. File symlinks are resolved;
// directory names in SkipDirs are pruned.
func WalkFiles(ctx context.Context, root string, filter FileFilter, fn func(abs, rel string, fi fs.FileInfo) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && SkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		fi, err := statEntry(p, d)
		if err != nil || fi == nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !filter.Admit(rel, fi.Size()) {
			return nil
		}
		return fn(p, rel, fi)
	})
}

// statEntry stats through file symlinks and drops everything that is
// not a regular file. A nil FileInfo means skip.
func statEntry(p string, d fs.DirEntry) (fs.FileInfo, error) {
	if d.Type()&fs.ModeSymlink != 0 {
		fi, err := os.Stat(p)
		if err != nil || !fi.Mode().IsRegular() {
			return nil, nil
		}
		return fi, nil
	}
	if !d.Type().IsRegular() {
		return nil, nil
	}
	return d.Info()
}
