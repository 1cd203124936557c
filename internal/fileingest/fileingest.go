// Package fileingest discovers ingestable documents on the local filesystem.
package fileingest

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// File is one regular file discovered under an ingestion root.
type File struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
}

// Discover walks root and returns every regular, non-hidden file whose
// extension (case-insensitive, without the dot) is in exts. Hidden
// directories are skipped whole. Paths that cannot be accessed are collected
// in inaccessible instead of aborting the walk, so one unreadable
// subdirectory does not sink a bulk ingestion.
func Discover(ctx context.Context, root string, exts []string) (files []File, inaccessible []string, err error) {
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			allowed[e] = true
		}
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if walkErr != nil {
			inaccessible = append(inaccessible, path)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(d.Name()), "."))
		if !allowed[ext] {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			inaccessible = append(inaccessible, path)
			return nil
		}
		files = append(files, File{
			Path:    path,
			Name:    d.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return files, inaccessible, nil
}
