package blobstore

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
)

// FileStore is the local-filesystem Store implementation: a tree rooted
// at rootDirectory, one directory per run, temp-then-rename commit.
type FileStore struct {
	root string
}

// NewFileStore opens (creating if absent) a FileStore rooted at root.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Io, err, "creating blob store root %s", root)
	}
	return &FileStore{root: root}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

type fileWriter struct {
	tmpPath  string
	finalPath string
	f        *os.File
}

func (f *FileStore) OpenWriter(key string) (Writer, error) {
	finalPath := f.path(key)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Io, err, "creating directory for %s", key)
	}
	tmpPath := finalPath + ".tmp"
	fh, err := os.Create(tmpPath)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Io, err, "opening %s for write", tmpPath)
	}
	return &fileWriter{tmpPath: tmpPath, finalPath: finalPath, f: fh}, nil
}

func (w *fileWriter) WriteRecord(rec []byte) error {
	if err := writeLengthPrefixed(w.f, rec); err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "writing record to %s", w.tmpPath)
	}
	return nil
}

// Close flushes, fsyncs, and atomically renames the temp object into
// place. A crash before Close leaves only the .tmp file, which listings
// filter out.
func (w *fileWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return pkgerrors.Wrap(pkgerrors.Io, err, "syncing %s", w.tmpPath)
	}
	if err := w.f.Close(); err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "closing %s", w.tmpPath)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return pkgerrors.Wrap(pkgerrors.Io, err, "committing %s", w.finalPath)
	}
	return nil
}

func (f *FileStore) Exists(key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, pkgerrors.Wrap(pkgerrors.Io, err, "stat %s", key)
}

func (f *FileStore) Read(key string, handle func(io.Reader) error) error {
	fh, err := os.Open(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return pkgerrors.Wrap(pkgerrors.Io, err, "key not found: %s", key).WithContext("notFound", true)
		}
		return pkgerrors.Wrap(pkgerrors.Io, err, "opening %s", key)
	}
	defer fh.Close()
	return handle(fh)
}

// ListKeys returns every key under prefix, filtering out .tmp objects.
// Order is unspecified (spec.md: "unordered set").
func (f *FileStore) ListKeys(prefix string) ([]string, error) {
	root := f.path(prefix)
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, rerr := filepath.Rel(f.root, path)
		if rerr != nil {
			return rerr
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Io, err, "listing %s", prefix)
	}
	return out, nil
}

// ListRunIDs lists the top-level run directories, sorted oldest first
// by the run id's own embedded timestamp (see SortRunIDsByTimestampPrefix),
// restricted to those lexicographically after afterRunID when provided.
func (f *FileStore) ListRunIDs(afterRunID string) ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.Io, err, "listing run ids")
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if afterRunID == "" || e.Name() > afterRunID {
			ids = append(ids, e.Name())
		}
	}
	SortRunIDsByTimestampPrefix(ids)
	return ids, nil
}

func (f *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
