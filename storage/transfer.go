package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"

	"gpu-job-fetcher/core/models"
)

var (
	ErrDownloadFailure      = errors.New("download failed")
	ErrUploadFailure        = errors.New("upload failed")
	ErrPathNotUnderRoot     = errors.New("path is not under the upload root")
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// FileClient moves bytes between the staging area and the coordinator
type FileClient interface {
	GetFile(ctx context.Context, fileID, path string) error
	PutFile(ctx context.Context, path string, fileType models.FileType, relPath string) error
}

// DownloadHandle materializes one remote file at Path
type DownloadHandle struct {
	Path   string
	FileID string
	client FileClient
}

// NewDownloadHandle binds a remote file id to a local path
func NewDownloadHandle(path, fileID string, client FileClient) *DownloadHandle {
	return &DownloadHandle{Path: path, FileID: fileID, client: client}
}

// Get fetches the file, creating parent directories first
func (d *DownloadHandle) Get(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.Path), 0o755); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDownloadFailure, d.Path, err)
	}
	if err := d.client.GetFile(ctx, d.FileID, d.Path); err != nil {
		return fmt.Errorf("%w: file %s to %s: %w", ErrDownloadFailure, d.FileID, d.Path, err)
	}
	return nil
}

// UploadHandle is a local path pushed under a category.
// Its remote name is its path relative to Root.
type UploadHandle struct {
	Path   string
	Type   models.FileType
	Root   string
	client FileClient
}

// NewUploadHandle binds a local path to an upload category
func NewUploadHandle(path string, fileType models.FileType, root string, client FileClient) *UploadHandle {
	return &UploadHandle{Path: path, Type: fileType, Root: root, client: client}
}

// With returns a handle for another path sharing category and root
func (u *UploadHandle) With(path string) *UploadHandle {
	return &UploadHandle{Path: path, Type: u.Type, Root: u.Root, client: u.client}
}

// RelPath returns the path relative to the upload root
func (u *UploadHandle) RelPath() (string, error) {
	rel, err := filepath.Rel(u.Root, u.Path)
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s not under %s", ErrPathNotUnderRoot, u.Path, u.Root)
	}
	return rel, nil
}

// IsDir reports whether the path is an existing directory. Symlinks are not followed.
func (u *UploadHandle) IsDir() bool {
	info, err := os.Lstat(u.Path)
	return err == nil && info.IsDir()
}

// IsFile reports whether the path is an existing regular file. Symlinks are not followed.
func (u *UploadHandle) IsFile() bool {
	info, err := os.Lstat(u.Path)
	return err == nil && info.Mode().IsRegular()
}

// IsSymlink reports whether the path itself is a symbolic link
func (u *UploadHandle) IsSymlink() bool {
	info, err := os.Lstat(u.Path)
	return err == nil && info.Mode()&fs.ModeSymlink != 0
}

// Mkdir creates the directory and its parents
func (u *UploadHandle) Mkdir() error {
	return os.MkdirAll(u.Path, 0o755)
}

// Push uploads a regular file. Directories and symlinks are rejected.
func (u *UploadHandle) Push(ctx context.Context) error {
	if u.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrUnsupportedOperation, u.Path)
	}
	// the container owns the staging area and may link anywhere on the host
	if u.IsSymlink() {
		return fmt.Errorf("%w: %s is a symlink", ErrUnsupportedOperation, u.Path)
	}
	rel, err := u.RelPath()
	if err != nil {
		return err
	}
	if err := u.client.PutFile(ctx, u.Path, u.Type, rel); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			return err
		}
		return fmt.Errorf("%w: %s (%s): %w", ErrUploadFailure, rel, u.Type, err)
	}
	return nil
}

// Glob matches pattern against the entries directly under the handle
func (u *UploadHandle) Glob(pattern string) ([]*UploadHandle, error) {
	matches, err := filepath.Glob(filepath.Join(u.Path, pattern))
	if err != nil {
		return nil, err
	}
	out := make([]*UploadHandle, 0, len(matches))
	for _, m := range matches {
		out = append(out, u.With(m))
	}
	return out, nil
}

// RGlob matches pattern against the base name of every entry below the handle.
// Directories are included; callers pushing the result filter them out.
func (u *UploadHandle) RGlob(pattern string) ([]*UploadHandle, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, err
	}
	var out []*UploadHandle
	err := filepath.WalkDir(u.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == u.Path {
				return filepath.SkipDir
			}
			return err
		}
		if path == u.Path {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			out = append(out, u.With(path))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Files returns every regular file below the handle, in lexical order.
// Symlinks are skipped, as are directories reached through them.
func (u *UploadHandle) Files() ([]*UploadHandle, error) {
	all, err := u.RGlob("*")
	if err != nil {
		return nil, err
	}
	var files []*UploadHandle
	for _, h := range all {
		switch {
		case h.IsSymlink():
			log.Printf("WARNING: Skipping symlink %s", h.Path)
		case h.IsFile():
			files = append(files, h)
		}
	}
	return files, nil
}

// Transfers are the bound handles of one job
type Transfers struct {
	Downloads []*DownloadHandle
	Uploads   []*UploadHandle
}

// MapTransfers binds the job's declared files to the staging area.
// Upload roots are the staging directory itself, so the pushed relative path
// keeps the category's base directory.
func MapTransfers(job models.JobSpecs, area *StagingArea, client FileClient) (*Transfers, error) {
	t := &Transfers{}

	rels := make([]string, 0, len(job.Handler.FilesDown))
	for rel := range job.Handler.FilesDown {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		path, err := area.Join(rel)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", rel, err)
		}
		t.Downloads = append(t.Downloads, NewDownloadHandle(path, job.Handler.FilesDown[rel], client))
	}

	for _, category := range job.UploadCategories() {
		if !category.Valid() {
			return nil, fmt.Errorf("unknown upload category %q", category)
		}
		base := job.Handler.FilesUp[category]
		path, err := area.Join(base)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", category, err)
		}
		t.Uploads = append(t.Uploads, NewUploadHandle(path, category, area.Path(), client))
	}
	return t, nil
}
