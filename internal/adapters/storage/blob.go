package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/foundry/repos/internal/core/models"
	"github.com/foundry/repos/internal/core/services"
)

// tempPrefix marks in-flight uploads; they are skipped by listings and archives.
const tempPrefix = ".upload-"

// DiskBlobStorage stores one file per package version under a root directory.
type DiskBlobStorage struct {
	root string
}

// NewDiskBlobStorage creates a new DiskBlobStorage rooted at root.
func NewDiskBlobStorage(root string) (*DiskBlobStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving repository root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating repository root: %w", err)
	}
	return &DiskBlobStorage{root: abs}, nil
}

// Root returns the absolute repository root.
func (s *DiskBlobStorage) Root() string {
	return s.root
}

// Store streams data from r to <root>/<pkg>/<version>, computing its digest.
// It writes to a temp file next to the target then renames over it, so an
// existing blob is replaced whole.
func (s *DiskBlobStorage) Store(pkg, version string, r io.Reader) (models.BlobRef, error) {
	if err := validateElement("package", pkg); err != nil {
		return models.BlobRef{}, err
	}
	if err := validateElement("version", version); err != nil {
		return models.BlobRef{}, err
	}

	dir := filepath.Join(s.root, pkg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.BlobRef{}, fmt.Errorf("creating package directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return models.BlobRef{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Ensure cleanup on failure.
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	dw := newDigestingWriter(tmp)
	size, err := io.Copy(dw, r)
	if err != nil {
		return models.BlobRef{}, fmt.Errorf("streaming to file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return models.BlobRef{}, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, version)); err != nil {
		return models.BlobRef{}, fmt.Errorf("moving blob to final path: %w", err)
	}

	success = true
	return models.BlobRef{
		Location: pkg + "/" + version,
		Digest:   dw.Digest(),
		Size:     size,
	}, nil
}

// Read returns the content of the blob at location.
func (s *DiskBlobStorage) Read(location string) ([]byte, error) {
	p, err := s.resolve(location)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: blob %s", services.ErrNotFound, location)
		}
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

// Size returns the size of the blob at location.
func (s *DiskBlobStorage) Size(location string) (int64, error) {
	p, err := s.resolve(location)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: blob %s", services.ErrNotFound, location)
		}
		return 0, fmt.Errorf("stat blob: %w", err)
	}
	return info.Size(), nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *DiskBlobStorage) Delete(location string) error {
	p, err := s.resolve(location)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

// ListBlobs returns the slash-separated relative location of every blob.
func (s *DiskBlobStorage) ListBlobs() ([]string, error) {
	var locations []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		locations = append(locations, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking repository: %w", err)
	}
	return locations, nil
}

// resolve maps a relative location to an absolute path inside the root.
func (s *DiskBlobStorage) resolve(location string) (string, error) {
	if location == "" || filepath.IsAbs(location) {
		return "", fmt.Errorf("%w: blob %s", services.ErrNotFound, location)
	}
	for _, seg := range strings.Split(filepath.ToSlash(location), "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: blob %s", services.ErrNotFound, location)
		}
	}
	p := filepath.Join(s.root, filepath.FromSlash(location))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: blob %s", services.ErrNotFound, location)
	}
	return p, nil
}

func validateElement(field, v string) error {
	if err := services.ValidatePathElement(field, v); err != nil {
		return err
	}
	if strings.HasPrefix(v, tempPrefix) {
		return fmt.Errorf("%w: %s %q uses a reserved prefix", services.ErrValidation, field, v)
	}
	return nil
}
