package storage

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/foundry/repos/internal/core/services"
)

// Archive writes every file and directory under the root into a zip file
// created in the system temp directory and returns its path. The caller owns
// the returned file.
func (s *DiskBlobStorage) Archive() (string, error) {
	out, err := os.CreateTemp("", "repos-*.zip")
	if err != nil {
		return "", fmt.Errorf("creating archive file: %w", err)
	}
	outPath := out.Name()

	success := false
	defer func() {
		if !success {
			out.Close()
			os.Remove(outPath)
		}
	}()

	zw := zip.NewWriter(out)
	err = filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == s.root || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		return addToArchive(zw, p, filepath.ToSlash(rel), d)
	})
	if err != nil {
		return "", fmt.Errorf("archiving repository: %w", err)
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finalizing archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("closing archive file: %w", err)
	}

	success = true
	return outPath, nil
}

func addToArchive(zw *zip.Writer, p, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	if d.IsDir() {
		hdr.Name += "/"
		_, err := zw.CreateHeader(hdr)
		return err
	}
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Restore extracts the zip at archivePath into the root. With wipe set the
// current root content is removed first; otherwise entries overwrite
// colliding paths and everything else is left alone.
func (s *DiskBlobStorage) Restore(archivePath string, wipe bool) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer zr.Close()

	// Reject unsafe entries before touching the root.
	for _, f := range zr.File {
		if _, err := s.entryPath(f.Name); err != nil {
			return err
		}
	}

	if wipe {
		if err := os.RemoveAll(s.root); err != nil {
			return fmt.Errorf("wiping repository: %w", err)
		}
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("creating repository root: %w", err)
	}

	for _, f := range zr.File {
		if err := s.extract(f); err != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, err)
		}
	}
	return nil
}

func (s *DiskBlobStorage) extract(f *zip.File) error {
	dst, err := s.entryPath(f.Name)
	if err != nil {
		return err
	}
	if dst == s.root {
		return nil
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(dst, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// entryPath maps an archive entry name to a path inside the root.
func (s *DiskBlobStorage) entryPath(name string) (string, error) {
	n := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(n, "/") {
		return "", fmt.Errorf("%w: archive entry %q is absolute", services.ErrValidation, name)
	}
	for _, seg := range strings.Split(n, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: archive entry %q escapes the repository", services.ErrValidation, name)
		}
	}
	dst := filepath.Join(s.root, filepath.FromSlash(n))
	rel, err := filepath.Rel(s.root, dst)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: archive entry %q escapes the repository", services.ErrValidation, name)
	}
	return dst, nil
}
