package export

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/omondi/geoportal/internal/model"
)

// Job owns the temporary directory of one export. The directory is never
// shared or reused; Close removes it on every exit path, independent of
// whether the archive was delivered.
type Job struct {
	dir  string
	base string
}

// NewJob creates the job's scratch directory under root (or the system
// temp dir when root is empty).
func NewJob(root, base string) (*Job, error) {
	dir, err := os.MkdirTemp(root, "export_")
	if err != nil {
		return nil, fmt.Errorf("create export scratch dir: %w", err)
	}
	return &Job{dir: dir, base: base}, nil
}

func (j *Job) Dir() string  { return j.dir }
func (j *Job) Base() string { return j.base }

// ArchiveName is the suggested download file name.
func (j *Job) ArchiveName() string { return j.base + ".zip" }

// Package zips exactly the given files (flat, by base name) and returns the
// archive bytes. Every file must live inside the job's directory; anything
// else is a bug in the caller and is refused.
func (j *Job) Package(files []string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		if filepath.Dir(f) != j.dir {
			zw.Close()
			return nil, fmt.Errorf("%w: file %s outside job scope", model.ErrExportFailed, f)
		}
		if err := addToZip(zw, f); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

func addToZip(zw *zip.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s for archiving: %w", path, err)
	}
	defer src.Close()

	dst, err := zw.Create(filepath.Base(path))
	if err != nil {
		return fmt.Errorf("add %s to archive: %w", filepath.Base(path), err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("compress %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Close removes the job's directory and everything in it.
func (j *Job) Close() error {
	return os.RemoveAll(j.dir)
}
