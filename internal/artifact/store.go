// Package artifact owns the per-job working areas on disk.
//
// Every job gets <root>/<job id>/ with inputs/, work/ and output/ below it.
// Paths are derived from the job id alone, so one job's cleanup can never
// reach another job's files.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrTooLarge    = errors.New("file too large")
	ErrOutsideArea = errors.New("path outside job area")
	ErrNoArea      = errors.New("job area does not exist")
)

const resultBase = "result"

type Area struct {
	Root   string
	Inputs string
	Work   string
	Output string
}

type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

// Area returns the layout for id without touching the filesystem.
func (s *Store) Area(id uuid.UUID) Area {
	dir := filepath.Join(s.root, id.String())
	return Area{
		Root:   dir,
		Inputs: filepath.Join(dir, "inputs"),
		Work:   filepath.Join(dir, "work"),
		Output: filepath.Join(dir, "output"),
	}
}

// Allocate creates the job's directories. Allocating an existing area is fine.
func (s *Store) Allocate(id uuid.UUID) (Area, error) {
	a := s.Area(id)
	for _, dir := range []string{a.Inputs, a.Work, a.Output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Area{}, fmt.Errorf("allocate %s: %w", id, err)
		}
	}
	return a, nil
}

// SaveInput copies r into the job's inputs directory, refusing anything
// larger than limit bytes (limit <= 0 disables the check).
func (s *Store) SaveInput(id uuid.UUID, slot, filename string, r io.Reader, limit int64) (string, error) {
	a := s.Area(id)
	if _, err := os.Stat(a.Inputs); err != nil {
		return "", ErrNoArea
	}

	name := slot + "_" + SafeFilename(filename)
	dst := filepath.Join(a.Inputs, name)

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()

	if copyErr == nil && limit > 0 && n > limit {
		copyErr = ErrTooLarge
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(dst)
		return "", copyErr
	}
	return dst, nil
}

// Finalize moves the adapter's raw output into output/result<ext>. The
// rename is atomic on one filesystem, so the canonical path either holds
// the whole artifact or nothing.
func (s *Store) Finalize(id uuid.UUID, rawPath string) (string, error) {
	a := s.Area(id)
	if !within(a.Root, rawPath) {
		return "", fmt.Errorf("%w: %s", ErrOutsideArea, rawPath)
	}
	info, err := os.Stat(rawPath)
	if err != nil {
		return "", fmt.Errorf("output not created: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("output is a directory: %s", rawPath)
	}

	if err := os.MkdirAll(a.Output, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(a.Output, resultBase+strings.ToLower(filepath.Ext(rawPath)))
	if filepath.Clean(rawPath) == dst {
		return dst, nil
	}
	if err := os.Rename(rawPath, dst); err != nil {
		return "", fmt.Errorf("finalize output: %w", err)
	}
	return dst, nil
}

// Cleanup removes the job's area. It reports false when there was nothing
// to remove, which is not an error.
func (s *Store) Cleanup(id uuid.UUID) (bool, error) {
	dir := s.Area(id).Root
	if _, err := os.Lstat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("cleanup %s: %w", id, err)
	}
	return true, nil
}

// Owns reports whether path lies inside id's area.
func (s *Store) Owns(id uuid.UUID, path string) bool {
	return within(s.Area(id).Root, path)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SafeFilename keeps the base name of an uploaded file and drops anything
// outside [A-Za-z0-9._-]. The extension survives even when the stem does
// not; an empty stem becomes "upload".
func SafeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, name)
	ext := filepath.Ext(name)
	if ext == "." {
		ext = ""
	}
	stem := strings.TrimLeft(strings.TrimSuffix(name, ext), "._")
	if stem == "" {
		stem = "upload"
	}
	return stem + ext
}
