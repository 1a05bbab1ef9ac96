package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const maxFilenameLength = 255

// ErrInvalidFilename indicates the announced name is unsafe to write.
var ErrInvalidFilename = errors.New("invalid filename")

// Artifact is a reassembled file held in memory as the ordered list of
// received chunks.
type Artifact struct {
	Name  string
	Size  uint64
	parts [][]byte
}

// NewArtifact wraps already-ordered chunks.
func NewArtifact(name string, parts [][]byte) *Artifact {
	var size uint64
	for _, p := range parts {
		size += uint64(len(p))
	}
	return &Artifact{Name: name, Size: size, parts: parts}
}

// Reader streams the artifact without copying it.
func (a *Artifact) Reader() io.Reader {
	readers := make([]io.Reader, 0, len(a.parts))
	for _, p := range a.parts {
		readers = append(readers, bytes.NewReader(p))
	}
	return io.MultiReader(readers...)
}

// Bytes returns the artifact as one contiguous slice.
func (a *Artifact) Bytes() []byte {
	out := make([]byte, 0, a.Size)
	for _, p := range a.parts {
		out = append(out, p...)
	}
	return out
}

// WriteTo writes every chunk to w in order.
func (a *Artifact) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, p := range a.parts {
		m, err := w.Write(p)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// SaveTo writes the artifact into dir under its announced base name and
// returns the path. The file is written to a temporary name first and
// renamed once complete.
func (a *Artifact) SaveTo(dir string) (string, error) {
	name := filepath.Base(a.Name)
	if err := validateFilename(name); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrAssembly, a.Name, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create output dir: %v", ErrAssembly, err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".part-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %v", ErrAssembly, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := a.WriteTo(tmp); err != nil {
		cleanup()
		return "", fmt.Errorf("%w: write: %v", ErrAssembly, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("%w: close: %v", ErrAssembly, err)
	}

	outPath := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("%w: rename: %v", ErrAssembly, err)
	}
	return outPath, nil
}

// validateFilename ensures the filename is safe:
// - Must be a base name (no path separators)
// - Must not be empty
// - Must not exceed max length
func validateFilename(filename string) error {
	if filename == "" {
		return ErrInvalidFilename
	}
	if strings.Contains(filename, "/") || strings.Contains(filename, "\\") {
		return ErrInvalidFilename
	}
	if filename == "." || filename == ".." {
		return ErrInvalidFilename
	}
	if len(filename) > maxFilenameLength {
		return ErrInvalidFilename
	}
	return nil
}
