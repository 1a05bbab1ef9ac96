package transfer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Source is a file offered for sending. Segments are read concurrently at
// independent offsets, so it must support ReadAt.
type Source interface {
	io.ReaderAt
	Name() string
	Size() uint64
}

// FileSource is a Source backed by a file on disk.
type FileSource struct {
	f    *os.File
	name string
	size uint64
}

// OpenFile opens path for sending. The announced name is the base name.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &FileSource{
		f:    f,
		name: filepath.Base(path),
		size: uint64(info.Size()),
	}, nil
}

func (s *FileSource) Name() string { return s.name }
func (s *FileSource) Size() uint64 { return s.size }

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	return s.f.Close()
}

type bytesSource struct {
	*bytes.Reader
	name string
}

// BytesSource wraps an in-memory buffer as a Source.
func BytesSource(name string, data []byte) Source {
	return &bytesSource{Reader: bytes.NewReader(data), name: name}
}

func (s *bytesSource) Name() string { return s.name }
func (s *bytesSource) Size() uint64 { return uint64(s.Reader.Size()) }
