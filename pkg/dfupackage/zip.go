package dfupackage

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFileSize bounds a single archive member. Wand flash is far smaller.
const DefaultMaxFileSize = 4 << 20

var ErrFileTooLarge = errors.New("package file too large")

// ZipExtractor opens packages produced by nrfutil (zip archives). MaxFileSize
// caps the uncompressed size of each member; zero means DefaultMaxFileSize.
type ZipExtractor struct {
	MaxFileSize int64
}

func (z ZipExtractor) Load(buf []byte) (Archive, error) {
	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, err
	}
	limit := z.MaxFileSize
	if limit <= 0 {
		limit = DefaultMaxFileSize
	}
	return &zipArchive{reader: r, limit: limit}, nil
}

type zipArchive struct {
	reader *zip.Reader
	limit  int64
}

func (a *zipArchive) ReadFile(name string) ([]byte, error) {
	f, err := a.reader.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, a.limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if int64(len(data)) > a.limit {
		return nil, fmt.Errorf("%s exceeds %d bytes: %w", name, a.limit, ErrFileTooLarge)
	}
	return data, nil
}
