package resource

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/klauspost/compress/zip"
)

var archiveSignature = []byte{'P', 'K', 0x03, 0x04}

// IsArchiveName reports whether name carries an archive extension.
func IsArchiveName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".jar") || strings.HasSuffix(lower, ".zip")
}

// HasArchiveSignature reports whether header starts with a local file header.
func HasArchiveSignature(header []byte) bool {
	return bytes.HasPrefix(header, archiveSignature)
}

func fileHasArchiveSignature(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	return readerHasArchiveSignature(f)
}

func fsHasArchiveSignature(fsys fs.FS, name string) bool {
	f, err := fsys.Open(name)
	if err != nil {
		return false
	}
	return readerHasArchiveSignature(f)
}

// readerHasArchiveSignature checks the first bytes of r and closes it.
func readerHasArchiveSignature(r io.ReadCloser) bool {
	defer r.Close()
	header := make([]byte, len(archiveSignature))
	if _, err := io.ReadFull(r, header); err != nil {
		return false
	}
	return HasArchiveSignature(header)
}

type archiveIterator struct {
	files     []*zip.File
	next      int
	container string
	match     matcher
	closer    io.Closer
}

func openArchiveFile(path string, m matcher) (*archiveIterator, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	return &archiveIterator{files: rc.File, container: path, match: m, closer: rc}, nil
}

func openArchiveBytes(data []byte, container string, m matcher) (*archiveIterator, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", container, err)
	}
	return &archiveIterator{files: zr.File, container: container, match: m}, nil
}

// Next yields entries in central directory order. Archives stored inside the
// archive are not opened.
func (a *archiveIterator) Next() (*Resource, error) {
	for a.next < len(a.files) {
		f := a.files[a.next]
		a.next++
		name := f.Name
		if strings.HasSuffix(name, "/") || !isUnitName(name) {
			continue
		}
		if !a.match.inPackage(name) || !a.match.accept(a.container, name) {
			continue
		}
		return &Resource{Name: name, Container: a.container, open: f.Open}, nil
	}
	if err := a.Close(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (a *archiveIterator) Close() error {
	if a.closer == nil {
		return nil
	}
	c := a.closer
	a.closer = nil
	if err := c.Close(); err != nil {
		return fmt.Errorf("closing archive %s: %w", a.container, err)
	}
	return nil
}
