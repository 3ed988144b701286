package resource

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
)

// Roots is a filesystem Source. Each root is a directory, a unit file or an
// archive; roots are visited in the order given.
type Roots []string

// Check verifies that every root exists.
func (r Roots) Check() error {
	for _, root := range r {
		if _, err := os.Stat(root); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrRootNotFound, root)
			}
			return fmt.Errorf("checking root %s: %w", root, err)
		}
	}
	return nil
}

func (r Roots) Iterate(sel Selection) (Iterator, error) {
	if err := r.Check(); err != nil {
		return nil, err
	}
	m := sel.compile()
	return &chain{
		count: len(r),
		open: func(i int) (Iterator, error) {
			return openFileRoot(r[i], m)
		},
	}, nil
}

func openFileRoot(root string, m matcher) (Iterator, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
		}
		return nil, fmt.Errorf("checking root %s: %w", root, err)
	}
	switch {
	case info.IsDir():
		return newTreeIterator(os.DirFS(abs), abs, m), nil
	case isUnitName(abs):
		container, name := filepath.Split(abs)
		container = filepath.Clean(container)
		if !m.accept(container, name) {
			return empty{}, nil
		}
		return &single{res: &Resource{
			Name:      name,
			Container: container,
			Loose:     true,
			open:      func() (io.ReadCloser, error) { return os.Open(abs) },
		}}, nil
	case IsArchiveName(abs) || fileHasArchiveSignature(abs):
		return openArchiveFile(abs, m)
	default:
		slog.Default().With("component", "resource-roots").Debug("ignoring root that is neither unit nor archive", "root", abs)
		return empty{}, nil
	}
}

// FSSource enumerates units inside an fs.FS, for hosts that keep units
// somewhere other than the local filesystem. Roots are paths within FS and
// default to the FS root. Archive roots are read into memory.
type FSSource struct {
	FS    fs.FS
	Label string
	Roots []string
}

func (s FSSource) Iterate(sel Selection) (Iterator, error) {
	roots := s.Roots
	if len(roots) == 0 {
		roots = []string{"."}
	}
	for _, root := range roots {
		if _, err := fs.Stat(s.FS, root); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
			}
			return nil, fmt.Errorf("checking root %s: %w", root, err)
		}
	}
	m := sel.compile()
	return &chain{
		count: len(roots),
		open: func(i int) (Iterator, error) {
			return s.openRoot(roots[i], m)
		},
	}, nil
}

func (s FSSource) container(root string) string {
	if root == "." {
		return s.Label
	}
	return s.Label + ":" + root
}

func (s FSSource) openRoot(root string, m matcher) (Iterator, error) {
	info, err := fs.Stat(s.FS, root)
	if err != nil {
		return nil, fmt.Errorf("checking root %s: %w", root, err)
	}
	switch {
	case info.IsDir():
		sub, err := fs.Sub(s.FS, root)
		if err != nil {
			return nil, fmt.Errorf("opening root %s: %w", root, err)
		}
		return newTreeIterator(sub, s.container(root), m), nil
	case isUnitName(root):
		dir, name := path.Split(root)
		container := s.container(path.Clean(dir))
		if !m.accept(container, name) {
			return empty{}, nil
		}
		fsys := s.FS
		return &single{res: &Resource{
			Name:      name,
			Container: container,
			Loose:     true,
			open:      func() (io.ReadCloser, error) { return fsys.Open(root) },
		}}, nil
	case IsArchiveName(root) || fsHasArchiveSignature(s.FS, root):
		data, err := fs.ReadFile(s.FS, root)
		if err != nil {
			return nil, fmt.Errorf("reading archive %s: %w", root, err)
		}
		return openArchiveBytes(data, s.container(root), m)
	default:
		slog.Default().With("component", "resource-fs").Debug("ignoring root that is neither unit nor archive", "root", root)
		return empty{}, nil
	}
}

// chain visits count sub-iterators in order, opening each lazily.
type chain struct {
	count int
	next  int
	open  func(i int) (Iterator, error)
	cur   Iterator
}

func (c *chain) Next() (*Resource, error) {
	for {
		if c.cur != nil {
			res, err := c.cur.Next()
			if err == io.EOF {
				closeErr := c.cur.Close()
				c.cur = nil
				if closeErr != nil {
					return nil, closeErr
				}
				continue
			}
			return res, err
		}
		if c.next >= c.count {
			return nil, io.EOF
		}
		it, err := c.open(c.next)
		c.next++
		if err != nil {
			return nil, err
		}
		c.cur = it
	}
}

func (c *chain) Close() error {
	if c.cur == nil {
		return nil
	}
	err := c.cur.Close()
	c.cur = nil
	return err
}
