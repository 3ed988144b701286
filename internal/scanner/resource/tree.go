package resource

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
)

type pending struct {
	path string
	dir  bool
}

// treeIterator walks a directory tree depth first in lexical order. Symbolic
// links to directories are not followed.
type treeIterator struct {
	fsys      fs.FS
	container string
	match     matcher
	stack     []pending
	started   bool
	logger    *slog.Logger
}

func newTreeIterator(fsys fs.FS, container string, m matcher) *treeIterator {
	return &treeIterator{
		fsys:      fsys,
		container: container,
		match:     m,
		stack:     []pending{{path: ".", dir: true}},
		logger:    slog.Default().With("component", "resource-tree"),
	}
}

func (t *treeIterator) Next() (*Resource, error) {
	for len(t.stack) > 0 {
		top := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		if !top.dir {
			name := top.path
			fsys := t.fsys
			return &Resource{
				Name:      name,
				Container: t.container,
				Loose:     true,
				open:      func() (io.ReadCloser, error) { return fsys.Open(name) },
			}, nil
		}
		entries, err := fs.ReadDir(t.fsys, top.path)
		if err != nil {
			if !t.started {
				return nil, fmt.Errorf("reading directory %s: %w", t.container, err)
			}
			t.logger.Warn("skipping unreadable directory",
				"container", t.container,
				"dir", top.path,
				"error", err,
			)
			continue
		}
		t.started = true
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			child := e.Name()
			if top.path != "." {
				child = path.Join(top.path, child)
			}
			if e.IsDir() {
				if t.match.descend(child) {
					t.stack = append(t.stack, pending{path: child, dir: true})
				}
				continue
			}
			if !isUnitName(child) || !t.match.inPackage(child) || !t.match.accept(t.container, child) {
				continue
			}
			t.stack = append(t.stack, pending{path: child})
		}
	}
	return nil, io.EOF
}

func (t *treeIterator) Close() error {
	t.stack = nil
	return nil
}
