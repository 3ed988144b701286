// Package resource enumerates candidate unit files across loose files,
// directory trees and zip archives. Enumeration is lazy: an Iterator opens a
// container only when it reaches it and never reads an entry's bytes itself.
package resource

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
)

// UnitSuffix is the file extension of unit files.
const UnitSuffix = ".class"

// ErrRootNotFound is returned for roots that do not exist.
var ErrRootNotFound = errors.New("scan root not found")

// Resource is one candidate unit file. Name is slash separated and relative to
// Container. Loose is false for archive entries.
type Resource struct {
	Name      string
	Container string
	Loose     bool
	open      func() (io.ReadCloser, error)
}

// Open returns the entry's bytes. The caller closes the reader.
func (r *Resource) Open() (io.ReadCloser, error) {
	return r.open()
}

// Path is a human readable location used in logs.
func (r *Resource) Path() string {
	if r.Loose {
		return filepath.Join(r.Container, filepath.FromSlash(r.Name))
	}
	return r.Container + "!/" + r.Name
}

// Filter decides, before any bytes are read, whether an entry is scanned.
type Filter func(container, name string) bool

// ExcludeSubstrings rejects entries whose name contains any of subs.
func ExcludeSubstrings(subs ...string) Filter {
	var keep []string
	for _, s := range subs {
		if s != "" {
			keep = append(keep, s)
		}
	}
	return func(_, name string) bool {
		for _, s := range keep {
			if strings.Contains(name, s) {
				return false
			}
		}
		return true
	}
}

// All combines filters; an entry must pass every non-nil filter.
func All(filters ...Filter) Filter {
	return func(container, name string) bool {
		for _, f := range filters {
			if f != nil && !f(container, name) {
				return false
			}
		}
		return true
	}
}

// Iterator yields resources until it returns io.EOF. It is not restartable.
type Iterator interface {
	Next() (*Resource, error)
	Close() error
}

// Source produces an Iterator for one scan.
type Source interface {
	Iterate(sel Selection) (Iterator, error)
}

// Selection narrows what a Source yields.
type Selection struct {
	// Packages are dotted package prefixes such as "com.example".
	Packages []string
	Filter   Filter
}

type matcher struct {
	prefixes []string
	filter   Filter
}

func (s Selection) compile() matcher {
	m := matcher{filter: s.Filter}
	for _, p := range s.Packages {
		p = strings.Trim(strings.TrimSpace(p), ".")
		if p == "" {
			m.prefixes = nil
			break
		}
		m.prefixes = append(m.prefixes, strings.ReplaceAll(p, ".", "/")+"/")
	}
	return m
}

// descend reports whether a directory can hold a selected entry.
func (m matcher) descend(dir string) bool {
	if len(m.prefixes) == 0 || dir == "." {
		return true
	}
	d := dir + "/"
	for _, p := range m.prefixes {
		if strings.HasPrefix(p, d) || strings.HasPrefix(d, p) {
			return true
		}
	}
	return false
}

func (m matcher) inPackage(name string) bool {
	if len(m.prefixes) == 0 {
		return true
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (m matcher) accept(container, name string) bool {
	return m.filter == nil || m.filter(container, name)
}

func isUnitName(name string) bool {
	return strings.HasSuffix(name, UnitSuffix)
}

type single struct {
	res  *Resource
	done bool
}

func (s *single) Next() (*Resource, error) {
	if s.done || s.res == nil {
		return nil, io.EOF
	}
	s.done = true
	return s.res, nil
}

func (s *single) Close() error {
	return nil
}

type empty struct{}

func (empty) Next() (*Resource, error) { return nil, io.EOF }
func (empty) Close() error             { return nil }
