package scanjob

import (
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
	apperrors "github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/errors"
)

// Request describes one scan as submitted over HTTP or Kafka. Empty Roots,
// Markers and Kinds fall back to the configured defaults.
type Request struct {
	ID       string   `json:"id,omitempty"`
	Roots    []string `json:"roots,omitempty"`
	Packages []string `json:"packages,omitempty"`
	Markers  []string `json:"markers,omitempty"`
	Kinds    []string `json:"kinds,omitempty"`
	Exclude  []string `json:"exclude,omitempty"`
}

// Normalize returns a copy with blank entries removed. Roots become absolute
// and clean but keep their order, since root order decides report order.
// Markers, kinds, packages and exclusions are sorted and deduplicated.
func (r Request) Normalize() (Request, error) {
	out := Request{ID: strings.TrimSpace(r.ID)}
	for _, root := range r.Roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return Request{}, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid root %q: %v", root, err)
		}
		out.Roots = append(out.Roots, abs)
	}
	out.Markers = sortedSet(r.Markers, nil)
	out.Packages = sortedSet(r.Packages, nil)
	out.Exclude = sortedSet(r.Exclude, nil)
	out.Kinds = sortedSet(r.Kinds, strings.ToLower)
	return out, nil
}

// Validate checks fields that can be judged without touching the filesystem.
func (r Request) Validate() error {
	for _, k := range r.Kinds {
		if _, err := unit.ParseKind(k); err != nil {
			return apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "%v", err)
		}
	}
	for _, m := range r.Markers {
		if _, err := unit.RawMarkerName(m); err != nil {
			return apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid marker %q: %v", m, err)
		}
	}
	return nil
}

// ParsedKinds converts Kinds. Call Validate first.
func (r Request) ParsedKinds() []unit.ElementKind {
	kinds := make([]unit.ElementKind, 0, len(r.Kinds))
	for _, k := range r.Kinds {
		if kind, err := unit.ParseKind(k); err == nil {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// confine rejects any root that is not inside one of allowed. An empty
// allowed list permits every root.
func confine(roots, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, root := range roots {
		if !withinAny(root, allowed) {
			return apperrors.Newf(apperrors.ErrRootNotAllowed, http.StatusForbidden, "root %s is outside the allowed scan roots", root)
		}
	}
	return nil
}

func withinAny(path string, allowed []string) bool {
	for _, base := range allowed {
		abs, err := filepath.Abs(base)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

func sortedSet(in []string, transform func(string) string) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if transform != nil {
			s = transform(s)
		}
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (r Request) String() string {
	return fmt.Sprintf("roots=%v markers=%v kinds=%v", r.Roots, r.Markers, r.Kinds)
}
