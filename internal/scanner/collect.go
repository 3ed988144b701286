package scanner

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
)

// Collect runs a scan and returns fn applied to every match, in report
// order. On error no partial list is returned.
func Collect[T any](ctx context.Context, s *Scanner, fn func(unit.Match) T) ([]T, error) {
	var out []T
	err := s.Report(ctx, ReporterFunc(func(m unit.Match) {
		out = append(out, fn(m))
	}))
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}
