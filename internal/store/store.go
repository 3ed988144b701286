// Package store persists scan runs and their matches to PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
	apperrors "github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS scan_runs (
    id          UUID PRIMARY KEY,
    request     JSONB NOT NULL,
    stats       JSONB NOT NULL,
    match_count INTEGER NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS scan_matches (
    run_id      UUID NOT NULL REFERENCES scan_runs(id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    type_name   TEXT NOT NULL,
    kind        TEXT NOT NULL,
    member_name TEXT NOT NULL,
    marker      TEXT NOT NULL,
    descriptor  TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS scan_runs_started_at_idx ON scan_runs (started_at DESC);
`

// Run is the persisted summary of one scan.
type Run struct {
	ID         string          `json:"id"`
	Request    json.RawMessage `json:"request"`
	Stats      scanner.Stats   `json:"stats"`
	MatchCount int             `json:"matchCount"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// Store reads and writes the scan_runs and scan_matches tables. Matches keep
// their report order through the seq column.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New wraps an open database handle. Open is the usual way in.
func New(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "scan-store"),
	}
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating scan schema: %w", err)
	}
	return nil
}

// SaveRun writes run and its matches in one transaction.
func (s *Store) SaveRun(ctx context.Context, run Run, matches []unit.Match) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	request := run.Request
	if len(request) == 0 {
		request = json.RawMessage("{}")
	}

	err = s.saveTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO scan_runs (id, request, stats, match_count, error, started_at, finished_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			run.ID, []byte(request), stats, len(matches), run.Error, run.StartedAt.UTC(), run.FinishedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("inserting scan run: %w", err)
		}
		if len(matches) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("scan_matches",
			"run_id", "seq", "type_name", "kind", "member_name", "marker", "descriptor"))
		if err != nil {
			return fmt.Errorf("preparing match copy: %w", err)
		}
		defer stmt.Close()
		for i, m := range matches {
			if _, err := stmt.ExecContext(ctx, run.ID, i, m.TypeName, m.Kind.String(), m.MemberName, m.Marker, m.Descriptor); err != nil {
				return fmt.Errorf("copying match %d: %w", i, err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			return fmt.Errorf("flushing match copy: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("scan run saved",
		"scan_id", run.ID,
		"matches", len(matches),
	)
	return nil
}

// GetRun loads one run. A missing run yields apperrors.ErrScanNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, request, stats, match_count, error, started_at, finished_at
		 FROM scan_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrScanNotFound, http.StatusNotFound, "scan %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying scan run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request, stats, match_count, error, started_at, finished_at
		 FROM scan_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing scan runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("reading scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Matches returns the matches of one run in report order.
func (s *Store) Matches(ctx context.Context, id string) ([]unit.Match, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type_name, kind, member_name, marker, descriptor
		 FROM scan_matches WHERE run_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("querying matches of %s: %w", id, err)
	}
	defer rows.Close()

	matches := []unit.Match{}
	for rows.Next() {
		var m unit.Match
		var kind string
		if err := rows.Scan(&m.TypeName, &kind, &m.MemberName, &m.Marker, &m.Descriptor); err != nil {
			return nil, fmt.Errorf("reading match: %w", err)
		}
		if m.Kind, err = unit.ParseKind(kind); err != nil {
			return nil, fmt.Errorf("reading match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run          Run
		request      []byte
		stats        []byte
		started, end time.Time
	)
	if err := row.Scan(&run.ID, &request, &stats, &run.MatchCount, &run.Error, &started, &end); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stats, &run.Stats); err != nil {
		return nil, fmt.Errorf("unmarshaling stats: %w", err)
	}
	run.Request = json.RawMessage(request)
	run.StartedAt = started.UTC()
	run.FinishedAt = end.UTC()
	return &run, nil
}
