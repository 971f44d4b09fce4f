package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Source is a stored component implementation.
type Source struct {
	Library   string    `json:"library"`
	Name      string    `json:"name"`
	Language  string    `json:"language"`
	Code      string    `json:"code"`
	Tests     string    `json:"tests,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullName is library/name, or just name for an unnamespaced source.
func (s Source) FullName() string {
	if s.Library == "" {
		return s.Name
	}
	return s.Library + "/" + s.Name
}

// PutSource inserts or replaces a source.
func (s *Store) PutSource(ctx context.Context, src Source) error {
	if src.Name == "" || src.Language == "" {
		return fmt.Errorf("put source: name and language required")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO component_sources (library, name, language, code, tests, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(library, name) DO UPDATE SET
				language = excluded.language,
				code = excluded.code,
				tests = excluded.tests,
				updated_at = CURRENT_TIMESTAMP;
		`, src.Library, src.Name, src.Language, src.Code, src.Tests)
		if err != nil {
			return fmt.Errorf("put source: %w", err)
		}
		return nil
	})
}

// GetSource returns ErrNotFound when no source is stored under the name.
func (s *Store) GetSource(ctx context.Context, library, name string) (Source, error) {
	var src Source
	err := s.db.QueryRowContext(ctx, `
		SELECT library, name, language, code, tests, updated_at
		FROM component_sources WHERE library = ? AND name = ?;
	`, library, name).Scan(&src.Library, &src.Name, &src.Language, &src.Code, &src.Tests, &src.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, fmt.Errorf("source %s/%s: %w", library, name, ErrNotFound)
	}
	if err != nil {
		return Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// ListSources returns every stored source ordered by library and name.
func (s *Store) ListSources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT library, name, language, code, tests, updated_at
		FROM component_sources ORDER BY library, name;
	`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.Library, &src.Name, &src.Language, &src.Code, &src.Tests, &src.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}
