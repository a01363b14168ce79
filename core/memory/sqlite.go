package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mrX1007/FusionBrain/core/envelope"
)

// candidateWindow bounds how many recent lessons a query scans for ranking.
const candidateWindow = 256

const schema = `
CREATE TABLE IF NOT EXISTS lessons (
	id            TEXT PRIMARY KEY,
	source_run_id TEXT NOT NULL UNIQUE,
	summary       TEXT NOT NULL,
	pattern       TEXT NOT NULL,
	strategy      TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lessons_created_at ON lessons(created_at DESC);
`

// SQLiteStore is a LessonStore backed by a single SQLite database file.
// WAL mode plus a single-writer connection pool keeps concurrent runs safe.
type SQLiteStore struct {
	db         *sql.DB
	minOverlap float64
}

// NewSQLiteStore opens (creating if needed) the lesson database at path.
// ":memory:" gives an in-process store for tests.
func NewSQLiteStore(path string, minOverlap float64) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open lesson store: %w", err)
	}

	// SQLite supports one writer; a bigger pool just queues on the file
	// lock. For :memory: a second connection would see a different db.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping lesson store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate lesson store: %w", err)
	}

	return &SQLiteStore{db: db, minOverlap: minOverlap}, nil
}

// Store appends a lesson. INSERT OR IGNORE plus the UNIQUE(source_run_id)
// constraint makes repeated reflection on the same run a no-op.
func (s *SQLiteStore) Store(ctx context.Context, lesson envelope.Lesson) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO lessons (id, source_run_id, summary, pattern, strategy, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		lesson.ID, lesson.SourceRunID, lesson.Summary, lesson.Pattern, lesson.Strategy, lesson.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("store lesson: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store lesson: %w", err)
	}
	return n > 0, nil
}

// HasLessonForRun reports whether the run already produced a lesson.
func (s *SQLiteStore) HasLessonForRun(ctx context.Context, runID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM lessons WHERE source_run_id = ?`, runID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check lesson for run %s: %w", runID, err)
	}
	return count > 0, nil
}

// Query ranks recent lessons by token overlap between their stored pattern
// and the incoming pattern text, dropping anything below the overlap cutoff.
func (s *SQLiteStore) Query(ctx context.Context, pattern string, limit int) ([]envelope.Lesson, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_run_id, summary, pattern, strategy, created_at
		 FROM lessons ORDER BY created_at DESC LIMIT ?`, candidateWindow,
	)
	if err != nil {
		return nil, fmt.Errorf("query lessons: %w", err)
	}
	defer rows.Close()

	type scored struct {
		lesson envelope.Lesson
		score  float64
	}
	queryTokens := tokenSet(pattern)

	var candidates []scored
	for rows.Next() {
		var l envelope.Lesson
		var createdAt time.Time
		if err := rows.Scan(&l.ID, &l.SourceRunID, &l.Summary, &l.Pattern, &l.Strategy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		l.CreatedAt = createdAt

		score := overlapScore(queryTokens, l.Pattern)
		if score >= s.minOverlap {
			candidates = append(candidates, scored{lesson: l, score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lessons: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]envelope.Lesson, len(candidates))
	for i, c := range candidates {
		out[i] = c.lesson
	}
	return out, nil
}

// Count returns the number of stored lessons.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM lessons`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count lessons: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range strings.Fields(strings.ToLower(text)) {
		set[t] = struct{}{}
	}
	return set
}

// overlapScore is the fraction of the stored pattern's tokens that occur in
// the query. Short patterns matching fully in a long query score 1.0.
func overlapScore(queryTokens map[string]struct{}, storedPattern string) float64 {
	tokens := strings.Fields(storedPattern)
	if len(tokens) == 0 {
		return 0
	}
	matched := 0
	for _, t := range tokens {
		if _, ok := queryTokens[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(tokens))
}
