package localcache

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/animemo/memosync/internal/errors"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is a Cache stored in a single SQLite file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Cache = (*SQLite)(nil)

// OpenSQLite opens or creates the cache database at path.
// It configures WAL mode and applies the schema.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("exec schema: %w", err)
	}

	logger.Info("local cache opened", "path", path)
	return &SQLite{db: db, logger: logger, now: time.Now}, nil
}

func (s *SQLite) Load(ctx context.Context, namespace string) ([]byte, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM local_storage WHERE namespace = ?`, namespace,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.StoreUnavailablef(err, "load %s", namespace)
	}
	return []byte(value), true, nil
}

func (s *SQLite) Save(ctx context.Context, namespace string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_storage (namespace, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, string(value), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.StoreUnavailablef(err, "save %s", namespace)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
