package library

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/logging"
	"github.com/aronjanosch/audible-web-downloader/internal/media/ffprobe"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when an ASIN has no library entry.
var ErrNotFound = errors.New("library: entry not found")

// Entry is one placed audiobook.
type Entry struct {
	ASIN     string
	Title    string
	Path     string
	Account  string
	PlacedAt time.Time
}

// Manager maintains the SQLite index of placed audiobooks.
type Manager struct {
	db      *sql.DB
	ffprobe string
	logger  *slog.Logger
}

// Open connects to the library database under the state directory and ensures
// the schema exists.
func Open(cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.Paths.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.LibraryDBPath())
	if err != nil {
		return nil, fmt.Errorf("open library db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create library schema: %w", err)
	}

	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{db: db, ffprobe: cfg.Conversion.FFprobeBinary, logger: logger}, nil
}

// Close closes the underlying database connection.
func (m *Manager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

// Has reports whether asin is already in the library.
func (m *Manager) Has(ctx context.Context, asin string) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM library WHERE asin = ?", asin).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query library: %w", err)
	}
	return count > 0, nil
}

// Get returns the entry for asin, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, asin string) (*Entry, error) {
	row := m.db.QueryRowContext(ctx,
		"SELECT asin, title, path, account, placed_at FROM library WHERE asin = ?", asin)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query library entry: %w", err)
	}
	return entry, nil
}

// Record upserts an entry after successful placement.
func (m *Manager) Record(ctx context.Context, entry Entry) error {
	if entry.ASIN == "" {
		return errors.New("library: entry requires an ASIN")
	}
	if entry.PlacedAt.IsZero() {
		entry.PlacedAt = time.Now().UTC()
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO library (asin, title, path, account, placed_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(asin) DO UPDATE SET
             title = excluded.title,
             path = excluded.path,
             account = excluded.account,
             placed_at = excluded.placed_at`,
		entry.ASIN, entry.Title, entry.Path, entry.Account,
		entry.PlacedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record library entry: %w", err)
	}
	return nil
}

// Remove deletes the entry for asin. Removing an absent entry is not an error.
func (m *Manager) Remove(ctx context.Context, asin string) error {
	if _, err := m.db.ExecContext(ctx, "DELETE FROM library WHERE asin = ?", asin); err != nil {
		return fmt.Errorf("remove library entry: %w", err)
	}
	return nil
}

// List returns all entries ordered by placement time, newest first.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT asin, title, path, account, placed_at FROM library ORDER BY placed_at DESC, asin")
	if err != nil {
		return nil, fmt.Errorf("list library: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan library entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate library: %w", err)
	}
	return entries, nil
}

// Scan walks baseDir for .m4b files and reads the ASIN embedded in their
// tags. Files ffprobe cannot identify are skipped.
func (m *Manager) Scan(ctx context.Context, baseDir string) ([]Entry, error) {
	var found []Entry
	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".m4b") {
			return nil
		}

		result, probeErr := ffprobe.Inspect(ctx, m.ffprobe, path)
		if probeErr != nil {
			m.logger.Warn("skipping unreadable file during scan",
				logging.String("path", path), logging.Error(probeErr))
			return nil
		}
		asin := result.ASIN()
		if asin == "" {
			m.logger.Debug("file carries no catalog identifier", logging.String("path", path))
			return nil
		}

		title := strings.TrimSpace(result.Tag("title"))
		if title == "" {
			title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		found = append(found, Entry{ASIN: asin, Title: title, Path: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", baseDir, err)
	}
	return found, nil
}

// Reconcile scans baseDir and inserts entries for files the index does not
// know about. Existing entries are left untouched. Returns the number added.
func (m *Manager) Reconcile(ctx context.Context, baseDir string) (int, error) {
	found, err := m.Scan(ctx, baseDir)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, entry := range found {
		known, err := m.Has(ctx, entry.ASIN)
		if err != nil {
			return added, err
		}
		if known {
			continue
		}
		if err := m.Record(ctx, entry); err != nil {
			return added, err
		}
		m.logger.Info("reconciled foreign library file",
			logging.String("asin", entry.ASIN), logging.String("path", entry.Path))
		added++
	}
	return added, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var placedAt string
	if err := row.Scan(&entry.ASIN, &entry.Title, &entry.Path, &entry.Account, &placedAt); err != nil {
		return nil, err
	}
	if parsed, err := time.Parse(time.RFC3339Nano, placedAt); err == nil {
		entry.PlacedAt = parsed
	}
	return &entry, nil
}
