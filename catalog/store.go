package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a collection record does not exist.
	ErrNotFound = errors.New("collection record not found")

	// ErrAlreadyExists is returned when inserting a record whose id is taken.
	ErrAlreadyExists = errors.New("collection record already exists")
)

// IsNotFound reports whether err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// DefaultFileName is the catalog database file name inside the data root.
const DefaultFileName = "catalog.sqlite3"

// Store is the durable catalog of collection records, backed by SQLite.
//
// The store and the physical collection directories are independent sources
// of truth; the consistency checker joins the two.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the catalog database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	// modernc.org/sqlite serializes on a single connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			provider TEXT NOT NULL,
			model_name TEXT NOT NULL DEFAULT '',
			base_url TEXT NOT NULL DEFAULT '',
			dimension INTEGER NOT NULL,
			item_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS collection_metadata (
			collection_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (collection_id, key)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_collections_display_name
			ON collections(display_name)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("catalog: create tables: %w", err)
		}
	}
	return nil
}

// Put inserts a new record. It fails with ErrAlreadyExists if the id or
// display name is already taken.
func (s *Store) Put(ctx context.Context, rec *CollectionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	exists, err := s.Exists(ctx, rec.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.ID)
	}

	taken, err := s.displayNameTaken(ctx, rec.DisplayName, "")
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: display name %q", ErrAlreadyExists, rec.DisplayName)
	}

	return s.upsert(ctx, rec)
}

// Upsert inserts or replaces a record. Recovery and restore use it to
// re-register collections regardless of current state.
func (s *Store) Upsert(ctx context.Context, rec *CollectionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.upsert(ctx, rec)
}

func (s *Store) upsert(ctx context.Context, rec *CollectionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO collections
			(id, display_name, provider, model_name, base_url, dimension, item_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DisplayName, string(rec.Embedding.Provider), rec.Embedding.ModelName,
		rec.Embedding.BaseURL, rec.Embedding.Dimension, rec.ItemCount,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", rec.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM collection_metadata WHERE collection_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("catalog: clear metadata %s: %w", rec.ID, err)
	}
	for k, v := range rec.Extra {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO collection_metadata (collection_id, key, value) VALUES (?, ?, ?)`,
			rec.ID, k, v,
		); err != nil {
			return fmt.Errorf("catalog: insert metadata %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

// Get returns the record for id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*CollectionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, provider, model_name, base_url, dimension, item_count, created_at, updated_at
		FROM collections WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadMetadata(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetByDisplayName resolves a record by its user-facing display name.
func (s *Store) GetByDisplayName(ctx context.Context, name string) (*CollectionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, provider, model_name, base_url, dimension, item_count, created_at, updated_at
		FROM collections WHERE display_name = ?`, name)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: display name %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadMetadata(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record and its metadata rows. Deleting a missing id
// returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("catalog: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM collection_metadata WHERE collection_id = ?`, id); err != nil {
		return fmt.Errorf("catalog: delete metadata %s: %w", id, err)
	}

	return tx.Commit()
}

// List returns all records ordered by display name.
func (s *Store) List(ctx context.Context) ([]*CollectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, provider, model_name, base_url, dimension, item_count, created_at, updated_at
		FROM collections ORDER BY display_name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var records []*CollectionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}

	for _, rec := range records {
		if err := s.loadMetadata(ctx, rec); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// IDs returns the set of collection ids known to the catalog.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM collections ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("catalog: ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Exists reports whether a record with id exists.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM collections WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog: exists %s: %w", id, err)
	}
	return true, nil
}

// UpdateDisplayName changes only the display name, bumping updated_at.
func (s *Store) UpdateDisplayName(ctx context.Context, id, name string) error {
	if name == "" {
		return fmt.Errorf("%w: display name must not be empty", ErrInvalidRecord)
	}
	taken, err := s.displayNameTaken(ctx, name, id)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: display name %q", ErrAlreadyExists, name)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE collections SET display_name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("catalog: update display name %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SetItemCount updates the cached item count, bumping updated_at.
func (s *Store) SetItemCount(ctx context.Context, id string, count int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE collections SET item_count = ?, updated_at = ? WHERE id = ?`,
		count, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("catalog: set item count %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Touch bumps updated_at without changing anything else. Restores and
// repairs use it to mark a record as freshly confirmed.
func (s *Store) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE collections SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("catalog: touch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SnapshotTo writes a consistent copy of the catalog database to dstPath
// using VACUUM INTO. dstPath must not exist.
func (s *Store) SnapshotTo(ctx context.Context, dstPath string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dstPath); err != nil {
		return fmt.Errorf("catalog: snapshot to %s: %w", dstPath, err)
	}
	return nil
}

func (s *Store) displayNameTaken(ctx context.Context, name, excludeID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM collections WHERE display_name = ? AND id != ?`, name, excludeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog: display name lookup: %w", err)
	}
	return true, nil
}

func (s *Store) loadMetadata(ctx context.Context, rec *CollectionRecord) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM collection_metadata WHERE collection_id = ?`, rec.ID)
	if err != nil {
		return fmt.Errorf("catalog: metadata %s: %w", rec.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]string)
		}
		rec.Extra[k] = v
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*CollectionRecord, error) {
	var (
		rec                  CollectionRecord
		provider             string
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.ID, &rec.DisplayName, &provider, &rec.Embedding.ModelName,
		&rec.Embedding.BaseURL, &rec.Embedding.Dimension, &rec.ItemCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Embedding.Provider = Provider(provider)

	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("catalog: parse created_at for %s: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("catalog: parse updated_at for %s: %w", rec.ID, err)
	}
	return &rec, nil
}
