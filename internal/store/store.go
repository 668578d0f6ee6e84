// Package store persists design image metadata in SQLite. Only metadata and
// layer design codes are durable; decoded pixel data lives in the cache and
// is re-fetched, not restored.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/acnh-api/acnh-api-public/internal/acnherr"
	"github.com/acnh-api/acnh-api-public/internal/designs"
	"github.com/acnh-api/acnh-api-public/internal/logging"
)

// Store is a durable index of design images and their layer codes.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable sqlite foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("metadata store ready at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	imagesTable := `
	CREATE TABLE IF NOT EXISTS design_images (
		image_id INTEGER PRIMARY KEY,
		image_name TEXT NOT NULL,
		author_id INTEGER NOT NULL,
		author_name TEXT NOT NULL,
		designs_required INTEGER NOT NULL,
		creator_pretty_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_design_images_author ON design_images(author_id);`

	layersTable := `
	CREATE TABLE IF NOT EXISTS design_layers (
		image_id INTEGER NOT NULL REFERENCES design_images(image_id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		design_code TEXT NOT NULL,
		PRIMARY KEY (image_id, position)
	);`

	for _, stmt := range []string{imagesTable, layersTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logging.StoreDebug("closing metadata store at %s", s.dbPath)
	return s.db.Close()
}

// Upsert records an image and the design codes of the layers it currently
// has. Previous layer rows for the image are replaced wholesale.
func (s *Store) Upsert(ctx context.Context, img designs.DesignImage, layers []designs.Layer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO design_images
			(image_id, image_name, author_id, author_name, designs_required, creator_pretty_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(image_id) DO UPDATE SET
			image_name = excluded.image_name,
			author_id = excluded.author_id,
			author_name = excluded.author_name,
			designs_required = excluded.designs_required,
			creator_pretty_id = excluded.creator_pretty_id,
			updated_at = excluded.updated_at`,
		img.ImageID, img.ImageName, img.AuthorID, img.AuthorName,
		img.DesignsRequired, img.CreatorPrettyID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert image %d: %w", img.ImageID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM design_layers WHERE image_id = ?", img.ImageID); err != nil {
		return fmt.Errorf("failed to clear layers for image %d: %w", img.ImageID, err)
	}
	for _, layer := range layers {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO design_layers (image_id, position, design_code) VALUES (?, ?, ?)",
			img.ImageID, layer.Position, layer.DesignCode)
		if err != nil {
			return fmt.Errorf("failed to insert layer %d of image %d: %w", layer.Position, img.ImageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	logging.StoreDebug("upserted image %d with %d layers", img.ImageID, len(layers))
	return nil
}

// Lookup returns an image's metadata and its position-to-design-code map.
func (s *Store) Lookup(ctx context.Context, imageID int64) (designs.DesignImage, map[int]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var img designs.DesignImage
	err := s.db.QueryRowContext(ctx, `
		SELECT image_id, image_name, author_id, author_name, designs_required, creator_pretty_id
		FROM design_images WHERE image_id = ?`, imageID).
		Scan(&img.ImageID, &img.ImageName, &img.AuthorID, &img.AuthorName,
			&img.DesignsRequired, &img.CreatorPrettyID)
	if errors.Is(err, sql.ErrNoRows) {
		return designs.DesignImage{}, nil, acnherr.UnknownImageID
	}
	if err != nil {
		return designs.DesignImage{}, nil, fmt.Errorf("failed to look up image %d: %w", imageID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT position, design_code FROM design_layers WHERE image_id = ? ORDER BY position", imageID)
	if err != nil {
		return designs.DesignImage{}, nil, fmt.Errorf("failed to load layers for image %d: %w", imageID, err)
	}
	defer rows.Close()

	codes := make(map[int]string)
	for rows.Next() {
		var (
			position int
			code     string
		)
		if err := rows.Scan(&position, &code); err != nil {
			return designs.DesignImage{}, nil, fmt.Errorf("failed to scan layer row: %w", err)
		}
		codes[position] = code
	}
	if err := rows.Err(); err != nil {
		return designs.DesignImage{}, nil, fmt.Errorf("failed to read layer rows: %w", err)
	}
	return img, codes, nil
}

// Delete removes an image and its layer rows.
func (s *Store) Delete(ctx context.Context, imageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM design_images WHERE image_id = ?", imageID)
	if err != nil {
		return fmt.Errorf("failed to delete image %d: %w", imageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return acnherr.UnknownImageID
	}
	return nil
}

// List returns all recorded images, most recently updated first.
func (s *Store) List(ctx context.Context) ([]designs.DesignImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT image_id, image_name, author_id, author_name, designs_required, creator_pretty_id
		FROM design_images ORDER BY updated_at DESC, image_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var out []designs.DesignImage
	for rows.Next() {
		var img designs.DesignImage
		if err := rows.Scan(&img.ImageID, &img.ImageName, &img.AuthorID, &img.AuthorName,
			&img.DesignsRequired, &img.CreatorPrettyID); err != nil {
			return nil, fmt.Errorf("failed to scan image row: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read image rows: %w", err)
	}
	return out, nil
}
