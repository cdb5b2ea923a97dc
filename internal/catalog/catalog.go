package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/maneesh/octo-potato/internal/models"
)

var tracer = otel.Tracer("octo-potato-catalog")

// ErrNotFound is returned when no file record matches the requested id.
var ErrNotFound = errors.New("file not found")

// Catalog wraps the relational store of files and their ordered chunk
// locators. One logical writer at a time per operation.
type Catalog struct {
	db     *sql.DB
	driver string
}

// Open opens the catalog. driver is "sqlite" (dsn is a filesystem path,
// parent directory created as needed) or "mysql" (dsn in go-sql-driver
// format).
func Open(driver, dsn string) (*Catalog, error) {
	switch driver {
	case "sqlite":
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create catalog directory: %w", err)
			}
		}
	case "mysql":
	default:
		return nil, fmt.Errorf("unsupported catalog driver: %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}

	if driver == "sqlite" {
		// The catalog is single-writer; one connection avoids
		// SQLITE_BUSY between the pool's handles.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	return &Catalog{db: db, driver: driver}, nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Init creates the schema if it does not exist. Safe to call repeatedly.
func (c *Catalog) Init(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "catalog.init")
	defer span.End()

	var stmts []string
	if c.driver == "mysql" {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS files (
				id BIGINT PRIMARY KEY AUTO_INCREMENT,
				filename VARCHAR(1024) NOT NULL,
				filesize BIGINT NOT NULL,
				chunk_size BIGINT NOT NULL,
				created_at VARCHAR(64) NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS file_chunks (
				file_id BIGINT NOT NULL,
				idx BIGINT NOT NULL,
				url TEXT NOT NULL,
				message_id VARCHAR(255) NOT NULL,
				sha256 CHAR(64),
				PRIMARY KEY(file_id, idx)
			)`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS files (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				filename TEXT NOT NULL,
				filesize INTEGER NOT NULL,
				chunk_size INTEGER NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS file_chunks (
				file_id INTEGER NOT NULL,
				idx INTEGER NOT NULL,
				url TEXT NOT NULL,
				message_id TEXT NOT NULL,
				sha256 TEXT,
				PRIMARY KEY(file_id, idx)
			)`,
		}
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// CreateFile inserts a file record and returns its catalog-assigned id.
func (c *Catalog) CreateFile(ctx context.Context, filename string, filesize, chunkSize int64, createdAt time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "catalog.create_file",
		trace.WithAttributes(
			attribute.String("filename", filename),
			attribute.Int64("filesize", filesize),
			attribute.Int64("chunk_size", chunkSize),
		),
	)
	defer span.End()

	query := `INSERT INTO files (filename, filesize, chunk_size, created_at)
			  VALUES (?, ?, ?, ?)`

	res, err := c.db.ExecContext(ctx, query, filename, filesize, chunkSize, createdAt.UTC().Format(time.RFC3339))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to insert file: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to read file id: %w", err)
	}

	span.SetAttributes(attribute.Int64("file_id", id))
	return id, nil
}

// InsertChunks writes the chunk rows of a file in one transaction. Rows
// must already be ordered ascending by index.
func (c *Catalog) InsertChunks(ctx context.Context, fileID int64, chunks []*models.Chunk) error {
	ctx, span := tracer.Start(ctx, "catalog.insert_chunks",
		trace.WithAttributes(
			attribute.Int64("file_id", fileID),
			attribute.Int("chunk_count", len(chunks)),
		),
	)
	defer span.End()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `INSERT INTO file_chunks (file_id, idx, url, message_id, sha256)
			  VALUES (?, ?, ?, ?, ?)`

	for _, chunk := range chunks {
		if _, err := tx.ExecContext(ctx, query, fileID, chunk.Index, chunk.URL, chunk.MessageID, chunk.SHA256); err != nil {
			tx.Rollback()
			span.RecordError(err)
			return fmt.Errorf("failed to insert chunk %d: %w", chunk.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

// GetFile retrieves a file record by id.
func (c *Catalog) GetFile(ctx context.Context, fileID int64) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "catalog.get_file",
		trace.WithAttributes(
			attribute.Int64("file_id", fileID),
		),
	)
	defer span.End()

	query := `SELECT id, filename, filesize, chunk_size, created_at FROM files WHERE id = ?`

	var file models.File
	var createdAt string
	err := c.db.QueryRowContext(ctx, query, fileID).Scan(
		&file.ID,
		&file.Filename,
		&file.Size,
		&file.ChunkSize,
		&createdAt,
	)

	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("%w: id=%d", ErrNotFound, fileID)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query file: %w", err)
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		file.CreatedAt = t
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &file, nil
}

// GetChunks retrieves all chunks for a file ordered ascending by index.
// Reconstruction depends on this order.
func (c *Catalog) GetChunks(ctx context.Context, fileID int64) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "catalog.get_chunks",
		trace.WithAttributes(
			attribute.Int64("file_id", fileID),
		),
	)
	defer span.End()

	query := `SELECT file_id, idx, url, message_id, COALESCE(sha256, '')
			  FROM file_chunks
			  WHERE file_id = ?
			  ORDER BY idx ASC`

	rows, err := c.db.QueryContext(ctx, query, fileID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		var chunk models.Chunk
		if err := rows.Scan(&chunk.FileID, &chunk.Index, &chunk.URL, &chunk.MessageID, &chunk.SHA256); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &chunk)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// ListFiles returns all file records ordered ascending by id.
func (c *Catalog) ListFiles(ctx context.Context) ([]*models.File, error) {
	ctx, span := tracer.Start(ctx, "catalog.list_files")
	defer span.End()

	query := `SELECT id, filename, filesize, chunk_size, created_at FROM files ORDER BY id`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*models.File
	for rows.Next() {
		var file models.File
		var createdAt string
		if err := rows.Scan(&file.ID, &file.Filename, &file.Size, &file.ChunkSize, &createdAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			file.CreatedAt = t
		}
		files = append(files, &file)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// DeleteFile removes a file record and any chunk rows belonging to it.
// Used to roll back an aborted ingestion so no short file entry survives.
func (c *Catalog) DeleteFile(ctx context.Context, fileID int64) error {
	ctx, span := tracer.Start(ctx, "catalog.delete_file",
		trace.WithAttributes(
			attribute.Int64("file_id", fileID),
		),
	)
	defer span.End()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_chunks WHERE file_id = ?`, fileID); err != nil {
		tx.Rollback()
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		tx.Rollback()
		span.RecordError(err)
		return fmt.Errorf("failed to delete file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}
