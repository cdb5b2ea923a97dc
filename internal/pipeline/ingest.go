package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/octo-potato/internal/chunker"
	"github.com/maneesh/octo-potato/internal/models"
	"github.com/maneesh/octo-potato/internal/staging"
	"github.com/maneesh/octo-potato/internal/uploader"
)

// stagedSource feeds the upload executor from the staging area, so the
// staged copy is the upload body and retries reopen it.
type stagedSource struct {
	dir    *staging.Dir
	fileID int64
	chunks []*models.ChunkData
}

var _ uploader.Source = (*stagedSource)(nil)

func (s *stagedSource) NumChunks() int {
	return len(s.chunks)
}

// ChunkName scopes the remote name by file id. The S3 backend uses it
// as the bucket object key, so two files must never share a name.
func (s *stagedSource) ChunkName(index int) string {
	return fmt.Sprintf("chunks/%d/%d", s.fileID, index)
}

func (s *stagedSource) ChunkSize(index int) int64 {
	return s.chunks[index].Size
}

func (s *stagedSource) Open(index int) (io.ReadCloser, error) {
	return s.dir.Open(s.fileID, index)
}

// Ingest splits the file at path into chunks of chunkSize bytes, uploads
// them and records the resulting locators. It returns the new file id.
// Any failure after the file record is created rolls the record back so
// no empty or short entry survives.
func (p *Pipeline) Ingest(ctx context.Context, path string, chunkSize int64) (int64, error) {
	ctx, span := tracer.Start(ctx, "pipeline.ingest",
		trace.WithAttributes(
			attribute.String("path", path),
			attribute.Int64("chunk_size", chunkSize),
		),
	)
	defer span.End()

	ck, err := chunker.NewChunker(chunkSize)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to stat source file: %w", err)
	}
	filename := filepath.Base(path)
	filesize := info.Size()

	fileID, err := p.catalog.CreateFile(ctx, filename, filesize, chunkSize, time.Now())
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to create file record: %w", err)
	}
	span.SetAttributes(attribute.Int64("file_id", fileID))

	logger := p.log.WithFields(logrus.Fields{
		"file_id":  fileID,
		"filename": filename,
	})
	logger.WithField("filesize", filesize).Info("ingesting file")

	chunks, total, err := ck.ChunkStream(f)
	if err != nil {
		p.rollback(ctx, fileID)
		span.RecordError(err)
		return 0, fmt.Errorf("failed to split file: %w", err)
	}
	if total != filesize {
		p.rollback(ctx, fileID)
		err := fmt.Errorf("read %d bytes but file size is %d", total, filesize)
		span.RecordError(err)
		return 0, err
	}
	logger.WithField("chunks", len(chunks)).Info("file split")

	for _, chunk := range chunks {
		if _, err := p.staging.Write(fileID, chunk.Index, chunk.Data); err != nil {
			p.rollback(ctx, fileID)
			span.RecordError(err)
			return 0, fmt.Errorf("failed to stage chunk %d: %w", chunk.Index, err)
		}
	}

	results, err := p.exec.Upload(ctx, &stagedSource{dir: p.staging, fileID: fileID, chunks: chunks})
	if err != nil {
		p.rollback(ctx, fileID)
		span.RecordError(err)
		return 0, fmt.Errorf("upload failed: %w", err)
	}
	if len(results) != len(chunks) {
		p.rollback(ctx, fileID)
		err := fmt.Errorf("uploaded %d of %d chunks", len(results), len(chunks))
		span.RecordError(err)
		return 0, err
	}

	rows := make([]*models.Chunk, len(results))
	for i, res := range results {
		rows[i] = &models.Chunk{
			FileID:    fileID,
			Index:     res.Index,
			URL:       res.Locator.URL,
			MessageID: res.Locator.MessageID,
			SHA256:    chunks[res.Index].Hash,
		}
	}
	if err := p.catalog.InsertChunks(ctx, fileID, rows); err != nil {
		p.rollback(ctx, fileID)
		span.RecordError(err)
		return 0, fmt.Errorf("failed to record chunks: %w", err)
	}

	if p.discardStaging {
		if err := p.staging.Discard(fileID); err != nil {
			logger.WithError(err).Warn("failed to discard staged chunks")
		}
	}

	logger.WithField("chunks", len(rows)).Info("ingestion complete")
	return fileID, nil
}

// rollback deletes the file record of an aborted ingestion. Staged
// payloads are kept for a manual re-upload.
func (p *Pipeline) rollback(ctx context.Context, fileID int64) {
	if err := p.catalog.DeleteFile(context.WithoutCancel(ctx), fileID); err != nil {
		p.log.WithField("file_id", fileID).WithError(err).Error("failed to roll back file record")
	}
}
