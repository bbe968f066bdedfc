package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// Narrow store interfaces required by the archiver. The Postgres stores
// satisfy these implicitly; the archiver never needs the full store surface.

// PositionArchiveStore provides read and delete access to closed positions
// for archival.
type PositionArchiveStore interface {
	// ListClosedBefore returns closed positions whose close time is strictly
	// before cutoff, across all owners.
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error)
	// DeleteClosedBefore removes closed positions older than cutoff and
	// returns the number deleted.
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Archiver moves closed positions and audit rows past the retention window
// into object storage as JSONL, then removes them from the primary store.
// The upload completes before any row is deleted; a failed upload leaves the
// database untouched.
type Archiver struct {
	writer    *Writer
	positions PositionArchiveStore
	audit     domain.AuditStore
}

// NewArchiver creates an Archiver.
func NewArchiver(writer *Writer, positions PositionArchiveStore, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer:    writer,
		positions: positions,
		audit:     audit,
	}
}

// ArchivePositions uploads closed positions older than cutoff to
// archive/positions/YYYY-MM.jsonl and deletes them from the store. Returns
// the number archived.
func (a *Archiver) ArchivePositions(ctx context.Context, cutoff time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, cutoff, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", cutoff)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	deleted, err := a.positions.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		return int64(len(positions)), fmt.Errorf("s3blob: archive positions delete: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":    path,
		"count":   len(positions),
		"deleted": deleted,
		"before":  cutoff.Format(time.RFC3339),
	}); err != nil {
		return int64(len(positions)), fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}
	return int64(len(positions)), nil
}

// ArchiveAudit uploads audit rows older than cutoff to
// archive/audit/YYYY-MM.jsonl and deletes them from the store.
func (a *Archiver) ArchiveAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, cutoff, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", cutoff)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	deleted, err := a.audit.DeleteBefore(ctx, cutoff)
	if err != nil {
		return int64(len(entries)), fmt.Errorf("s3blob: archive audit delete: %w", err)
	}
	return deleted, nil
}

// archivePath builds the object key, bucketed by the cutoff month.
func archivePath(kind string, cutoff time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, cutoff.UTC().Format("2006-01"))
}

// marshalJSONL renders one JSON document per line.
func marshalJSONL[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
