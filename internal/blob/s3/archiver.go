package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// ArchiveImpl implements domain.Archiver by querying the primary stores for
// old records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step the retention job
// executes after the upload succeeded.
type ArchiveImpl struct {
	writer     domain.BlobWriter
	executions domain.ExecutionStore
	audit      domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, executions domain.ExecutionStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:     writer,
		executions: executions,
		audit:      audit,
	}
}

// ArchiveExecutions queries all executions completed before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/executions/YYYY-MM.jsonl. The archival event is recorded in the
// audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.executions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	lines := make([]executionLine, 0, len(records))
	for _, rec := range records {
		lines = append(lines, newExecutionLine(rec))
	}
	buf, err := marshalJSONL(lines)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions marshal: %w", err)
	}

	path := archivePath("executions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive executions upload: %w", err)
	}

	count := int64(len(records))

	if err := a.audit.Log(ctx, "archive.executions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive executions audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit queries all audit entries created before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/audit/YYYY-MM.jsonl. The count of archived entries is returned.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
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

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit audit log: %w", err)
	}

	return count, nil
}

// executionLine is the JSONL wire shape of one archived execution. Decimal
// amounts are serialized as strings to preserve precision.
type executionLine struct {
	ID             string    `json:"id"`
	ReservationID  uint64    `json:"reservation_id"`
	OpportunityID  string    `json:"opportunity_id"`
	Strategy       string    `json:"strategy"`
	TokenID        string    `json:"token_id,omitempty"`
	Amount         string    `json:"amount"`
	Outcome        string    `json:"outcome"`
	RealizedProfit string    `json:"realized_profit"`
	Score          float64   `json:"score"`
	DispatchedAt   time.Time `json:"dispatched_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

func newExecutionLine(rec domain.ExecutionRecord) executionLine {
	return executionLine{
		ID:             rec.ID,
		ReservationID:  rec.ReservationID,
		OpportunityID:  rec.OpportunityID,
		Strategy:       string(rec.Strategy),
		TokenID:        rec.TokenID,
		Amount:         rec.Amount.String(),
		Outcome:        string(rec.Outcome),
		RealizedProfit: rec.RealizedProfit.String(),
		Score:          rec.Score,
		DispatchedAt:   rec.DispatchedAt,
		CompletedAt:    rec.CompletedAt,
	}
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/executions/2026-01.jsonl
//	archive/audit/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
