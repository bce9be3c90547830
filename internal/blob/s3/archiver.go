package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opengrove/marketd/internal/domain"
)

// Archiver implements domain.ReceiptArchiver by serializing settlement
// receipts to JSON and uploading them to S3. Archival never deletes from the
// primary store; pruning archived rows is a separate, explicit operation run
// after the archive has been verified.
type Archiver struct {
	writer domain.BlobWriter
	uow    domain.UnitOfWork
}

// NewArchiver creates an Archiver that reads receipts through uow and writes
// blobs through writer.
func NewArchiver(writer domain.BlobWriter, uow domain.UnitOfWork) *Archiver {
	return &Archiver{writer: writer, uow: uow}
}

// ArchiveReceipt uploads a single receipt immediately after settlement at
// receipts/YYYY/MM/{id}.json. It is called best-effort from the settlement
// path; a failure here never unwinds the settlement.
func (a *Archiver) ArchiveReceipt(ctx context.Context, r domain.SettlementReceipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("s3blob: marshal receipt %s: %w", r.ID, err)
	}

	path := fmt.Sprintf("receipts/%s/%s.json", r.SettledAt.UTC().Format("2006/01"), r.ID)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: upload receipt %s: %w", r.ID, err)
	}
	return nil
}

// archiveBatchSize bounds one ArchiveBefore pass; callers loop until the
// returned count is below it.
const archiveBatchSize = 1000

// ArchiveBefore collects receipts settled before the cutoff, serializes them
// to JSONL, and uploads one batch file at archive/receipts/YYYY-MM.jsonl. It
// returns the number of receipts archived.
func (a *Archiver) ArchiveBefore(ctx context.Context, before time.Time) (int64, error) {
	var receipts []domain.SettlementReceipt
	err := a.uow.View(ctx, func(ctx context.Context, s domain.Stores) error {
		var err error
		receipts, err = s.Receipts.ListBefore(ctx, before, archiveBatchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(receipts) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(receipts)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	path := fmt.Sprintf("archive/receipts/%s.jsonl", before.UTC().Format("2006-01"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}
	return int64(len(receipts)), nil
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
var _ domain.ReceiptArchiver = (*Archiver)(nil)
