package workstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// EncodedBody is one base64-encoded document payload.
type EncodedBody struct {
	ID            string
	DocumentKey   string
	ContentBase64 string
	MimeType      string
	SizeBytes     int64
}

// DocumentKey builds the document_key convention used to join a document
// to a specific batch's responses: batch_{batch_id}_doc_{document_id}.
// Grounded on the original implementation's document id scheme
// (server/services/staging_service.py). Response rows are keyed this way,
// not by document id alone, because the original's docs table is rewritten
// per batch run — a document can be restaged into a later batch after a
// reset, and the batch-scoped key keeps those runs from colliding.
func DocumentKey(batchID, documentID uint) string {
	return fmt.Sprintf("batch_%d_doc_%d", batchID, documentID)
}

// EncodedBodyKey builds the document_key used for encoded_bodies, which are
// produced once per document during preprocessing, before any batch exists.
// Grounded on folder_preprocessing_service.py, whose docs table is keyed by
// document_id alone rather than per-batch.
func EncodedBodyKey(documentID uint) string {
	return fmt.Sprintf("doc_%d", documentID)
}

// UpsertEncodedBody stores an encoded body, replacing any existing row for
// the same document_key so re-running preprocessing on an already-encoded
// document is idempotent.
func (d *DB) UpsertEncodedBody(ctx context.Context, documentKey, contentBase64, mimeType string, sizeBytes int64) (string, error) {
	id := uuid.NewString()
	const q = `
		INSERT INTO encoded_bodies (id, document_key, content_base64, mime_type, size_bytes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_key) DO UPDATE SET
			content_base64 = EXCLUDED.content_base64,
			mime_type = EXCLUDED.mime_type,
			size_bytes = EXCLUDED.size_bytes
		RETURNING id`
	var returnedID string
	if err := d.pool.QueryRow(ctx, q, id, documentKey, contentBase64, mimeType, sizeBytes).Scan(&returnedID); err != nil {
		return "", fmt.Errorf("workstore: upsert encoded body: %w", err)
	}
	return returnedID, nil
}

// GetEncodedBody loads an encoded body by its document_key.
func (d *DB) GetEncodedBody(ctx context.Context, documentKey string) (*EncodedBody, error) {
	const q = `
		SELECT id, document_key, content_base64, mime_type, size_bytes
		FROM encoded_bodies WHERE document_key = $1`
	var b EncodedBody
	err := d.pool.QueryRow(ctx, q, documentKey).Scan(&b.ID, &b.DocumentKey, &b.ContentBase64, &b.MimeType, &b.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("workstore: get encoded body: %w", err)
	}
	return &b, nil
}
