package catalog

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// CreateDocument records one file observed during preprocessing.
func (d *DB) CreateDocument(ctx context.Context, doc *Document) error {
	return d.gorm.WithContext(ctx).Create(doc).Error
}

// GetDocument loads a document by ID.
func (d *DB) GetDocument(ctx context.Context, id uint) (*Document, error) {
	var doc Document
	if err := d.gorm.WithContext(ctx).First(&doc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// SetEncodedBody links a document to its Work-store encoded body.
func (d *DB) SetEncodedBody(ctx context.Context, documentID uint, encodedBodyID string) error {
	return d.gorm.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID).
		Update("encoded_body_id", encodedBodyID).Error
}

// UnassignedValidDocuments returns valid, batch-unassigned documents for the
// given folders, used by the Staging Service to auto-assign a batch's
// documents from its folder_ids (§4.5 step 2).
func (d *DB) UnassignedValidDocuments(ctx context.Context, folderIDs []uint) ([]Document, error) {
	var docs []Document
	err := d.gorm.WithContext(ctx).
		Where("folder_id IN ? AND batch_id IS NULL AND valid = ?", folderIDs, DocumentValid).
		Find(&docs).Error
	return docs, err
}

// DocumentsForBatch returns every document currently assigned to a batch.
func (d *DB) DocumentsForBatch(ctx context.Context, batchID uint) ([]Document, error) {
	var docs []Document
	err := d.gorm.WithContext(ctx).Where("batch_id = ?", batchID).Find(&docs).Error
	return docs, err
}

// AssignToBatch assigns a set of documents to a batch in one statement.
func (d *DB) AssignToBatch(ctx context.Context, documentIDs []uint, batchID uint) (int64, error) {
	if len(documentIDs) == 0 {
		return 0, nil
	}
	res := d.gorm.WithContext(ctx).Model(&Document{}).
		Where("id IN ?", documentIDs).
		Update("batch_id", batchID)
	return res.RowsAffected, res.Error
}

// SetTaskID records the most recent dispatch task id against a document,
// purely informational (the authoritative task id lives on the Response row).
func (d *DB) SetTaskID(ctx context.Context, documentID uint, taskID string) error {
	return d.gorm.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID).
		Update("task_id", taskID).Error
}
