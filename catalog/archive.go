package catalog

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// batchArchiveSnapshot is the shape persisted into BatchArchive.Snapshot,
// capturing enough of the batch to explain what ran without needing the
// Work store after a reset (§4 supplemented feature: archive on reset).
type batchArchiveSnapshot struct {
	BatchNumber        uint           `json:"batch_number"`
	Name               string         `json:"name"`
	Status             string         `json:"status"`
	TotalDocuments     int            `json:"total_documents"`
	ProcessedDocuments int            `json:"processed_documents"`
	ConfigSnapshot     ConfigSnapshot `json:"config_snapshot"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// ArchiveBatch records the batch's current state into batch_archives before
// ResetBatch wipes its progress counters. Reset always archives first; this
// is the only durable record of a run once Reset has deleted its Response
// rows.
func (d *DB) ArchiveBatch(ctx context.Context, id uint) error {
	b, err := d.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	snap, err := b.Snapshot()
	if err != nil {
		return err
	}

	payload := batchArchiveSnapshot{
		BatchNumber:        b.BatchNumber,
		Name:               b.Name,
		Status:             b.Status,
		TotalDocuments:     b.TotalDocuments,
		ProcessedDocuments: b.ProcessedDocuments,
		ConfigSnapshot:     snap,
		StartedAt:          b.StartedAt,
		CompletedAt:        b.CompletedAt,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	archive := &BatchArchive{
		BatchID:    id,
		Snapshot:   datatypes.JSON(raw),
		ArchivedAt: time.Now(),
	}
	return d.gorm.WithContext(ctx).Create(archive).Error
}

// ArchivesForBatch lists every archived run of a batch, most recent first.
func (d *DB) ArchivesForBatch(ctx context.Context, batchID uint) ([]BatchArchive, error) {
	var archives []BatchArchive
	err := d.gorm.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("archived_at DESC").
		Find(&archives).Error
	return archives, err
}
