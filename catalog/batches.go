package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrIllegalTransition is returned when a batch status change is attempted
// from a state that does not permit it (§2 state machine).
var ErrIllegalTransition = errors.New("catalog: illegal batch status transition")

// CreateBatch inserts a new batch in SAVED status with its selection frozen
// into config_snapshot. BatchNumber is left to the database's autoincrement.
func (d *DB) CreateBatch(ctx context.Context, name, description string, snap ConfigSnapshot) (*Batch, error) {
	folderIDs, err := json.Marshal(snap.FolderIDs)
	if err != nil {
		return nil, err
	}
	cfg, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	b := &Batch{
		Name:           name,
		Description:    description,
		FolderIDs:      datatypes.JSON(folderIDs),
		Status:         BatchSaved,
		ConfigSnapshot: datatypes.JSON(cfg),
	}
	if err := d.gorm.WithContext(ctx).Create(b).Error; err != nil {
		return nil, err
	}
	return b, nil
}

// GetBatch loads a batch by ID.
func (d *DB) GetBatch(ctx context.Context, id uint) (*Batch, error) {
	var b Batch
	if err := d.gorm.WithContext(ctx).First(&b, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// Snapshot unmarshals a batch's frozen selection.
func (b *Batch) Snapshot() (ConfigSnapshot, error) {
	var snap ConfigSnapshot
	if len(b.ConfigSnapshot) == 0 {
		return snap, nil
	}
	err := json.Unmarshal(b.ConfigSnapshot, &snap)
	return snap, err
}

// FolderIDList unmarshals the batch's folder_ids column.
func (b *Batch) FolderIDList() ([]uint, error) {
	var ids []uint
	if len(b.FolderIDs) == 0 {
		return ids, nil
	}
	err := json.Unmarshal(b.FolderIDs, &ids)
	return ids, err
}

// transitionBatch performs a conditional status UPDATE guarded on the
// batch's current status, failing with ErrIllegalTransition if another
// writer already moved it elsewhere.
func (d *DB) transitionBatch(ctx context.Context, id uint, from, to []string, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": to[0]}
	for k, v := range extra {
		updates[k] = v
	}
	res := d.gorm.WithContext(ctx).Model(&Batch{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// BeginStaging transitions SAVED -> STAGING.
func (d *DB) BeginStaging(ctx context.Context, id uint) error {
	return d.transitionBatch(ctx, id, []string{BatchSaved}, []string{BatchStaging}, nil)
}

// FinishStaging transitions STAGING -> STAGED or FAILED_STAGING, recording
// the total document count once known.
func (d *DB) FinishStaging(ctx context.Context, id uint, ok bool, totalDocuments int) error {
	target := BatchStaged
	if !ok {
		target = BatchFailedStaging
	}
	return d.transitionBatch(ctx, id, []string{BatchStaging}, []string{target}, map[string]interface{}{
		"total_documents": totalDocuments,
	})
}

// BeginAnalyzing transitions STAGED -> ANALYZING.
func (d *DB) BeginAnalyzing(ctx context.Context, id uint) error {
	now := time.Now()
	return d.transitionBatch(ctx, id, []string{BatchStaged}, []string{BatchAnalyzing}, map[string]interface{}{
		"started_at": now,
	})
}

// CompleteBatch performs the fan-in's conditional UPDATE: ANALYZING -> COMPLETED,
// stamping the final processed_documents count in the same statement so a
// concurrent caller can never double-apply it.
// Safe to call redundantly; only the writer that observes ANALYZING wins.
func (d *DB) CompleteBatch(ctx context.Context, id uint, processedDocuments int) error {
	now := time.Now()
	return d.transitionBatch(ctx, id, []string{BatchAnalyzing}, []string{BatchCompleted}, map[string]interface{}{
		"completed_at":        now,
		"processed_documents": processedDocuments,
	})
}

// ResetBatch returns a batch to SAVED from any state, clearing progress
// counters and timestamps. The caller is responsible for archiving first.
func (d *DB) ResetBatch(ctx context.Context, id uint) error {
	return d.gorm.WithContext(ctx).Model(&Batch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":              BatchSaved,
			"total_documents":     0,
			"processed_documents": 0,
			"started_at":          nil,
			"completed_at":        nil,
		}).Error
}

// IncrementProcessed bumps a batch's processed_documents counter by delta.
func (d *DB) IncrementProcessed(ctx context.Context, id uint, delta int) error {
	return d.gorm.WithContext(ctx).Model(&Batch{}).
		Where("id = ?", id).
		UpdateColumn("processed_documents", gorm.Expr("processed_documents + ?", delta)).Error
}

// BatchesInStatus lists batches currently in any of the given statuses, used
// by the Recovery Service to find STAGING/ANALYZING batches at startup.
func (d *DB) BatchesInStatus(ctx context.Context, statuses ...string) ([]Batch, error) {
	var batches []Batch
	err := d.gorm.WithContext(ctx).Where("status IN ?", statuses).Find(&batches).Error
	return batches, err
}

// ForceStatus sets a batch's status unconditionally, bypassing the guarded
// transition table. Reserved for the Recovery Service, which intentionally
// reassigns a stuck batch's status based on what its responses actually show
// rather than on what state it claims to be in.
func (d *DB) ForceStatus(ctx context.Context, id uint, status string, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": status}
	for k, v := range extra {
		updates[k] = v
	}
	return d.gorm.WithContext(ctx).Model(&Batch{}).Where("id = ?", id).Updates(updates).Error
}
