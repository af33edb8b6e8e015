package catalog

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup by ID misses.
var ErrNotFound = errors.New("catalog: not found")

// CreateFolder inserts a new folder in NOT_PROCESSED status.
func (d *DB) CreateFolder(ctx context.Context, name, path string) (*Folder, error) {
	f := &Folder{Name: name, Path: path, Status: FolderNotProcessed, Active: true}
	if err := d.gorm.WithContext(ctx).Create(f).Error; err != nil {
		return nil, err
	}
	return f, nil
}

// GetFolder loads a folder by ID.
func (d *DB) GetFolder(ctx context.Context, id uint) (*Folder, error) {
	var f Folder
	if err := d.gorm.WithContext(ctx).First(&f, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

// BeginPreprocessing transitions NOT_PROCESSED -> PREPROCESSING and commits
// immediately so concurrent callers can observe the change (§4.4 step 1).
func (d *DB) BeginPreprocessing(ctx context.Context, id uint) error {
	now := time.Now()
	res := d.gorm.WithContext(ctx).Model(&Folder{}).
		Where("id = ? AND status = ?", id, FolderNotProcessed).
		Updates(map[string]interface{}{
			"status":                   FolderPreprocessing,
			"preprocessing_started_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("catalog: folder not in NOT_PROCESSED state")
	}
	return nil
}

// FinishPreprocessing transitions PREPROCESSING -> READY or ERROR (§4.4 step 5).
func (d *DB) FinishPreprocessing(ctx context.Context, id uint, ok bool) error {
	status := FolderReady
	if !ok {
		status = FolderError
	}
	now := time.Now()
	return d.gorm.WithContext(ctx).Model(&Folder{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":                     status,
			"preprocessing_completed_at": now,
		}).Error
}
