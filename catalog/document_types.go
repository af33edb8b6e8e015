package catalog

import (
	"context"
	"strings"
	"sync"
)

// DocumentTypeCache holds the valid-extensions set sourced from the
// document_types table, refreshed explicitly rather than per-lookup so a
// folder walk touching thousands of files doesn't hit the Catalog store
// once per file (§4.4 step 3).
type DocumentTypeCache struct {
	db *DB

	mu         sync.RWMutex
	extensions map[string]bool
}

// NewDocumentTypeCache builds an empty cache; call Refresh before use.
func NewDocumentTypeCache(db *DB) *DocumentTypeCache {
	return &DocumentTypeCache{db: db, extensions: make(map[string]bool)}
}

// Refresh reloads the active extension set from the Catalog store.
func (c *DocumentTypeCache) Refresh(ctx context.Context) error {
	var rows []DocumentType
	if err := c.db.gorm.WithContext(ctx).Where("active = ?", true).Find(&rows).Error; err != nil {
		return err
	}

	next := make(map[string]bool, len(rows))
	for _, row := range rows {
		next[strings.ToLower(row.Extension)] = true
	}

	c.mu.Lock()
	c.extensions = next
	c.mu.Unlock()
	return nil
}

// IsValidExtension reports whether ext (without a leading dot) is accepted.
func (c *DocumentTypeCache) IsValidExtension(ext string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))]
}

// Count returns the number of cached extensions, mostly for diagnostics.
func (c *DocumentTypeCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.extensions)
}
