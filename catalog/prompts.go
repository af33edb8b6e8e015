package catalog

import "context"

// ActivePrompts loads prompts by id, rejecting any that are inactive, mirroring
// ActiveConnections so the Staging Service fails fast on a stale selection.
func (d *DB) ActivePrompts(ctx context.Context, ids []uint) ([]Prompt, error) {
	var prompts []Prompt
	if err := d.gorm.WithContext(ctx).Where("id IN ? AND active = ?", ids, true).Find(&prompts).Error; err != nil {
		return nil, err
	}
	if len(prompts) != len(ids) {
		return nil, ErrNotFound
	}
	return prompts, nil
}

// CreatePrompt inserts a new prompt.
func (d *DB) CreatePrompt(ctx context.Context, text, description string) (*Prompt, error) {
	p := &Prompt{Text: text, Description: description, Active: true}
	if err := d.gorm.WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

// ListActivePrompts returns every active prompt, for UI/API listing.
func (d *DB) ListActivePrompts(ctx context.Context) ([]Prompt, error) {
	var prompts []Prompt
	err := d.gorm.WithContext(ctx).Where("active = ?", true).Find(&prompts).Error
	return prompts, err
}
