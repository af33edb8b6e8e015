package catalog

import (
	"context"
	"errors"
	"net/http"
	"time"

	"gorm.io/gorm"
)

// CreateConnection inserts a new connection, mirroring CreatePrompt/CreateFolder.
func (d *DB) CreateConnection(ctx context.Context, c Connection) (*Connection, error) {
	if err := d.gorm.WithContext(ctx).Create(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConnection loads a connection by ID.
func (d *DB) GetConnection(ctx context.Context, id uint) (*Connection, error) {
	var c Connection
	if err := d.gorm.WithContext(ctx).First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// GetProvider loads a provider by ID.
func (d *DB) GetProvider(ctx context.Context, id uint) (*Provider, error) {
	var p Provider
	if err := d.gorm.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetModel loads a model by ID.
func (d *DB) GetModel(ctx context.Context, id uint) (*Model, error) {
	var m Model
	if err := d.gorm.WithContext(ctx).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// GetPrompt loads a prompt by ID.
func (d *DB) GetPrompt(ctx context.Context, id uint) (*Prompt, error) {
	var p Prompt
	if err := d.gorm.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ProvidersByID bulk-loads providers, keyed by id, for connections that
// reference them.
func (d *DB) ProvidersByID(ctx context.Context, ids []uint) (map[uint]Provider, error) {
	var rows []Provider
	if err := d.gorm.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uint]Provider, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

// ModelsByID bulk-loads models, keyed by id.
func (d *DB) ModelsByID(ctx context.Context, ids []uint) (map[uint]Model, error) {
	var rows []Model
	if err := d.gorm.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uint]Model, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

// ActiveConnections loads connections by id, rejecting any that are inactive.
// Used by the Staging Service so a batch can never be staged against a
// connection the user has deactivated (§3 invariant).
func (d *DB) ActiveConnections(ctx context.Context, ids []uint) ([]Connection, error) {
	var conns []Connection
	if err := d.gorm.WithContext(ctx).Where("id IN ? AND is_active = ?", ids, true).Find(&conns).Error; err != nil {
		return nil, err
	}
	if len(conns) != len(ids) {
		return nil, errors.New("catalog: one or more connections are inactive or missing")
	}
	return conns, nil
}

// FirstActiveConnection loads one active connection, for the Monitoring
// Surface's LLM reachability health check (§4.9), which needs something to
// probe but has no single designated connection to target. ErrNotFound if
// no connection is active.
func (d *DB) FirstActiveConnection(ctx context.Context) (*Connection, error) {
	var c Connection
	err := d.gorm.WithContext(ctx).Where("is_active = ?", true).Order("id").First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// TestConnection issues a lightweight reachability probe against the
// connection's base URL and records the observed status. It never touches
// in-flight responses — those keep running against their frozen snapshot
// regardless of what TestConnection observes (§3 invariant).
func (d *DB) TestConnection(ctx context.Context, id uint, client *http.Client) error {
	conn, err := d.GetConnection(ctx, id)
	if err != nil {
		return err
	}

	status := ConnectionFailed
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, conn.BaseURL, nil)
	if err == nil {
		if client == nil {
			client = http.DefaultClient
		}
		resp, doErr := client.Do(req)
		if doErr == nil {
			resp.Body.Close()
			status = ConnectionConnected
		}
	}

	now := time.Now()
	return d.gorm.WithContext(ctx).Model(&Connection{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"connection_status": status,
			"last_tested_at":    now,
		}).Error
}
