package connection

import (
	"encoding/json"
	"time"
)

// Snapshot is the frozen, non-secret record of a connection captured at
// staging time and stored on each Response row. Responses dispatch against
// this snapshot, never a live re-read of the Catalog store, so a connection
// edited or deactivated after staging cannot change what an in-flight run
// talks to (§3 "Snapshots over joins").
type Snapshot struct {
	ConnectionID uint      `json:"connection_id"`
	ProviderType string    `json:"provider_type"`
	BaseURL      string    `json:"base_url"`
	ModelName    string    `json:"model_name"`
	CapturedAt   time.Time `json:"captured_at"`
	Version      int       `json:"version"`
}

const snapshotVersion = 1

// NewSnapshot builds a Snapshot from a connection's wire-config input at the
// given capture time, deliberately omitting the API key: secrets are
// resolved fresh at dispatch time from the Catalog store, never persisted
// into Work-store rows.
func NewSnapshot(connectionID uint, in Input, now time.Time) Snapshot {
	cfg := Format(in)
	return Snapshot{
		ConnectionID: connectionID,
		ProviderType: cfg.ProviderType,
		BaseURL:      cfg.BaseURL,
		ModelName:    cfg.ModelName,
		CapturedAt:   now,
		Version:      snapshotVersion,
	}
}

// Marshal serializes the snapshot for storage in responses.connection_snapshot.
func (s Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// ParseSnapshot decodes a stored snapshot back into its struct form.
func ParseSnapshot(raw []byte) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal(raw, &s)
	return s, err
}

// WithAPIKey re-attaches a freshly-resolved secret to the otherwise frozen
// wire config, for use immediately before a dispatch call.
func (s Snapshot) WithAPIKey(apiKey string) WireConfig {
	return WireConfig{
		ProviderType: s.ProviderType,
		BaseURL:      s.BaseURL,
		ModelName:    s.ModelName,
		APIKey:       apiKey,
	}
}
