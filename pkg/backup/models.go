package backup

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/changegate/changegate/pkg/change"
)

func (m *Manifest) Scan(value interface{}) error {
	if value == nil {
		*m = Manifest{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for Manifest: %T", value)
	}
	if len(data) == 0 {
		*m = Manifest{}
		return nil
	}
	return json.Unmarshal(data, m)
}

func (m Manifest) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// SnapshotRecord is the GORM model for captured snapshots. Rows are
// append-only per change.
type SnapshotRecord struct {
	ID        string                 `gorm:"column:id;primaryKey;type:varchar(36)"`
	ChangeID  string                 `gorm:"column:change_id;type:varchar(36);index:idx_snapshots_change;not null"`
	Systems   change.JSONStringSlice `gorm:"column:systems;type:text;not null"`
	Location  string                 `gorm:"column:location;type:varchar(512);not null"`
	Manifest  Manifest               `gorm:"column:manifest;type:text;not null"`
	SizeBytes int64                  `gorm:"column:size_bytes;not null;default:0"`
	CreatedAt time.Time              `gorm:"column:created_at;autoCreateTime;index:idx_snapshots_created"`
}

func (SnapshotRecord) TableName() string { return "snapshots" }

// Snapshot is the API representation of a captured snapshot.
type Snapshot struct {
	ID        string    `json:"id"`
	ChangeID  string    `json:"changeId"`
	Systems   []string  `json:"systems"`
	Location  string    `json:"location"`
	Manifest  *Manifest `json:"manifest"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt string    `json:"createdAt"`
}

func (r *SnapshotRecord) ToAPI() *Snapshot {
	manifest := r.Manifest
	return &Snapshot{
		ID:        r.ID,
		ChangeID:  r.ChangeID,
		Systems:   []string(r.Systems),
		Location:  r.Location,
		Manifest:  &manifest,
		SizeBytes: r.SizeBytes,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
	}
}
