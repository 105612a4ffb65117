package snapshot

// SchemaVersion is the document layout written by Save. Rows carrying any other version are discarded on load.
const SchemaVersion = 1

// currentSnapshotID keys the single persisted projection.
const currentSnapshotID = "current"

// Record stores one serialized realtime projection.
type Record struct {
	SnapshotID        string `gorm:"column:snapshot_id;primaryKey;size:64;not null"`
	SchemaVersion     int    `gorm:"column:schema_version;not null;default:0"`
	DocumentJSON      string `gorm:"column:document_json;type:text;not null"`
	CapturedAtSeconds int64  `gorm:"column:captured_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "realtime_snapshots"
}
