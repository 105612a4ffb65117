package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/snapshot"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDropUnversionedSnapshots = "2026-03-01_drop_unversioned_snapshots"
	migrationDropStaleSnapshotSchemas = "2026-04-15_drop_stale_snapshot_schemas"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDropUnversionedSnapshots, apply: dropUnversionedSnapshots},
		{name: migrationDropStaleSnapshotSchemas, apply: dropStaleSnapshotSchemas},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Snapshots written before versioning carry schema_version 0 and can never validate.
func dropUnversionedSnapshots(db *gorm.DB) error {
	return db.Where("schema_version = 0").Delete(&snapshot.Record{}).Error
}

func dropStaleSnapshotSchemas(db *gorm.DB) error {
	return db.Where("schema_version <> ?", snapshot.SchemaVersion).Delete(&snapshot.Record{}).Error
}
