package model

import (
	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
)

// addColumnIfMissing adds a single column only when the migrator does not see
// it yet, so re-running against an upgraded schema is a no-op.
func addColumnIfMissing(db *gorm.DB, model any, column string) error {
	m := db.Migrator()
	if m.HasColumn(model, column) {
		return nil
	}
	if err := m.AddColumn(model, column); err != nil {
		return errors.Wrapf(err, "add column %s", column)
	}
	return nil
}

// MigrateAddVideoTaskColumns backfills video_tasks.video_duration_seconds on
// installs that predate duration-based video billing.
func MigrateAddVideoTaskColumns(db *gorm.DB) error {
	return addColumnIfMissing(db, &VideoTask{}, "VideoDurationSeconds")
}

// MigrateAddEndpointBodyRules backfills provider_endpoints.body_rules on
// installs that predate request body rewriting.
func MigrateAddEndpointBodyRules(db *gorm.DB) error {
	return addColumnIfMissing(db, &ProviderEndpoint{}, "BodyRules")
}
