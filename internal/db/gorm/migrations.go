package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Core entity tables
		{
			ID: "001_core_tables",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Session{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&UsageRecord{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&Checkpoint{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("sessions", "usage_records", "checkpoints")
			},
		},

		// Migration 002: Backups table
		{
			ID: "002_backups",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Backup{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("backups")
			},
		},
	})

	return m.Migrate()
}
