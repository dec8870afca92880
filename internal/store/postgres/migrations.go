package postgres

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB, dimensions int) error {
	vectorType := "vector"
	if dimensions > 0 {
		vectorType = fmt.Sprintf("vector(%d)", dimensions)
	}

	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: pgvector extension and clusters table
		{
			ID: "001_clusters",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE EXTENSION IF NOT EXISTS vector`,
					fmt.Sprintf(`CREATE TABLE IF NOT EXISTS clusters (
						id         TEXT PRIMARY KEY,
						centroid   %s NOT NULL,
						members    TEXT[] NOT NULL CHECK (cardinality(members) > 0),
						seq        BIGSERIAL,
						created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
						updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
					)`, vectorType),
					`CREATE INDEX IF NOT EXISTS idx_clusters_seq ON clusters (seq)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("clusters")
			},
		},
	})

	return m.Migrate()
}
