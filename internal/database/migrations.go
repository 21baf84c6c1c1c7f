package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillItemOrder = "2026-07-21_backfill_item_order_positions"

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
		{name: migrationBackfillItemOrder, apply: backfillItemOrderPositions},
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

// backfillItemOrderPositions assigns positions to rows imported before
// order_position existed, preserving creation order within each block.
func backfillItemOrderPositions(db *gorm.DB) error {
	return db.Exec(`
		UPDATE schedule_items SET order_position = (
			SELECT COUNT(*) FROM schedule_items AS earlier
			WHERE earlier.time_block_id = schedule_items.time_block_id
			  AND earlier.created_at < schedule_items.created_at
		)
		WHERE order_position = 0;
	`).Error
}
