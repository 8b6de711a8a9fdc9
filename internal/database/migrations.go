package database

import (
	"errors"
	"time"

	"github.com/The777Bot/visitor-garden/internal/garden"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeCountryCodes = "2026-09-21_normalize_country_codes"

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
		{name: migrationNormalizeCountryCodes, apply: normalizeCountryCodes},
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
		if err := db.Transaction(migration.apply); err != nil {
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

// normalizeCountryCodes uppercases stored codes and marks blank planting
// countries with the unknown sentinel. Visitors keep blank codes.
func normalizeCountryCodes(tx *gorm.DB) error {
	if err := tx.Model(&garden.Planting{}).
		Where("country_code IS NULL OR TRIM(country_code) = '' OR LOWER(TRIM(country_code)) = ?", garden.UnknownCountry).
		Update("country_code", garden.UnknownCountry).Error; err != nil {
		return err
	}
	if err := tx.Model(&garden.Planting{}).
		Where("country_code <> ?", garden.UnknownCountry).
		Update("country_code", gorm.Expr("UPPER(TRIM(country_code))")).Error; err != nil {
		return err
	}
	if err := tx.Model(&garden.Visitor{}).
		Where("LOWER(TRIM(country_code)) = ?", garden.UnknownCountry).
		Update("country_code", garden.UnknownCountry).Error; err != nil {
		return err
	}
	return tx.Model(&garden.Visitor{}).
		Where("country_code <> '' AND country_code <> ?", garden.UnknownCountry).
		Update("country_code", gorm.Expr("UPPER(TRIM(country_code))")).Error
}
