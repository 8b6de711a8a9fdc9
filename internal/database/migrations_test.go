package database

import (
	"path/filepath"
	"testing"

	"github.com/The777Bot/visitor-garden/internal/garden"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesCountryCodes(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&garden.Planting{}, &garden.Visitor{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	plantings := []garden.Planting{
		{ID: "p-1", CreatedAtMicros: 1, X: 60, Y: 60, Kind: garden.KindTree, VisitorID: "v-1", CountryCode: " de "},
		{ID: "p-2", CreatedAtMicros: 2, X: 70, Y: 70, Kind: garden.KindShrub, VisitorID: "v-2", CountryCode: ""},
		{ID: "p-3", CreatedAtMicros: 3, X: 80, Y: 80, Kind: garden.KindSeedling, VisitorID: "v-3", CountryCode: "Unknown"},
	}
	if err := database.Create(&plantings).Error; err != nil {
		testContext.Fatalf("failed to insert plantings: %v", err)
	}
	visitors := []garden.Visitor{
		{VisitorID: "v-1", HasPlanted: true, CountryCode: "de"},
		{VisitorID: "v-2", HasPlanted: true, CountryCode: ""},
	}
	if err := database.Create(&visitors).Error; err != nil {
		testContext.Fatalf("failed to insert visitors: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expectedCountries := map[string]string{"p-1": "DE", "p-2": garden.UnknownCountry, "p-3": garden.UnknownCountry}
	for plantingID, expected := range expectedCountries {
		var stored garden.Planting
		if err := database.Where("planting_id = ?", plantingID).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload planting %s: %v", plantingID, err)
		}
		if stored.CountryCode != expected {
			testContext.Fatalf("planting %s: expected %q, got %q", plantingID, expected, stored.CountryCode)
		}
	}

	var reloaded []garden.Visitor
	if err := database.Order("visitor_id ASC").Find(&reloaded).Error; err != nil {
		testContext.Fatalf("failed to reload visitors: %v", err)
	}
	if reloaded[0].CountryCode != "DE" || reloaded[1].CountryCode != "" {
		testContext.Fatalf("unexpected visitor countries: %q %q", reloaded[0].CountryCode, reloaded[1].CountryCode)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeCountryCodes).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "once.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	if err := database.Create(&garden.Planting{ID: "p-late", CreatedAtMicros: 1, X: 60, Y: 60, VisitorID: "v-late", CountryCode: "fr"}).Error; err != nil {
		testContext.Fatalf("failed to insert planting: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}

	var stored garden.Planting
	if err := database.Where("planting_id = ?", "p-late").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload planting: %v", err)
	}
	if stored.CountryCode != "fr" {
		testContext.Fatalf("expected recorded migration to be skipped, got %q", stored.CountryCode)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one migration record, got %d", count)
	}
}
