package garden

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

type sequenceIDProvider struct {
	prefix string
	next   atomic.Int64
}

func (p *sequenceIDProvider) NewID() (string, error) {
	prefix := p.prefix
	if prefix == "" {
		prefix = "planting"
	}
	return fmt.Sprintf("%s-%03d", prefix, p.next.Add(1)), nil
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:garden_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Planting{}, &Visitor{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *gorm.DB) {
	t.Helper()

	db := newTestDatabase(t)
	cfg.Database = db
	if cfg.IDProvider == nil {
		cfg.IDProvider = &sequenceIDProvider{}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Unix(1700000600, 0).UTC() }
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct garden service: %v", err)
	}
	return service, db
}

func mustSampler(t *testing.T, field Field, seed int64) *Sampler {
	t.Helper()
	sampler, err := NewSeededSampler(field, seed)
	if err != nil {
		t.Fatalf("failed to construct sampler: %v", err)
	}
	return sampler
}

func mustGate(t *testing.T, cfg GateConfig) *Gate {
	t.Helper()
	gate, err := NewGate(cfg)
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}
	return gate
}

func countPlantings(t *testing.T, db *gorm.DB, visitorID string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Planting{}).Where("visitor_id = ?", visitorID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count plantings: %v", err)
	}
	return count
}
