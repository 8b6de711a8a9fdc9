package garden

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestServiceCreatePlantingAssignsIDAndMonotonicTimestamps(t *testing.T) {
	var notified []string
	service, _ := newTestService(t, ServiceConfig{
		OnPlantingCreated: func(planting Planting) {
			notified = append(notified, planting.ID)
		},
	})
	ctx := context.Background()

	first, err := service.CreatePlanting(ctx, PlantingDraft{X: 10, Y: 20, Kind: KindShrub, VisitorID: "visitor-1", CountryCode: "de"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	second, err := service.CreatePlanting(ctx, PlantingDraft{X: 30, Y: 40, Kind: KindTree, VisitorID: "visitor-2"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("expected distinct store-assigned ids, got %q and %q", first.ID, second.ID)
	}
	// The test clock is frozen, so ordering must come from the store.
	if second.CreatedAtMicros <= first.CreatedAtMicros {
		t.Fatalf("expected strictly increasing timestamps, got %d then %d", first.CreatedAtMicros, second.CreatedAtMicros)
	}
	if first.CountryCode != "DE" {
		t.Fatalf("expected normalized country code DE, got %q", first.CountryCode)
	}
	if second.CountryCode != UnknownCountry {
		t.Fatalf("expected unknown country fallback, got %q", second.CountryCode)
	}
	if len(notified) != 2 || notified[0] != first.ID || notified[1] != second.ID {
		t.Fatalf("unexpected change notifications: %v", notified)
	}

	snapshot, err := service.ListPlantings(ctx)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(snapshot) != 2 || snapshot[0].ID != first.ID || snapshot[1].ID != second.ID {
		t.Fatalf("unexpected snapshot order: %+v", snapshot)
	}
	if snapshot[0].X != 10 || snapshot[0].Y != 20 || snapshot[0].Kind != KindShrub || snapshot[0].VisitorID != "visitor-1" {
		t.Fatalf("stored planting differs from draft: %+v", snapshot[0])
	}
}

func TestServiceCreatePlantingRejectsInvalidDrafts(t *testing.T) {
	service, db := newTestService(t, ServiceConfig{Field: Field{Width: 100, Height: 50, Padding: 5}})
	testCases := []struct {
		name    string
		draft   PlantingDraft
		wantErr error
	}{
		{name: "x-out-of-range", draft: PlantingDraft{X: 100, Y: 1, VisitorID: "v"}, wantErr: ErrInvalidPlanting},
		{name: "y-negative", draft: PlantingDraft{X: 1, Y: -1, VisitorID: "v"}, wantErr: ErrInvalidPlanting},
		{name: "kind-out-of-range", draft: PlantingDraft{X: 1, Y: 1, Kind: Kind(3), VisitorID: "v"}, wantErr: ErrInvalidPlanting},
		{name: "missing-owner", draft: PlantingDraft{X: 1, Y: 1, VisitorID: "  "}, wantErr: ErrInvalidVisitorID},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.CreatePlanting(context.Background(), testCase.draft)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
	var count int64
	if err := db.Model(&Planting{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count plantings: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no plantings stored, got %d", count)
	}
}

func TestServiceTimestampsContinueAfterRestart(t *testing.T) {
	service, db := newTestService(t, ServiceConfig{})
	planting, err := service.CreatePlanting(context.Background(), PlantingDraft{X: 1, Y: 1, VisitorID: "visitor-1"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	// A clock that went backwards must not produce an older timestamp.
	restarted, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDProvider{prefix: "restarted"},
		Clock:      func() time.Time { return time.Unix(1600000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to construct restarted service: %v", err)
	}
	next, err := restarted.CreatePlanting(context.Background(), PlantingDraft{X: 2, Y: 2, VisitorID: "visitor-2"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if next.CreatedAtMicros <= planting.CreatedAtMicros {
		t.Fatalf("expected timestamp after %d, got %d", planting.CreatedAtMicros, next.CreatedAtMicros)
	}
}

func TestServiceGetVisitorMissingIsNotFound(t *testing.T) {
	service, _ := newTestService(t, ServiceConfig{})
	_, err := service.GetVisitor(context.Background(), "nobody")
	if !errors.Is(err, ErrVisitorNotFound) {
		t.Fatalf("expected ErrVisitorNotFound, got %v", err)
	}
}

func TestServiceUpsertVisitorMergesFields(t *testing.T) {
	service, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	created, err := service.UpsertVisitor(ctx, VisitorUpdate{VisitorID: "visitor-1", CountryCode: "nl"})
	if err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if created.HasPlanted || created.CountryCode != "NL" || created.LastPlantedMicros != 0 {
		t.Fatalf("unexpected created visitor: %+v", created)
	}

	planted := true
	updated, err := service.UpsertVisitor(ctx, VisitorUpdate{VisitorID: "visitor-1", HasPlanted: &planted})
	if err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if !updated.HasPlanted {
		t.Fatalf("expected hasPlanted to be set")
	}
	if updated.CountryCode != "NL" {
		t.Fatalf("expected country code to survive the merge, got %q", updated.CountryCode)
	}
	if updated.LastPlanted().IsZero() {
		t.Fatalf("expected lastPlanted to be stamped")
	}
}

func TestServiceClaimVisitorIsConditional(t *testing.T) {
	service, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	claimed, err := service.ClaimVisitor(ctx, "visitor-1", "se")
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if !claimed.HasPlanted || claimed.CountryCode != "SE" {
		t.Fatalf("unexpected claimed visitor: %+v", claimed)
	}

	if _, err := service.ClaimVisitor(ctx, "visitor-1", ""); !errors.Is(err, ErrAlreadyPlanted) {
		t.Fatalf("expected ErrAlreadyPlanted on second claim, got %v", err)
	}

	if err := service.ReleaseVisitor(ctx, "visitor-1"); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	reclaimed, err := service.ClaimVisitor(ctx, "visitor-1", "")
	if err != nil {
		t.Fatalf("expected claim after release to succeed, got %v", err)
	}
	if reclaimed.CountryCode != "SE" {
		t.Fatalf("expected country code to be preserved, got %q", reclaimed.CountryCode)
	}
}

func TestServiceClaimVisitorOverExistingUnplantedRecord(t *testing.T) {
	service, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	notPlanted := false
	if _, err := service.UpsertVisitor(ctx, VisitorUpdate{VisitorID: "visitor-1", HasPlanted: &notPlanted}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	claimed, err := service.ClaimVisitor(ctx, "visitor-1", "")
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if !claimed.HasPlanted {
		t.Fatalf("expected claim to set hasPlanted")
	}
}

func TestServiceMissingDatabaseReportsCode(t *testing.T) {
	service := &Service{}
	_, err := service.ListPlantings(context.Background())
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.Code() != "garden.list_plantings.missing_database" {
		t.Fatalf("unexpected code %q", serviceErr.Code())
	}
}
