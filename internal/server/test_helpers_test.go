package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/The777Bot/visitor-garden/internal/database"
	"github.com/The777Bot/visitor-garden/internal/garden"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var testDatabaseSequence atomic.Int64

type testEnvironment struct {
	service    *garden.Service
	gate       *garden.Gate
	dispatcher *RealtimeDispatcher
	handler    http.Handler
}

type testOptions struct {
	policy    garden.Policy
	rateLimit RateLimitConfig
	// wrapStore replaces the store handed to the gate and handler.
	wrapStore    func(garden.Store) garden.Store
	newVisitorID func() (string, error)
}

type staticLocator string

func (l staticLocator) Lookup(context.Context, string) string {
	return string(l)
}

func newTestEnvironment(t *testing.T, options testOptions) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	dispatcher := NewRealtimeDispatcher()
	service, err := garden.NewService(garden.ServiceConfig{
		Database:          db,
		IDProvider:        garden.NewUUIDProvider(),
		OnPlantingCreated: dispatcher.PublishPlanting,
	})
	if err != nil {
		t.Fatalf("failed to construct garden service: %v", err)
	}

	var store garden.Store = service
	if options.wrapStore != nil {
		store = options.wrapStore(service)
	}
	sampler, err := garden.NewSeededSampler(service.Field(), 7)
	if err != nil {
		t.Fatalf("failed to construct sampler: %v", err)
	}
	gate, err := garden.NewGate(garden.GateConfig{
		Store:   store,
		Sampler: sampler,
		Locator: staticLocator("SE"),
		Policy:  options.policy,
	})
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Store:        store,
		Gate:         gate,
		Realtime:     dispatcher,
		Field:        service.Field(),
		RateLimit:    options.rateLimit,
		NewVisitorID: options.newVisitorID,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testEnvironment{service: service, gate: gate, dispatcher: dispatcher, handler: handler}
}

func (e *testEnvironment) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

// failingPlantingStore fails every CreatePlanting call.
type failingPlantingStore struct {
	garden.Store
}

func (failingPlantingStore) CreatePlanting(context.Context, garden.PlantingDraft) (garden.Planting, error) {
	return garden.Planting{}, errors.New("disk full")
}
