package main

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/The777Bot/visitor-garden/internal/database"
	"github.com/The777Bot/visitor-garden/internal/garden"
	"github.com/The777Bot/visitor-garden/internal/identity"
	"github.com/The777Bot/visitor-garden/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var testDatabaseSequence atomic.Int64

func newGardenServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:cli_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
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

	dispatcher := server.NewRealtimeDispatcher()
	service, err := garden.NewService(garden.ServiceConfig{
		Database:          db,
		IDProvider:        garden.NewUUIDProvider(),
		OnPlantingCreated: dispatcher.PublishPlanting,
	})
	if err != nil {
		t.Fatalf("failed to construct garden service: %v", err)
	}
	gate, err := garden.NewGate(garden.GateConfig{Store: service})
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{Store: service, Gate: gate, Realtime: dispatcher})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return testServer
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(viper.New())
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("garden %s failed: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestPlantOncePerStateFile(t *testing.T) {
	testServer := newGardenServer(t)
	statePath := filepath.Join(t.TempDir(), "state.yaml")
	common := []string{"--server", testServer.URL, "--state-file", statePath, "--log-level", "error"}

	first := runCLI(t, append([]string{"plant", "--country", "nl"}, common...)...)
	if !strings.HasPrefix(first, "planted a ") {
		t.Fatalf("unexpected first plant output: %q", first)
	}

	second := runCLI(t, append([]string{"plant"}, common...)...)
	if !strings.Contains(second, "has already planted") {
		t.Fatalf("unexpected second plant output: %q", second)
	}

	storage, err := identity.NewFileStorage(statePath)
	if err != nil {
		t.Fatalf("failed to open state: %v", err)
	}
	visitorID, err := storage.Get(identity.VisitorIDKey)
	if err != nil {
		t.Fatalf("expected the visitor id to be persisted: %v", err)
	}

	whoami := runCLI(t, append([]string{"whoami"}, common...)...)
	if whoami != fmt.Sprintf("visitor %s planted=true\n", visitorID) {
		t.Fatalf("unexpected whoami output: %q", whoami)
	}

	stats := runCLI(t, append([]string{"stats"}, common...)...)
	if !strings.HasPrefix(stats, "total: 1\n") || !strings.Contains(stats, "NL") {
		t.Fatalf("unexpected stats output: %q", stats)
	}

	otherState := filepath.Join(t.TempDir(), "other.yaml")
	other := runCLI(t, "plant", "--server", testServer.URL, "--state-file", otherState, "--policy", "cooperative", "--log-level", "error")
	if !strings.HasPrefix(other, "planted a ") {
		t.Fatalf("expected a fresh state file to plant, got %q", other)
	}
}

func TestRejectsUnknownPolicy(t *testing.T) {
	cmd := newRootCommand(viper.New())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"whoami", "--policy", "optimistic", "--state-file", filepath.Join(t.TempDir(), "s.yaml")})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected unknown policy to fail")
	}
}
