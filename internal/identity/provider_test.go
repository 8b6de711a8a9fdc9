package identity

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGetOrCreateVisitorIDIsIdempotent(t *testing.T) {
	storage := NewMemoryStorage()
	provider, err := NewProvider(ProviderConfig{Storage: storage})
	if err != nil {
		t.Fatalf("failed to construct provider: %v", err)
	}

	first, err := provider.GetOrCreateVisitorID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := provider.GetOrCreateVisitorID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical ids, got %q and %q", first, second)
	}
	parsed, err := uuid.Parse(first)
	if err != nil {
		t.Fatalf("expected a uuid, got %q: %v", first, err)
	}
	if parsed.Version() != 4 {
		t.Fatalf("expected uuid v4, got v%d", parsed.Version())
	}
	stored, err := storage.Get(VisitorIDKey)
	if err != nil || stored != first {
		t.Fatalf("expected %q persisted under %s, got %q (%v)", first, VisitorIDKey, stored, err)
	}
}

func TestGetOrCreateVisitorIDReturnsStoredValueUnchanged(t *testing.T) {
	storage := NewMemoryStorage()
	if err := storage.Set(VisitorIDKey, "existing-visitor"); err != nil {
		t.Fatalf("failed to seed storage: %v", err)
	}
	provider, err := NewProvider(ProviderConfig{
		Storage: storage,
		NewSecureID: func() (string, error) {
			t.Fatalf("generator must not run when an id is stored")
			return "", nil
		},
	})
	if err != nil {
		t.Fatalf("failed to construct provider: %v", err)
	}
	visitorID, err := provider.GetOrCreateVisitorID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if visitorID != "existing-visitor" {
		t.Fatalf("expected stored id, got %q", visitorID)
	}
}

func TestGetOrCreateVisitorIDFallsBackWithoutSecureGenerator(t *testing.T) {
	storage := NewMemoryStorage()
	provider, err := NewProvider(ProviderConfig{
		Storage: storage,
		NewSecureID: func() (string, error) {
			return "", errors.New("entropy unavailable")
		},
		Clock: func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to construct provider: %v", err)
	}
	visitorID, err := provider.GetOrCreateVisitorID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if visitorID == "" {
		t.Fatalf("expected a fallback id")
	}
	again, err := provider.GetOrCreateVisitorID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != visitorID {
		t.Fatalf("expected fallback id to persist, got %q then %q", visitorID, again)
	}
}

func TestGetOrCreateVisitorIDConcurrentCallsAgree(t *testing.T) {
	provider, err := NewProvider(ProviderConfig{Storage: NewMemoryStorage()})
	if err != nil {
		t.Fatalf("failed to construct provider: %v", err)
	}
	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for index := 0; index < callers; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			ids[index], _ = provider.GetOrCreateVisitorID()
		}(index)
	}
	wg.Wait()
	for index := 1; index < callers; index++ {
		if ids[index] != ids[0] {
			t.Fatalf("caller %d got %q, expected %q", index, ids[index], ids[0])
		}
	}
}

func TestFileStorageSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")
	storage, err := NewFileStorage(path)
	if err != nil {
		t.Fatalf("failed to construct storage: %v", err)
	}
	provider, err := NewProvider(ProviderConfig{Storage: storage})
	if err != nil {
		t.Fatalf("failed to construct provider: %v", err)
	}
	first, err := provider.GetOrCreateVisitorID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reopened, err := NewFileStorage(path)
	if err != nil {
		t.Fatalf("failed to reopen storage: %v", err)
	}
	if reopened.Path() != path {
		t.Fatalf("expected storage path %q, got %q", path, reopened.Path())
	}
	secondProvider, err := NewProvider(ProviderConfig{Storage: reopened})
	if err != nil {
		t.Fatalf("failed to construct provider: %v", err)
	}
	second, err := secondProvider.GetOrCreateVisitorID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected id to survive reopen, got %q then %q", first, second)
	}
}

func TestFileStorageMissingKey(t *testing.T) {
	storage, err := NewFileStorage(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatalf("failed to construct storage: %v", err)
	}
	if _, err := storage.Get(VisitorIDKey); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}
