package identity

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VisitorIDKey is the fixed storage key holding the visitor identifier.
const VisitorIDKey = "visitorId"

var errMissingStorage = errors.New("identity: storage required")

// ProviderConfig wires a visitor identity provider.
type ProviderConfig struct {
	Storage Storage
	// NewSecureID defaults to a random UUIDv4.
	NewSecureID func() (string, error)
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Provider issues and remembers the visitor identifier for one storage profile.
type Provider struct {
	storage     Storage
	newSecureID func() (string, error)
	clock       func() time.Time
	logger      *zap.Logger
	mu          sync.Mutex
}

// NewProvider constructs a provider over the given storage.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Storage == nil {
		return nil, errMissingStorage
	}
	newSecureID := cfg.NewSecureID
	if newSecureID == nil {
		newSecureID = newUUIDv4
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		storage:     cfg.Storage,
		newSecureID: newSecureID,
		clock:       clock,
		logger:      logger,
	}, nil
}

// GetOrCreateVisitorID returns the stored identifier, minting and persisting one on first use.
func (p *Provider) GetOrCreateVisitorID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, err := p.storage.Get(VisitorIDKey)
	if err == nil && strings.TrimSpace(existing) != "" {
		return existing, nil
	}
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return "", fmt.Errorf("identity: read visitor id: %w", err)
	}

	visitorID, err := p.newSecureID()
	if err != nil || strings.TrimSpace(visitorID) == "" {
		p.logger.Warn("secure visitor id unavailable, using pseudo-random fallback", zap.Error(err))
		visitorID = p.fallbackID()
	}

	if err := p.storage.Set(VisitorIDKey, visitorID); err != nil {
		return "", fmt.Errorf("identity: persist visitor id: %w", err)
	}
	p.logger.Info("visitor id created", zap.String("visitor_id", visitorID))
	return visitorID, nil
}

// fallbackID returns a base-36 pseudo-random string with a time component.
func (p *Provider) fallbackID() string {
	nanos := p.clock().UnixNano()
	rng := mrand.New(mrand.NewSource(nanos))
	return strconv.FormatUint(rng.Uint64(), 36) + strconv.FormatInt(nanos, 36)
}

func newUUIDv4() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
