package garden

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Policy selects how the gate enforces one planting per visitor.
type Policy string

const (
	// PolicyCooperative checks hasPlanted, then writes. Two concurrent attempts
	// for one visitor can both pass the check and both plant.
	PolicyCooperative Policy = "cooperative"
	// PolicyAtomic claims the visitor with a conditional upsert before planting,
	// so concurrent attempts produce exactly one planting.
	PolicyAtomic Policy = "atomic"
)

// ParsePolicy maps configuration text onto a Policy.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(value))) {
	case PolicyAtomic, "":
		return PolicyAtomic, nil
	case PolicyCooperative:
		return PolicyCooperative, nil
	default:
		return "", fmt.Errorf("garden: unknown admission policy %q", value)
	}
}

// Outcome is the terminal result of a planting attempt.
type Outcome string

const (
	OutcomePlanted        Outcome = "planted"
	OutcomeAlreadyPlanted Outcome = "already_planted"
)

const (
	opPlant        = "garden.plant"
	opCheckPlanted = "garden.check_planted"
)

var errMissingStore = errors.New("store dependency required")

// CountryLocator resolves a best-effort country code. Implementations return
// UnknownCountry rather than failing.
type CountryLocator interface {
	Lookup(ctx context.Context, ip string) string
}

// GateConfig wires the admission gate.
type GateConfig struct {
	Store   Store
	Sampler *Sampler
	Locator CountryLocator
	Policy  Policy
	Logger  *zap.Logger
}

// Gate admits at most one planting per visitor identifier.
type Gate struct {
	store   Store
	sampler *Sampler
	locator CountryLocator
	policy  Policy
	logger  *zap.Logger
}

// NewGate validates the configuration and returns a gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	sampler := cfg.Sampler
	if sampler == nil {
		var err error
		sampler, err = NewSampler(DefaultField())
		if err != nil {
			return nil, err
		}
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyAtomic
	}
	if policy != PolicyAtomic && policy != PolicyCooperative {
		return nil, fmt.Errorf("garden: unknown admission policy %q", policy)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Gate{
		store:   cfg.Store,
		sampler: sampler,
		locator: cfg.Locator,
		policy:  policy,
		logger:  logger,
	}, nil
}

// Policy reports the enforcement policy in use.
func (g *Gate) Policy() Policy {
	return g.policy
}

// PlantRequest identifies the visitor attempting to plant.
type PlantRequest struct {
	VisitorID string
	// CountryCode skips the locator when set.
	CountryCode string
	// ClientIP is handed to the locator.
	ClientIP string
}

// PlantResult reports what the gate did.
type PlantResult struct {
	Outcome  Outcome
	Planting Planting
	Visitor  Visitor
}

// CheckVisitorPlanted reports whether the visitor record exists with hasPlanted set.
// A missing record is a negative answer, not an error.
func (g *Gate) CheckVisitorPlanted(ctx context.Context, visitorID string) (bool, error) {
	visitor, err := g.store.GetVisitor(ctx, visitorID)
	if errors.Is(err, ErrVisitorNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapGateError(opCheckPlanted, "visitor_lookup_failed", err)
	}
	return visitor.HasPlanted, nil
}

// Plant runs the admission gate and, when admitted, appends one planting.
func (g *Gate) Plant(ctx context.Context, request PlantRequest) (PlantResult, error) {
	visitorID, err := NewVisitorID(request.VisitorID)
	if err != nil {
		return PlantResult{}, err
	}
	request.VisitorID = visitorID

	if g.policy == PolicyCooperative {
		return g.plantCooperative(ctx, request)
	}
	return g.plantAtomic(ctx, request)
}

func (g *Gate) plantCooperative(ctx context.Context, request PlantRequest) (PlantResult, error) {
	planted, err := g.CheckVisitorPlanted(ctx, request.VisitorID)
	if err != nil {
		g.logFailure("visitor_check_failed", request.VisitorID, err)
		return PlantResult{}, err
	}
	if planted {
		g.logger.Info("visitor already planted", zap.String("visitor_id", request.VisitorID))
		return PlantResult{Outcome: OutcomeAlreadyPlanted}, nil
	}

	country := g.resolveCountry(ctx, request)
	planting, err := g.store.CreatePlanting(ctx, g.sampler.Draft(request.VisitorID, country))
	if err != nil {
		g.logFailure("planting_create_failed", request.VisitorID, err)
		return PlantResult{}, wrapGateError(opPlant, "planting_create_failed", err)
	}

	hasPlanted := true
	visitor, err := g.store.UpsertVisitor(ctx, VisitorUpdate{
		VisitorID:   request.VisitorID,
		HasPlanted:  &hasPlanted,
		CountryCode: country,
	})
	result := PlantResult{Outcome: OutcomePlanted, Planting: planting, Visitor: visitor}
	if err != nil {
		// The planting is already committed; the missing visitor flag lets this visitor plant again.
		g.logFailure("visitor_upsert_failed", request.VisitorID, err, zap.String("planting_id", planting.ID))
		return result, wrapGateError(opPlant, "visitor_upsert_failed", err)
	}

	g.logPlanted(planting)
	return result, nil
}

func (g *Gate) plantAtomic(ctx context.Context, request PlantRequest) (PlantResult, error) {
	country := g.resolveCountry(ctx, request)

	visitor, err := g.store.ClaimVisitor(ctx, request.VisitorID, country)
	if errors.Is(err, ErrAlreadyPlanted) {
		g.logger.Info("visitor already planted", zap.String("visitor_id", request.VisitorID))
		return PlantResult{Outcome: OutcomeAlreadyPlanted}, nil
	}
	if err != nil {
		g.logFailure("visitor_claim_failed", request.VisitorID, err)
		return PlantResult{}, wrapGateError(opPlant, "visitor_claim_failed", err)
	}

	planting, err := g.store.CreatePlanting(ctx, g.sampler.Draft(request.VisitorID, country))
	if err != nil {
		g.logFailure("planting_create_failed", request.VisitorID, err)
		if releaseErr := g.store.ReleaseVisitor(context.WithoutCancel(ctx), request.VisitorID); releaseErr != nil {
			g.logFailure("visitor_release_failed", request.VisitorID, releaseErr)
		}
		return PlantResult{}, wrapGateError(opPlant, "planting_create_failed", err)
	}

	g.logPlanted(planting)
	return PlantResult{Outcome: OutcomePlanted, Planting: planting, Visitor: visitor}, nil
}

func (g *Gate) resolveCountry(ctx context.Context, request PlantRequest) string {
	if code := NormalizeCountryCode(request.CountryCode); code != "" {
		return code
	}
	if g.locator == nil {
		return UnknownCountry
	}
	code := NormalizeCountryCode(g.locator.Lookup(ctx, request.ClientIP))
	if code == "" {
		return UnknownCountry
	}
	return code
}

func (g *Gate) logPlanted(planting Planting) {
	g.logger.Info("planting admitted",
		zap.String("policy", string(g.policy)),
		zap.String("visitor_id", planting.VisitorID),
		zap.String("planting_id", planting.ID))
}

func (g *Gate) logFailure(reason, visitorID string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opPlant),
		zap.String("reason", reason),
		zap.String("policy", string(g.policy)),
		zap.String("visitor_id", visitorID),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	g.logger.Warn("plant attempt failed", attrs...)
}

// wrapGateError keeps an inner ServiceError code visible to callers.
func wrapGateError(operation, reason string, err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	return newServiceError(operation, reason, err)
}
