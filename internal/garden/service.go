package garden

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "garden.service.new"
	opGetVisitor      = "garden.get_visitor"
	opUpsertVisitor   = "garden.upsert_visitor"
	opClaimVisitor    = "garden.claim_visitor"
	opReleaseVisitor  = "garden.release_visitor"
	opCreatePlanting  = "garden.create_planting"
	opListPlantings   = "garden.list_plantings"
	columnVisitorID   = "visitor_id"
	queryVisitorID    = columnVisitorID + " = ?"
	orderCreatedAsc   = "created_at_us ASC, planting_id ASC"
	reasonMissingDB   = "missing_database"
	reasonQueryFailed = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Store is the document-store surface the admission gate and the synchronizer need.
// Service implements it over gorm; gardenclient implements it over HTTP.
type Store interface {
	GetVisitor(ctx context.Context, visitorID string) (Visitor, error)
	UpsertVisitor(ctx context.Context, update VisitorUpdate) (Visitor, error)
	ClaimVisitor(ctx context.Context, visitorID, countryCode string) (Visitor, error)
	ReleaseVisitor(ctx context.Context, visitorID string) error
	CreatePlanting(ctx context.Context, draft PlantingDraft) (Planting, error)
	ListPlantings(ctx context.Context) ([]Planting, error)
}

// ServiceConfig describes the dependencies of the gorm-backed store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Field      Field
	Logger     *zap.Logger
	// OnPlantingCreated runs after every committed planting.
	OnPlantingCreated func(Planting)
}

type IDProvider interface {
	NewID() (string, error)
}

// Service persists plantings and visitor records.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	field      Field
	logger     *zap.Logger
	onCreated  func(Planting)

	stampMu   sync.Mutex
	lastStamp int64
}

var _ Store = (*Service)(nil)

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	field := cfg.Field
	if field == (Field{}) {
		field = DefaultField()
	}
	if err := field.Validate(); err != nil {
		return nil, newServiceError(opServiceNew, "invalid_field", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	service := &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		field:      field,
		logger:     logger,
		onCreated:  cfg.OnPlantingCreated,
	}

	var lastStamp int64
	if err := cfg.Database.Model(&Planting{}).
		Select("COALESCE(MAX(created_at_us), 0)").
		Scan(&lastStamp).Error; err != nil {
		return nil, newServiceError(opServiceNew, "timestamp_seed_failed", err)
	}
	service.lastStamp = lastStamp

	return service, nil
}

// Field returns the configured field geometry.
func (s *Service) Field() Field {
	return s.field
}

// GetVisitor loads the visitor record, returning ErrVisitorNotFound when absent.
func (s *Service) GetVisitor(ctx context.Context, visitorID string) (Visitor, error) {
	if s.db == nil {
		return Visitor{}, newServiceError(opGetVisitor, reasonMissingDB, errMissingDatabase)
	}
	id, err := NewVisitorID(visitorID)
	if err != nil {
		return Visitor{}, err
	}

	var visitor Visitor
	err = s.db.WithContext(ctx).Where(queryVisitorID, id).Take(&visitor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Visitor{}, ErrVisitorNotFound
	}
	if err != nil {
		s.logError(opGetVisitor, reasonQueryFailed, err, zap.String("visitor_id", id))
		return Visitor{}, newServiceError(opGetVisitor, reasonQueryFailed, err)
	}
	return visitor, nil
}

// UpsertVisitor creates or merges the visitor record. Setting HasPlanted to true
// also stamps lastPlanted with server time.
func (s *Service) UpsertVisitor(ctx context.Context, update VisitorUpdate) (Visitor, error) {
	if s.db == nil {
		return Visitor{}, newServiceError(opUpsertVisitor, reasonMissingDB, errMissingDatabase)
	}
	id, err := NewVisitorID(update.VisitorID)
	if err != nil {
		return Visitor{}, err
	}

	now := s.clock().UTC()
	record := Visitor{
		VisitorID:   id,
		CountryCode: NormalizeCountryCode(update.CountryCode),
	}
	assignments := map[string]interface{}{"updated_at": now}
	if update.HasPlanted != nil {
		record.HasPlanted = *update.HasPlanted
		assignments["has_planted"] = record.HasPlanted
		if record.HasPlanted {
			record.LastPlantedMicros = s.nextTimestamp()
			assignments["last_planted_us"] = record.LastPlantedMicros
		}
	}
	if value, ok := countryAssignment(record.CountryCode); ok {
		assignments["country_code"] = value
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnVisitorID}},
			DoUpdates: clause.Assignments(assignments),
		}).
		Create(&record).Error
	if err != nil {
		s.logError(opUpsertVisitor, "upsert_failed", err, zap.String("visitor_id", id))
		return Visitor{}, newServiceError(opUpsertVisitor, "upsert_failed", err)
	}

	return s.reloadVisitor(ctx, opUpsertVisitor, id)
}

// ClaimVisitor atomically flips hasPlanted from false (or absent) to true.
// It returns ErrAlreadyPlanted when the flag was already set.
func (s *Service) ClaimVisitor(ctx context.Context, visitorID, countryCode string) (Visitor, error) {
	if s.db == nil {
		return Visitor{}, newServiceError(opClaimVisitor, reasonMissingDB, errMissingDatabase)
	}
	id, err := NewVisitorID(visitorID)
	if err != nil {
		return Visitor{}, err
	}

	stamp := s.nextTimestamp()
	record := Visitor{
		VisitorID:         id,
		HasPlanted:        true,
		LastPlantedMicros: stamp,
		CountryCode:       NormalizeCountryCode(countryCode),
	}
	assignments := map[string]interface{}{
		"has_planted":     true,
		"last_planted_us": stamp,
		"updated_at":      s.clock().UTC(),
	}
	if value, ok := countryAssignment(record.CountryCode); ok {
		assignments["country_code"] = value
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnVisitorID}},
			DoUpdates: clause.Assignments(assignments),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "visitors.has_planted = ?", Vars: []interface{}{false}},
			}},
		}).
		Create(&record)
	if result.Error != nil {
		s.logError(opClaimVisitor, "claim_failed", result.Error, zap.String("visitor_id", id))
		return Visitor{}, newServiceError(opClaimVisitor, "claim_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Visitor{}, ErrAlreadyPlanted
	}

	return s.reloadVisitor(ctx, opClaimVisitor, id)
}

// ReleaseVisitor clears hasPlanted so a failed planting can be retried.
func (s *Service) ReleaseVisitor(ctx context.Context, visitorID string) error {
	if s.db == nil {
		return newServiceError(opReleaseVisitor, reasonMissingDB, errMissingDatabase)
	}
	id, err := NewVisitorID(visitorID)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Model(&Visitor{}).
		Where(queryVisitorID, id).
		Updates(map[string]interface{}{
			"has_planted": false,
			"updated_at":  s.clock().UTC(),
		}).Error
	if err != nil {
		s.logError(opReleaseVisitor, "update_failed", err, zap.String("visitor_id", id))
		return newServiceError(opReleaseVisitor, "update_failed", err)
	}
	return nil
}

// CreatePlanting appends a planting with a store-assigned id and timestamp.
func (s *Service) CreatePlanting(ctx context.Context, draft PlantingDraft) (Planting, error) {
	if s.db == nil {
		return Planting{}, newServiceError(opCreatePlanting, reasonMissingDB, errMissingDatabase)
	}
	if s.idProvider == nil {
		return Planting{}, newServiceError(opCreatePlanting, "missing_id_provider", errMissingIDProvider)
	}
	visitorID, err := s.validateDraft(draft)
	if err != nil {
		return Planting{}, err
	}

	plantingID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreatePlanting, "id_generation_failed", err)
		return Planting{}, newServiceError(opCreatePlanting, "id_generation_failed", err)
	}

	country := NormalizeCountryCode(draft.CountryCode)
	if country == "" {
		country = UnknownCountry
	}
	planting := Planting{
		ID:          plantingID,
		X:           draft.X,
		Y:           draft.Y,
		Kind:        draft.Kind,
		VisitorID:   visitorID,
		CountryCode: country,
	}

	// Stamp and insert under one lock so commit order matches timestamp order.
	s.stampMu.Lock()
	planting.CreatedAtMicros = s.nextTimestampLocked()
	err = s.db.WithContext(ctx).Create(&planting).Error
	s.stampMu.Unlock()
	if err != nil {
		s.logError(opCreatePlanting, "insert_failed", err, zap.String("visitor_id", visitorID))
		return Planting{}, newServiceError(opCreatePlanting, "insert_failed", err)
	}

	s.loggerOrDefault().Debug("planting created",
		zap.String("planting_id", planting.ID),
		zap.String("visitor_id", planting.VisitorID),
		zap.Int("x", planting.X),
		zap.Int("y", planting.Y),
		zap.Stringer("kind", planting.Kind))

	if s.onCreated != nil {
		s.onCreated(planting)
	}
	return planting, nil
}

// ListPlantings returns the whole collection in creation order.
func (s *Service) ListPlantings(ctx context.Context) ([]Planting, error) {
	if s.db == nil {
		return nil, newServiceError(opListPlantings, reasonMissingDB, errMissingDatabase)
	}
	var plantings []Planting
	if err := s.db.WithContext(ctx).Order(orderCreatedAsc).Find(&plantings).Error; err != nil {
		s.logError(opListPlantings, reasonQueryFailed, err)
		return nil, newServiceError(opListPlantings, reasonQueryFailed, err)
	}
	return plantings, nil
}

// countryAssignment returns the update for a visitor's stored country. A real
// code replaces it; the unknown fallback only fills a blank one.
func countryAssignment(code string) (interface{}, bool) {
	switch code {
	case "":
		return nil, false
	case UnknownCountry:
		return gorm.Expr("COALESCE(NULLIF(visitors.country_code, ''), ?)", UnknownCountry), true
	default:
		return code, true
	}
}

func (s *Service) validateDraft(draft PlantingDraft) (string, error) {
	visitorID, err := NewVisitorID(draft.VisitorID)
	if err != nil {
		return "", err
	}
	if !s.field.Contains(draft.X, draft.Y) {
		return "", fmt.Errorf("%w: position (%d,%d) outside %dx%d field", ErrInvalidPlanting, draft.X, draft.Y, s.field.Width, s.field.Height)
	}
	if !draft.Kind.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidPlanting, draft.Kind)
	}
	return visitorID, nil
}

func (s *Service) reloadVisitor(ctx context.Context, operation, visitorID string) (Visitor, error) {
	var visitor Visitor
	if err := s.db.WithContext(ctx).Where(queryVisitorID, visitorID).Take(&visitor).Error; err != nil {
		s.logError(operation, "reload_failed", err, zap.String("visitor_id", visitorID))
		return Visitor{}, newServiceError(operation, "reload_failed", err)
	}
	return visitor, nil
}

func (s *Service) nextTimestamp() int64 {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	return s.nextTimestampLocked()
}

// nextTimestampLocked returns a strictly increasing server time in microseconds.
func (s *Service) nextTimestampLocked() int64 {
	now := s.clock().UTC().UnixMicro()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("garden service error", attrs...)
}
