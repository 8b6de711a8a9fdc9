package garden

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the tree variants a planting can take.
type Kind int

const (
	// KindSeedling is the smallest tree variant.
	KindSeedling Kind = iota
	// KindShrub is the medium tree variant.
	KindShrub
	// KindTree is the largest tree variant.
	KindTree
)

// kindCount is the number of valid Kind values.
const kindCount = 3

const (
	maxIdentifierLength = 190
	maxCountryLength    = 16
	// UnknownCountry marks a planting or visitor whose country could not be resolved.
	UnknownCountry = "unknown"
)

var (
	// ErrInvalidVisitorID indicates that a visitor identifier is empty or exceeds storage bounds.
	ErrInvalidVisitorID = errors.New("garden: invalid visitor id")
	// ErrInvalidPlanting indicates that a planting draft violates field bounds or kind range.
	ErrInvalidPlanting = errors.New("garden: invalid planting")
	// ErrVisitorNotFound indicates that no visitor record exists for the identifier.
	ErrVisitorNotFound = errors.New("garden: visitor not found")
	// ErrAlreadyPlanted indicates that a conditional claim found the visitor already planted.
	ErrAlreadyPlanted = errors.New("garden: visitor already planted")
)

// Kinds returns every valid kind in ascending order.
func Kinds() []Kind {
	return []Kind{KindSeedling, KindShrub, KindTree}
}

// Valid reports whether the kind is one of the enumerated variants.
func (k Kind) Valid() bool {
	return k >= 0 && k < kindCount
}

func (k Kind) String() string {
	switch k {
	case KindSeedling:
		return "seedling"
	case KindShrub:
		return "shrub"
	case KindTree:
		return "tree"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// NewVisitorID validates raw input and returns the trimmed identifier.
func NewVisitorID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVisitorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVisitorID, maxIdentifierLength)
	}
	return trimmed, nil
}

// NormalizeCountryCode upper-cases a country code. Blank input stays blank,
// any spelling of "unknown" collapses to UnknownCountry.
func NormalizeCountryCode(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if strings.EqualFold(trimmed, UnknownCountry) {
		return UnknownCountry
	}
	if len(trimmed) > maxCountryLength {
		trimmed = trimmed[:maxCountryLength]
	}
	return strings.ToUpper(trimmed)
}

// Planting is one visitor's tree. Records are append-only; position, kind and owner never change.
type Planting struct {
	ID              string `gorm:"column:planting_id;primaryKey;size:64;not null"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null;index:idx_plantings_created"`
	X               int    `gorm:"column:x;not null"`
	Y               int    `gorm:"column:y;not null"`
	Kind            Kind   `gorm:"column:kind;not null"`
	VisitorID       string `gorm:"column:visitor_id;size:190;not null;index:idx_plantings_visitor"`
	CountryCode     string `gorm:"column:country_code;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Planting) TableName() string {
	return "plantings"
}

// CreatedAt returns the store-assigned creation time. The zero time means the
// record carries no timestamp.
func (p Planting) CreatedAt() time.Time {
	return microsToTime(p.CreatedAtMicros)
}

// Visitor tracks planting eligibility for one visitor identifier.
type Visitor struct {
	VisitorID         string    `gorm:"column:visitor_id;primaryKey;size:190;not null"`
	HasPlanted        bool      `gorm:"column:has_planted;not null"`
	LastPlantedMicros int64     `gorm:"column:last_planted_us;not null"`
	CountryCode       string    `gorm:"column:country_code;size:16;not null"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Visitor) TableName() string {
	return "visitors"
}

// LastPlanted returns the time of the most recent planting, or the zero time.
func (v Visitor) LastPlanted() time.Time {
	return microsToTime(v.LastPlantedMicros)
}

// PlantingDraft describes a planting before the store assigns its id and timestamp.
type PlantingDraft struct {
	X           int
	Y           int
	Kind        Kind
	VisitorID   string
	CountryCode string
}

// VisitorUpdate describes a merge upsert. Nil or blank fields leave stored values untouched.
type VisitorUpdate struct {
	VisitorID   string
	HasPlanted  *bool
	CountryCode string
}

func microsToTime(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.UnixMicro(value).UTC()
}
