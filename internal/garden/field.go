package garden

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"
)

const (
	// DefaultFieldWidth matches the horizontal extent the globe projection assumes.
	DefaultFieldWidth = 5000
	// DefaultFieldHeight matches the vertical extent the globe projection assumes.
	DefaultFieldHeight = 3000
	// DefaultFieldPadding keeps trees off the field edges.
	DefaultFieldPadding = 50
)

var errInvalidField = errors.New("garden: invalid field geometry")

// Field describes the shared planting area.
type Field struct {
	Width   int
	Height  int
	Padding int
}

// DefaultField returns the field used when no geometry is configured.
func DefaultField() Field {
	return Field{Width: DefaultFieldWidth, Height: DefaultFieldHeight, Padding: DefaultFieldPadding}
}

// Validate ensures the padded sampling area is non-empty.
func (f Field) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: width and height must be positive", errInvalidField)
	}
	if f.Padding < 0 {
		return fmt.Errorf("%w: padding must not be negative", errInvalidField)
	}
	if f.Width <= 2*f.Padding || f.Height <= 2*f.Padding {
		return fmt.Errorf("%w: padding %d leaves no room in %dx%d", errInvalidField, f.Padding, f.Width, f.Height)
	}
	return nil
}

// Contains reports whether the position lies inside the field.
func (f Field) Contains(x, y int) bool {
	return x >= 0 && x < f.Width && y >= 0 && y < f.Height
}

// Sampler draws uniformly random positions and kinds for new plantings.
type Sampler struct {
	field Field
	mu    sync.Mutex
	rng   *mrand.Rand
}

// NewSampler returns a sampler seeded from crypto/rand.
func NewSampler(field Field) (*Sampler, error) {
	seed := func() int64 {
		var b [8]byte
		if _, err := crand.Read(b[:]); err == nil {
			return int64(binary.LittleEndian.Uint64(b[:]))
		}
		return time.Now().UnixNano()
	}()
	return NewSeededSampler(field, seed)
}

// NewSeededSampler returns a sampler with a deterministic seed.
func NewSeededSampler(field Field, seed int64) (*Sampler, error) {
	if err := field.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{
		field: field,
		rng:   mrand.New(mrand.NewSource(seed)),
	}, nil
}

// Draft returns a new planting draft owned by visitorID.
func (s *Sampler) Draft(visitorID, countryCode string) PlantingDraft {
	s.mu.Lock()
	defer s.mu.Unlock()

	spanX := s.field.Width - 2*s.field.Padding
	spanY := s.field.Height - 2*s.field.Padding
	return PlantingDraft{
		X:           s.field.Padding + s.rng.Intn(spanX),
		Y:           s.field.Padding + s.rng.Intn(spanY),
		Kind:        Kind(s.rng.Intn(kindCount)),
		VisitorID:   visitorID,
		CountryCode: countryCode,
	}
}
