package garden

import "time"

// PlantingDocument is the JSON form of a planting exchanged with clients.
type PlantingDocument struct {
	ID          string     `json:"id"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	X           int        `json:"x"`
	Y           int        `json:"y"`
	Type        int        `json:"type"`
	VisitorID   string     `json:"visitorId"`
	CountryCode string     `json:"countryCode,omitempty"`
}

// VisitorDocument is the JSON form of a visitor record.
type VisitorDocument struct {
	VisitorID   string     `json:"visitorId"`
	HasPlanted  bool       `json:"hasPlanted"`
	LastPlanted *time.Time `json:"lastPlanted,omitempty"`
	CountryCode string     `json:"countryCode,omitempty"`
}

// Document converts the planting to its JSON form.
func (p Planting) Document() PlantingDocument {
	return PlantingDocument{
		ID:          p.ID,
		CreatedAt:   timePointer(p.CreatedAt()),
		X:           p.X,
		Y:           p.Y,
		Type:        int(p.Kind),
		VisitorID:   p.VisitorID,
		CountryCode: p.CountryCode,
	}
}

// Planting converts the document back to a planting record.
func (d PlantingDocument) Planting() Planting {
	planting := Planting{
		ID:          d.ID,
		X:           d.X,
		Y:           d.Y,
		Kind:        Kind(d.Type),
		VisitorID:   d.VisitorID,
		CountryCode: d.CountryCode,
	}
	if d.CreatedAt != nil && !d.CreatedAt.IsZero() {
		planting.CreatedAtMicros = d.CreatedAt.UnixMicro()
	}
	return planting
}

// Document converts the visitor to its JSON form.
func (v Visitor) Document() VisitorDocument {
	return VisitorDocument{
		VisitorID:   v.VisitorID,
		HasPlanted:  v.HasPlanted,
		LastPlanted: timePointer(v.LastPlanted()),
		CountryCode: v.CountryCode,
	}
}

// Visitor converts the document back to a visitor record.
func (d VisitorDocument) Visitor() Visitor {
	visitor := Visitor{
		VisitorID:   d.VisitorID,
		HasPlanted:  d.HasPlanted,
		CountryCode: d.CountryCode,
	}
	if d.LastPlanted != nil && !d.LastPlanted.IsZero() {
		visitor.LastPlantedMicros = d.LastPlanted.UnixMicro()
	}
	return visitor
}

// PlantingDocuments converts a snapshot to its JSON form.
func PlantingDocuments(plantings []Planting) []PlantingDocument {
	documents := make([]PlantingDocument, 0, len(plantings))
	for _, planting := range plantings {
		documents = append(documents, planting.Document())
	}
	return documents
}

// PlantingsFromDocuments converts a JSON snapshot back to planting records.
func PlantingsFromDocuments(documents []PlantingDocument) []Planting {
	plantings := make([]Planting, 0, len(documents))
	for _, document := range documents {
		plantings = append(plantings, document.Planting())
	}
	return plantings
}

func timePointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}

// StatsDocument is the JSON form of Stats.
type StatsDocument struct {
	Total     int                    `json:"total"`
	ByKind    []KindCountDocument    `json:"byKind"`
	ByCountry []CountryCountDocument `json:"byCountry"`
	Recent    []PlantingDocument     `json:"recent"`
}

type KindCountDocument struct {
	Type  int    `json:"type"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type CountryCountDocument struct {
	CountryCode string `json:"countryCode"`
	Count       int    `json:"count"`
}

// Document converts the stats to their JSON form.
func (s Stats) Document() StatsDocument {
	document := StatsDocument{
		Total:     s.Total,
		ByKind:    make([]KindCountDocument, 0, len(s.ByKind)),
		ByCountry: make([]CountryCountDocument, 0, len(s.ByCountry)),
		Recent:    PlantingDocuments(s.Recent),
	}
	for _, entry := range s.ByKind {
		document.ByKind = append(document.ByKind, KindCountDocument{
			Type:  int(entry.Kind),
			Name:  entry.Kind.String(),
			Count: entry.Count,
		})
	}
	for _, entry := range s.ByCountry {
		document.ByCountry = append(document.ByCountry, CountryCountDocument{
			CountryCode: entry.CountryCode,
			Count:       entry.Count,
		})
	}
	return document
}

// SnapshotMessageType tags websocket snapshot messages.
const SnapshotMessageType = "snapshot"

// SnapshotMessage is one websocket frame carrying the full collection.
type SnapshotMessage struct {
	Type      string             `json:"type"`
	Plantings []PlantingDocument `json:"plantings"`
}
