package garden

import "sort"

// DefaultRecentLimit is the number of plantings listed as most recent.
const DefaultRecentLimit = 5

// KindCount is the number of plantings of one kind.
type KindCount struct {
	Kind  Kind
	Count int
}

// CountryCount is the number of plantings attributed to one country code.
type CountryCount struct {
	CountryCode string
	Count       int
}

// Stats aggregates a planting snapshot for display.
type Stats struct {
	Total     int
	ByKind    []KindCount
	ByCountry []CountryCount
	Recent    []Planting
}

// Summarize derives display statistics from a snapshot. It does not modify the input.
func Summarize(plantings []Planting, recentLimit int) Stats {
	if recentLimit < 0 {
		recentLimit = 0
	}
	return Stats{
		Total:     len(plantings),
		ByKind:    CountByKind(plantings),
		ByCountry: CountByCountry(plantings),
		Recent:    MostRecent(plantings, recentLimit),
	}
}

// CountByKind returns one entry per valid kind, in kind order, zeros included.
func CountByKind(plantings []Planting) []KindCount {
	counts := make([]KindCount, kindCount)
	for index, kind := range Kinds() {
		counts[index].Kind = kind
	}
	for _, planting := range plantings {
		if planting.Kind.Valid() {
			counts[planting.Kind].Count++
		}
	}
	return counts
}

// CountByCountry groups plantings by country code, sorted by descending count.
// Ties keep the order in which each code first appears. Missing codes count as UnknownCountry.
func CountByCountry(plantings []Planting) []CountryCount {
	index := make(map[string]int)
	counts := make([]CountryCount, 0)
	for _, planting := range plantings {
		code := NormalizeCountryCode(planting.CountryCode)
		if code == "" {
			code = UnknownCountry
		}
		position, ok := index[code]
		if !ok {
			position = len(counts)
			index[code] = position
			counts = append(counts, CountryCount{CountryCode: code})
		}
		counts[position].Count++
	}
	sort.SliceStable(counts, func(i, j int) bool {
		return counts[i].Count > counts[j].Count
	})
	return counts
}

// MostRecent returns up to limit plantings, newest first. Plantings without a
// timestamp sort as oldest.
func MostRecent(plantings []Planting, limit int) []Planting {
	if limit <= 0 || len(plantings) == 0 {
		return nil
	}
	sorted := make([]Planting, len(plantings))
	copy(sorted, plantings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAtMicros > sorted[j].CreatedAtMicros
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}
