package matching

import (
	"strings"

	"github.com/whisper/matchroom/internal/domain"
)

// Preference defaults applied when the stored record is missing a field.
const (
	DefaultAgeMin        = 18
	DefaultAgeMax        = 99
	DefaultMaxDistanceKm = 50.0
	MaxRadiusKm          = 100.0
)

// NormalizePreference coerces a raw, possibly nil, preference record into
// canonical shape: lowercase values, defaulted ranges, "any" for unset
// traits and no duplicate goals. The input is not modified.
func NormalizePreference(userID string, raw *domain.Preference) domain.Preference {
	var p domain.Preference
	if raw != nil {
		p = *raw
	}
	p.UserID = userID

	p.DesiredGenders = normalizeGenders(p.DesiredGenders)

	if p.AgeMin < DefaultAgeMin {
		p.AgeMin = DefaultAgeMin
	}
	if p.AgeMax <= 0 || p.AgeMax > DefaultAgeMax {
		p.AgeMax = DefaultAgeMax
	}
	if p.AgeMin > p.AgeMax {
		p.AgeMin, p.AgeMax = p.AgeMax, p.AgeMin
	}

	if p.MaxDistanceKm <= 0 {
		p.MaxDistanceKm = DefaultMaxDistanceKm
	}
	if p.MaxDistanceKm > MaxRadiusKm {
		p.MaxDistanceKm = MaxRadiusKm
	}

	goals := dedupe([]string{p.PrimaryGoal, p.SecondaryGoal, p.TertiaryGoal})
	p.PrimaryGoal, p.SecondaryGoal, p.TertiaryGoal = "", "", ""
	for i, g := range goals {
		switch i {
		case 0:
			p.PrimaryGoal = g
		case 1:
			p.SecondaryGoal = g
		case 2:
			p.TertiaryGoal = g
		}
	}

	p.RelationshipType = orAny(p.RelationshipType)
	p.Traits = domain.TraitPreferences{
		Diet:        orAny(p.Traits.Diet),
		Zodiac:      orAny(p.Traits.Zodiac),
		Personality: orAny(p.Traits.Personality),
		Religion:    orAny(p.Traits.Religion),
		Drinking:    orAny(p.Traits.Drinking),
		Smoking:     orAny(p.Traits.Smoking),
		Pets:        orAny(p.Traits.Pets),
		Languages:   dedupe(p.Traits.Languages),
	}
	return p
}

func normalizeGenders(in []string) []string {
	out := dedupe(in)
	if len(out) == 0 {
		return []string{domain.GenderEveryone}
	}
	for _, g := range out {
		if g == domain.GenderEveryone {
			return []string{domain.GenderEveryone}
		}
	}
	return out
}

func canon(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func orAny(s string) string {
	if s = canon(s); s == "" {
		return domain.AnyValue
	}
	return s
}

// dedupe canonicalizes values and drops empties and repeats, keeping order.
func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = canon(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
