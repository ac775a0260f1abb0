package domain

import "time"

// GenderEveryone in DesiredGenders accepts any gender.
const GenderEveryone = "everyone"

// AnyValue marks a trait preference that accepts every option.
const AnyValue = "any"

// TraitPreferences are the soft lifestyle wishes of a user.
type TraitPreferences struct {
	Diet        string   `json:"diet,omitempty"`
	Zodiac      string   `json:"zodiac,omitempty"`
	Personality string   `json:"personality,omitempty"`
	Religion    string   `json:"religion,omitempty"`
	Drinking    string   `json:"drinking,omitempty"`
	Smoking     string   `json:"smoking,omitempty"`
	Pets        string   `json:"pets,omitempty"`
	Languages   []string `json:"languages,omitempty"`
}

// Preference is what a user is looking for. Raw records may have any field
// missing; matching.NormalizePreference fills the gaps.
type Preference struct {
	UserID           string           `json:"user_id"`
	DesiredGenders   []string         `json:"desired_genders,omitempty"`
	AgeMin           int              `json:"age_min,omitempty"`
	AgeMax           int              `json:"age_max,omitempty"`
	MaxDistanceKm    float64          `json:"max_distance_km,omitempty"`
	PrimaryGoal      string           `json:"primary_goal,omitempty"`
	SecondaryGoal    string           `json:"secondary_goal,omitempty"`
	TertiaryGoal     string           `json:"tertiary_goal,omitempty"`
	RelationshipType string           `json:"relationship_type,omitempty"`
	Traits           TraitPreferences `json:"traits"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Goals returns the non-empty ranked goals, primary first.
func (p *Preference) Goals() []string {
	goals := make([]string, 0, 3)
	for _, g := range []string{p.PrimaryGoal, p.SecondaryGoal, p.TertiaryGoal} {
		if g != "" {
			goals = append(goals, g)
		}
	}
	return goals
}

// AcceptsGender reports whether gender is in the desired set.
func (p *Preference) AcceptsGender(gender string) bool {
	for _, g := range p.DesiredGenders {
		if g == GenderEveryone || g == gender {
			return true
		}
	}
	return false
}

// AcceptsAge reports whether age is inside [AgeMin, AgeMax].
func (p *Preference) AcceptsAge(age int) bool {
	return age >= p.AgeMin && age <= p.AgeMax
}
