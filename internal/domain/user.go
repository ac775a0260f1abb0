// Package domain holds the records shared by the matching engine, the credit
// ledger and the chat runtime. Persistence lives behind internal/store.
package domain

import "time"

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat" db:"lat"`
	Lon float64 `json:"lon" db:"lon"`
}

// Lifestyle groups the single-valued traits used for soft scoring.
type Lifestyle struct {
	Diet        string `json:"diet,omitempty"`
	Zodiac      string `json:"zodiac,omitempty"`
	Personality string `json:"personality,omitempty"`
	Religion    string `json:"religion,omitempty"`
	Drinking    string `json:"drinking,omitempty"`
	Smoking     string `json:"smoking,omitempty"`
	Pets        string `json:"pets,omitempty"`
}

// User is a seeker or a candidate.
type User struct {
	ID               string     `json:"id"`
	Gender           string     `json:"gender,omitempty"`
	BirthDate        *time.Time `json:"birth_date,omitempty"`
	Location         *GeoPoint  `json:"location,omitempty"`
	Interests        []string   `json:"interests,omitempty"`
	Languages        []string   `json:"languages,omitempty"`
	Goals            []string   `json:"goals,omitempty"`
	RelationshipType string     `json:"relationship_type,omitempty"`
	Lifestyle        Lifestyle  `json:"lifestyle"`
	Credits          int        `json:"credits"`
	Searching        bool       `json:"searching"`
	SearchingSince   *time.Time `json:"searching_since,omitempty"`
	PublicKey        []byte     `json:"public_key,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Age returns the user's age in whole years at now, or -1 when the birth
// date is unknown.
func (u *User) Age(now time.Time) int {
	if u.BirthDate == nil {
		return -1
	}
	b := u.BirthDate.UTC()
	n := now.UTC()
	age := n.Year() - b.Year()
	if n.Month() < b.Month() || (n.Month() == b.Month() && n.Day() < b.Day()) {
		age--
	}
	return age
}

// WaitingSince is the moment the user started searching. Users without a
// recorded start sort as if they started now.
func (u *User) WaitingSince(now time.Time) time.Time {
	if u.SearchingSince == nil {
		return now
	}
	return *u.SearchingSince
}

// Candidate is a located user with its distance from the seeker.
type Candidate struct {
	User       *User   `json:"user"`
	DistanceKm float64 `json:"distance_km"`
}

// AnswerSet maps question id to the selected option of a this-or-that
// question.
type AnswerSet map[string]string
