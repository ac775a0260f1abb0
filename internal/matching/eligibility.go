package matching

import (
	"time"

	"github.com/whisper/matchroom/internal/domain"
)

// Party is a user together with their normalized preference.
type Party struct {
	User *domain.User
	Pref domain.Preference
}

// Eligible applies the hard mutual filter: both parties have a gender and a
// birth date, each accepts the other's gender, and each age falls inside the
// other's range.
func Eligible(seeker, candidate Party, now time.Time) bool {
	s, c := seeker.User, candidate.User
	if s.Gender == "" || c.Gender == "" || s.BirthDate == nil || c.BirthDate == nil {
		return false
	}
	if !seeker.Pref.AcceptsGender(canon(c.Gender)) || !candidate.Pref.AcceptsGender(canon(s.Gender)) {
		return false
	}
	return seeker.Pref.AcceptsAge(c.Age(now)) && candidate.Pref.AcceptsAge(s.Age(now))
}

// FilterEligible keeps the candidates that pass Eligible. The input order is
// preserved.
func FilterEligible(seeker Party, candidates []Party, now time.Time) []Party {
	out := make([]Party, 0, len(candidates))
	for _, c := range candidates {
		if Eligible(seeker, c, now) {
			out = append(out, c)
		}
	}
	return out
}
