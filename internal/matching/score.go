package matching

import (
	"math"
	"time"

	"github.com/whisper/matchroom/internal/domain"
)

// Raw weights of the profile affinity components. They sum to 65.
const (
	weightGender       = 8.0
	weightAge          = 8.0
	weightGoals        = 10.0
	weightRelationship = 5.0
	weightInterests    = 10.0
	weightLanguages    = 5.0
	weightDistance     = 6.0

	profileRawMax = 65.0
	fairnessSpan  = 30 * time.Minute
)

// Trait weights, 13 in total. A preference of "any" earns half.
var traitWeights = []struct {
	weight float64
	pref   func(domain.TraitPreferences) string
	value  func(domain.Lifestyle) string
}{
	{3, func(p domain.TraitPreferences) string { return p.Religion }, func(l domain.Lifestyle) string { return l.Religion }},
	{2, func(p domain.TraitPreferences) string { return p.Diet }, func(l domain.Lifestyle) string { return l.Diet }},
	{2, func(p domain.TraitPreferences) string { return p.Personality }, func(l domain.Lifestyle) string { return l.Personality }},
	{2, func(p domain.TraitPreferences) string { return p.Drinking }, func(l domain.Lifestyle) string { return l.Drinking }},
	{2, func(p domain.TraitPreferences) string { return p.Smoking }, func(l domain.Lifestyle) string { return l.Smoking }},
	{1, func(p domain.TraitPreferences) string { return p.Zodiac }, func(l domain.Lifestyle) string { return l.Zodiac }},
	{1, func(p domain.TraitPreferences) string { return p.Pets }, func(l domain.Lifestyle) string { return l.Pets }},
}

// Breakdown is a scored candidate's component view. Total is rounded to two
// decimals so equal inputs always tie exactly.
type Breakdown struct {
	Profile  float64 `json:"profile"`
	Shared   float64 `json:"shared"`
	Fairness float64 `json:"fairness"`
	Penalty  float64 `json:"penalty,omitempty"`
	Total    float64 `json:"total"`
}

// ScoreInput carries everything needed to score one candidate.
type ScoreInput struct {
	Seeker        Party
	Candidate     Party
	DistanceKm    float64
	RadiusKm      float64
	SeekerAnswers domain.AnswerSet
	CandAnswers   domain.AnswerSet
	Now           time.Time
}

// Score combines profile affinity, shared-answer affinity and the wait-time
// fairness boost under the caps of mode.
func Score(in ScoreInput, mode PoolMode) Breakdown {
	caps := mode.Caps()

	profileRaw := ProfileAffinity(in.Seeker, in.Candidate, in.DistanceKm, in.RadiusKm, in.Now)
	sharedRaw, _ := SharedAnswerAffinity(in.SeekerAnswers, in.CandAnswers)

	b := Breakdown{
		Profile:  profileRaw * caps.Profile / profileRawMax,
		Shared:   sharedRaw * caps.Shared / sharedAnswerMax,
		Fairness: FairnessBoost(in.Candidate.User, caps.Fairness, in.Now),
	}
	b.Total = round2(clamp(b.Profile+b.Shared+b.Fairness, 0, 100))
	return b
}

// ApplyPenalty subtracts p from the total, flooring at zero.
func (b Breakdown) ApplyPenalty(p float64) Breakdown {
	b.Penalty += p
	b.Total = round2(math.Max(0, b.Total-p))
	return b
}

// ProfileAffinity returns the raw profile/preference score in [0, 65].
func ProfileAffinity(seeker, cand Party, distanceKm, radiusKm float64, now time.Time) float64 {
	score := genderStrength(seeker.Pref, cand.User.Gender)*weightGender/2 +
		genderStrength(cand.Pref, seeker.User.Gender)*weightGender/2

	score += weightAge * ageCloseness(seeker.Pref, cand.User.Age(now))

	score += weightGoals * weightedGoalJaccard(rankedGoals(seeker), rankedGoals(cand))

	switch rt := seeker.Pref.RelationshipType; {
	case rt == domain.AnyValue:
		score += weightRelationship / 2
	case rt == canon(cand.User.RelationshipType):
		score += weightRelationship
	}

	score += weightInterests * jaccard(seeker.User.Interests, cand.User.Interests)

	seekerLangs := seeker.Pref.Traits.Languages
	if len(seekerLangs) == 0 {
		seekerLangs = seeker.User.Languages
	}
	score += weightLanguages * jaccard(seekerLangs, cand.User.Languages)

	for _, t := range traitWeights {
		want := t.pref(seeker.Pref.Traits)
		switch {
		case want == domain.AnyValue:
			score += t.weight / 2
		case want == canon(t.value(cand.User.Lifestyle)):
			score += t.weight
		}
	}

	if radiusKm > 0 {
		score += weightDistance * clamp(1-distanceKm/radiusKm, 0, 1)
	}
	return clamp(score, 0, profileRawMax)
}

// FairnessBoost grows linearly with how long the candidate has been waiting
// and reaches capF after thirty minutes.
func FairnessBoost(cand *domain.User, capF float64, now time.Time) float64 {
	if capF <= 0 {
		return 0
	}
	wait := now.Sub(cand.WaitingSince(now))
	return capF * clamp(float64(wait)/float64(fairnessSpan), 0, 1)
}

// genderStrength is 1 for an explicitly desired gender, 0.5 when the
// preference is "everyone" and 0 otherwise.
func genderStrength(p domain.Preference, gender string) float64 {
	gender = canon(gender)
	if gender == "" {
		return 0
	}
	for _, g := range p.DesiredGenders {
		if g == gender {
			return 1
		}
	}
	if p.AcceptsGender(gender) {
		return 0.5
	}
	return 0
}

// ageCloseness is 1 at the midpoint of the preferred range and falls to 0 at
// its edges and beyond. Unknown ages score 0.
func ageCloseness(p domain.Preference, age int) float64 {
	if age < 0 {
		return 0
	}
	mid := float64(p.AgeMin+p.AgeMax) / 2
	half := math.Max(float64(p.AgeMax-p.AgeMin)/2, 1)
	return clamp(1-math.Abs(float64(age)-mid)/half, 0, 1)
}

// rankedGoals prefers the ranked preference goals and falls back to the
// profile's goal list.
func rankedGoals(p Party) []string {
	if g := p.Pref.Goals(); len(g) > 0 {
		return g
	}
	return dedupe(p.User.Goals)
}

// weightedGoalJaccard treats the primary goal as counting twice.
func weightedGoalJaccard(a, b []string) float64 {
	wa, wb := goalWeights(a), goalWeights(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	var inter, union float64
	for g, x := range wa {
		y := wb[g]
		inter += math.Min(x, y)
		union += math.Max(x, y)
	}
	for g, y := range wb {
		if _, ok := wa[g]; !ok {
			union += y
		}
	}
	if union == 0 {
		return 0
	}
	return inter / union
}

func goalWeights(goals []string) map[string]float64 {
	w := make(map[string]float64, len(goals))
	for i, g := range goals {
		if i == 0 {
			w[g] = 2
		} else {
			w[g] = 1
		}
	}
	return w
}

func jaccard(a, b []string) float64 {
	sa, sb := dedupe(a), dedupe(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(sa))
	for _, v := range sa {
		set[v] = struct{}{}
	}
	inter := 0
	for _, v := range sb {
		if _, ok := set[v]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(sa)+len(sb)-inter)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
