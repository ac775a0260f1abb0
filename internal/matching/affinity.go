package matching

import (
	"math"

	"github.com/whisper/matchroom/internal/domain"
)

const (
	sharedAnswerMax        = 35.0
	sharedAnswerConfidence = 20
)

// SharedAnswerAffinity compares the this-or-that answers two users have in
// common. The fraction of matching answers is scaled by a confidence factor
// that reaches 1 at 20 shared questions. Returns the raw score in [0, 35]
// and the number of shared questions.
func SharedAnswerAffinity(a, b domain.AnswerSet) (float64, int) {
	if len(b) < len(a) {
		a, b = b, a
	}
	shared, matches := 0, 0
	for q, selA := range a {
		selB, ok := b[q]
		if !ok {
			continue
		}
		shared++
		if selA == selB {
			matches++
		}
	}
	if shared == 0 {
		return 0, 0
	}
	fraction := float64(matches) / float64(shared)
	confidence := math.Min(1, float64(shared)/sharedAnswerConfidence)
	return sharedAnswerMax * fraction * confidence, shared
}
