package profile

import "math"

const (
	EloK          = 32
	DefaultRating = 1000
)

// Expected is the expected score of a player rated ra against rb.
func Expected(ra, rb int) float64 {
	return 1 / (1 + math.Pow(10, float64(rb-ra)/400))
}

// Elo returns the new ratings after a game where player A scored sa (1 win, 0.5 draw, 0 loss).
func Elo(ra, rb int, sa float64) (int, int) {
	ea := Expected(ra, rb)
	eb := 1 - ea
	sb := 1 - sa

	na := float64(ra) + EloK*(sa-ea)
	nb := float64(rb) + EloK*(sb-eb)

	return int(math.Round(na)), int(math.Round(nb))
}
