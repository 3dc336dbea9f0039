package battle

// Verdict is the outcome of judging.
type Verdict struct {
	WinnerID     string  `json:"winnerId,omitempty"`
	Draw         bool    `json:"draw"`
	Player1Score float64 `json:"player1Score"`
	Player2Score float64 `json:"player2Score"`
	DecidedBy    string  `json:"decidedBy"`
}

const (
	DecidedByScore  = "score"
	DecidedByVotes  = "votes"
	DecidedByRounds = "rounds"
	DecidedByDraw   = "draw"
)

// VoteCounts is the overall audience tally used to break a score tie.
type VoteCounts struct {
	Player1Votes int `json:"player1Votes"`
	Player2Votes int `json:"player2Votes"`
	TotalVotes   int `json:"totalVotes"`
}

const DefaultVoteQuorum = 3

// Decide sums round totals per player. The higher total wins. A tie goes to
// the overall audience majority when the battle votes overall and the quorum is
// met, then to the player who won more rounds, otherwise it is a draw.
func Decide(b Battle, rounds []Round, votes VoteCounts, quorum int) Verdict {
	if quorum <= 0 {
		quorum = DefaultVoteQuorum
	}

	var p1, p2 float64
	p1Rounds := map[int]float64{}
	p2Rounds := map[int]float64{}
	for _, r := range rounds {
		if r.BattleID != b.ID {
			continue
		}
		switch r.PlayerID {
		case b.Player1ID:
			p1 += r.TotalScore
			p1Rounds[r.RoundNumber] += r.TotalScore
		case b.Player2ID:
			p2 += r.TotalScore
			p2Rounds[r.RoundNumber] += r.TotalScore
		}
	}

	v := Verdict{Player1Score: round2(p1), Player2Score: round2(p2)}

	switch {
	case v.Player1Score > v.Player2Score:
		v.WinnerID, v.DecidedBy = b.Player1ID, DecidedByScore
		return v
	case v.Player2Score > v.Player1Score:
		v.WinnerID, v.DecidedBy = b.Player2ID, DecidedByScore
		return v
	}

	if b.VotingStyle == VotingOverall && votes.TotalVotes >= quorum {
		switch {
		case votes.Player1Votes > votes.Player2Votes:
			v.WinnerID, v.DecidedBy = b.Player1ID, DecidedByVotes
			return v
		case votes.Player2Votes > votes.Player1Votes:
			v.WinnerID, v.DecidedBy = b.Player2ID, DecidedByVotes
			return v
		}
	}

	var p1Won, p2Won int
	for n := 1; n <= b.TotalRounds; n++ {
		a, c := round2(p1Rounds[n]), round2(p2Rounds[n])
		switch {
		case a > c:
			p1Won++
		case c > a:
			p2Won++
		}
	}

	switch {
	case p1Won > p2Won:
		v.WinnerID, v.DecidedBy = b.Player1ID, DecidedByRounds
	case p2Won > p1Won:
		v.WinnerID, v.DecidedBy = b.Player2ID, DecidedByRounds
	default:
		v.Draw, v.DecidedBy = true, DecidedByDraw
	}

	return v
}
