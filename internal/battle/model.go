package battle

import (
	"math"
	"time"

	"github.com/bloops-games/rapbattle/internal/errs"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusReady     Status = "ready"
	StatusBattling  Status = "battling"
	StatusJudging   Status = "judging"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
)

var statusOrder = map[Status]int{
	StatusWaiting:   1,
	StatusReady:     2,
	StatusBattling:  3,
	StatusJudging:   4,
	StatusComplete:  5,
	StatusCancelled: 6,
}

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled
}

// CanMoveTo reports whether next is a legal forward move from s.
func (s Status) CanMoveTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}

	return statusOrder[next] > statusOrder[s]
}

// Stage refines StatusBattling.
type Stage string

const (
	StageNone       Stage = ""
	StageCountdown  Stage = "countdown"
	StagePending    Stage = "pending"
	StagePerforming Stage = "performing"
)

type VotingStyle string

const (
	VotingPerRound VotingStyle = "per_round"
	VotingOverall  VotingStyle = "overall"
)

func (v VotingStyle) Valid() bool {
	return v == VotingPerRound || v == VotingOverall
}

type CancelReason string

const (
	CancelForfeit    CancelReason = "forfeit"
	CancelDisconnect CancelReason = "disconnect"
)

const (
	MinRounds = 1
	MaxRounds = 5

	// ScoreScale turns the 0-10 weighted category average into round points (max 50 per round).
	ScoreScale       = 5.0
	maxCategoryScore = 10.0
)

// Rules are fixed at creation and persisted with the battle.
type Rules struct {
	CountdownTicks int           `json:"countdownTicks"`
	TurnDuration   time.Duration `json:"turnDuration"`
	StartTimeout   time.Duration `json:"startTimeout"`
}

func DefaultRules() Rules {
	return Rules{
		CountdownTicks: 3,
		TurnDuration:   60 * time.Second,
		StartTimeout:   60 * time.Second,
	}
}

type Battle struct {
	ID                    string       `json:"id"`
	RoomCode              string       `json:"roomCode"`
	Status                Status       `json:"status"`
	Player1ID             string       `json:"player1Id"`
	Player2ID             string       `json:"player2Id,omitempty"`
	WinnerID              string       `json:"winnerId,omitempty"`
	Draw                  bool         `json:"draw"`
	CurrentRound          int          `json:"currentRound"`
	TotalRounds           int          `json:"totalRounds"`
	VotingStyle           VotingStyle  `json:"votingStyle"`
	ShowVotesDuringBattle bool         `json:"showVotesDuringBattle"`
	Player1Score          *float64     `json:"player1Score"`
	Player2Score          *float64     `json:"player2Score"`
	Rules                 Rules        `json:"rules"`
	Stage                 Stage        `json:"stage,omitempty"`
	Turn                  int          `json:"turn,omitempty"`
	TurnSeq               uint64       `json:"turnSeq"`
	TurnStartedAt         time.Time    `json:"turnStartedAt,omitempty"`
	TurnDeadline          time.Time    `json:"turnDeadline,omitempty"`
	CountdownLeft         int          `json:"countdownLeft,omitempty"`
	Player1Ready          bool         `json:"player1Ready"`
	Player2Ready          bool         `json:"player2Ready"`
	CancelReason          CancelReason `json:"cancelReason,omitempty"`
	CancelledBy           string       `json:"cancelledBy,omitempty"`
	Version               uint64       `json:"version"`
	CreatedAt             time.Time    `json:"createdAt"`
	UpdatedAt             time.Time    `json:"updatedAt"`
	CompletedAt           time.Time    `json:"completedAt,omitempty"`
}

func (b Battle) IsParticipant(playerID string) bool {
	return playerID != "" && (playerID == b.Player1ID || playerID == b.Player2ID)
}

func (b Battle) Opponent(playerID string) string {
	switch playerID {
	case b.Player1ID:
		return b.Player2ID
	case b.Player2ID:
		return b.Player1ID
	}
	return ""
}

// ActivePlayerID is the player owning the current turn slot, empty outside battling.
func (b Battle) ActivePlayerID() string {
	if b.Status != StatusBattling {
		return ""
	}
	if b.Turn == 2 {
		return b.Player2ID
	}
	return b.Player1ID
}

// Remaining is the server-authoritative time left on the current turn slot.
func (b Battle) Remaining(now time.Time) time.Duration {
	if b.Status != StatusBattling || b.TurnDeadline.IsZero() {
		return 0
	}
	if d := b.TurnDeadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Scores are the six category marks of one turn, each 0-10.
type Scores struct {
	Rhyme      float64 `json:"rhyme"`
	Flow       float64 `json:"flow"`
	Punchlines float64 `json:"punchlines"`
	Delivery   float64 `json:"delivery"`
	Creativity float64 `json:"creativity"`
	Rebuttal   float64 `json:"rebuttal"`
}

func (s Scores) Validate() error {
	for name, v := range map[string]float64{
		"rhyme":      s.Rhyme,
		"flow":       s.Flow,
		"punchlines": s.Punchlines,
		"delivery":   s.Delivery,
		"creativity": s.Creativity,
		"rebuttal":   s.Rebuttal,
	} {
		if math.IsNaN(v) || v < 0 || v > maxCategoryScore {
			return errs.Validation("%s score %v out of range 0-10", name, v)
		}
	}
	return nil
}

// Total is the weighted round score: rhyme 20%, flow 25%, punchlines 20%, delivery 15%, creativity 10%, rebuttal 10%.
func (s Scores) Total() float64 {
	weighted := 0.20*s.Rhyme +
		0.25*s.Flow +
		0.20*s.Punchlines +
		0.15*s.Delivery +
		0.10*s.Creativity +
		0.10*s.Rebuttal

	return round2(weighted * ScoreScale)
}

// Round is one player's scored turn. Immutable once stored.
type Round struct {
	BattleID        string    `json:"battleId"`
	RoundNumber     int       `json:"roundNumber"`
	PlayerID        string    `json:"playerId"`
	DurationSeconds float64   `json:"durationSeconds"`
	Scores          Scores    `json:"scores"`
	TotalScore      float64   `json:"totalScore"`
	JudgeFeedback   string    `json:"judgeFeedback,omitempty"`
	Skipped         bool      `json:"skipped"`
	Forced          bool      `json:"forced"`
	CreatedAt       time.Time `json:"createdAt"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func float64Ptr(v float64) *float64 {
	return &v
}
