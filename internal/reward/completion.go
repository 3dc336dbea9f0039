package reward

import (
	"context"
	"time"
)

// Completion is emitted once per finished battle. Consumers must treat BattleID as an idempotency key.
type Completion struct {
	BattleID     string    `json:"battleId"`
	WinnerID     *string   `json:"winnerId"`
	Draw         bool      `json:"draw"`
	Player1ID    string    `json:"player1Id"`
	Player2ID    string    `json:"player2Id"`
	Player1Score float64   `json:"player1Score"`
	Player2Score float64   `json:"player2Score"`
	CompletedAt  time.Time `json:"completedAt"`
}

// Outcome returns the score of playerID in ELO terms: 1 win, 0.5 draw, 0 loss.
func (c Completion) Outcome(playerID string) float64 {
	if c.Draw || c.WinnerID == nil {
		return 0.5
	}
	if *c.WinnerID == playerID {
		return 1
	}
	return 0
}

type Consumer interface {
	Name() string
	Consume(ctx context.Context, c Completion) error
}

type ConsumerFunc struct {
	ID string
	Fn func(ctx context.Context, c Completion) error
}

func (f ConsumerFunc) Name() string { return f.ID }

func (f ConsumerFunc) Consume(ctx context.Context, c Completion) error { return f.Fn(ctx, c) }
