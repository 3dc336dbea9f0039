package vote

import (
	"context"
	"fmt"
	"time"

	"github.com/bloops-games/rapbattle/internal/battle"
	voteDb "github.com/bloops-games/rapbattle/internal/database/vote/database"
	"github.com/bloops-games/rapbattle/internal/database/vote/model"
	"github.com/bloops-games/rapbattle/internal/errs"
	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/bloops-games/rapbattle/internal/pubsub"
)

// BattleLookup resolves the current snapshot of a battle. It returns an error wrapping errs.ErrNotFound for unknown ids.
type BattleLookup interface {
	Lookup(ctx context.Context, battleID string) (battle.Battle, error)
}

type Publisher interface {
	Publish(topic string, msg pubsub.Message) int
}

type Tally struct {
	db      *voteDb.DB
	battles BattleLookup
	pub     Publisher
}

func NewTally(db *voteDb.DB, battles BattleLookup, pub Publisher) *Tally {
	return &Tally{db: db, battles: battles, pub: pub}
}

// Update is published on the battle topic after every cast.
type Update struct {
	RoundNumber *int              `json:"roundNumber"`
	Counts      battle.VoteCounts `json:"counts"`
}

// CastVote records the vote of voterID, replacing an earlier vote for the same round.
func (t *Tally) CastVote(ctx context.Context, battleID, voterID, votedForPlayerID string, round *int) (model.Vote, error) {
	if voterID == "" {
		return model.Vote{}, errs.Validation("voter id required")
	}

	b, err := t.battles.Lookup(ctx, battleID)
	if err != nil {
		return model.Vote{}, fmt.Errorf("lookup battle %s: %w", battleID, err)
	}

	if b.Status != battle.StatusBattling && b.Status != battle.StatusJudging {
		return model.Vote{}, errs.State("voting is closed, battle is %s", b.Status)
	}
	if b.IsParticipant(voterID) {
		return model.Vote{}, errs.Validation("participants cannot vote")
	}
	if !b.IsParticipant(votedForPlayerID) {
		return model.Vote{}, errs.Validation("player %q is not in this battle", votedForPlayerID)
	}
	if round != nil && (*round < 1 || *round > b.CurrentRound) {
		return model.Vote{}, errs.Validation("round %d out of range 1-%d", *round, b.CurrentRound)
	}

	v := model.Vote{
		BattleID:         battleID,
		VoterID:          voterID,
		VotedForPlayerID: votedForPlayerID,
		RoundNumber:      round,
		CastAt:           time.Now(),
	}
	if _, err := t.db.Put(v); err != nil {
		return model.Vote{}, fmt.Errorf("put vote: %w", err)
	}

	if t.pub != nil {
		counts, err := t.count(b, round)
		if err != nil {
			logging.FromContext(ctx).Named("vote.CastVote").Errorf("battle %s: count votes: %v", battleID, err)
		} else {
			t.pub.Publish(pubsub.BattleTopic(battleID), pubsub.Message{
				Type:    "votes",
				Version: b.Version,
				Data:    Update{RoundNumber: round, Counts: counts},
			})
		}
	}

	return v, nil
}

func (t *Tally) Counts(ctx context.Context, battleID string, round *int) (battle.VoteCounts, error) {
	b, err := t.battles.Lookup(ctx, battleID)
	if err != nil {
		return battle.VoteCounts{}, fmt.Errorf("lookup battle %s: %w", battleID, err)
	}
	return t.count(b, round)
}

// Overall is the overall audience tally used to break score ties.
func (t *Tally) Overall(ctx context.Context, battleID string) (battle.VoteCounts, error) {
	return t.Counts(ctx, battleID, nil)
}

func (t *Tally) HasVoted(_ context.Context, battleID, voterID string, round *int) (bool, error) {
	_, ok, err := t.db.Get(battleID, round, voterID)
	if err != nil {
		return false, fmt.Errorf("get vote: %w", err)
	}
	return ok, nil
}

func (t *Tally) DeleteBattle(ctx context.Context, battleID string) error {
	n, err := t.db.DeleteBattle(battleID)
	if err != nil {
		return fmt.Errorf("delete votes of %s: %w", battleID, err)
	}
	logging.FromContext(ctx).Named("vote.DeleteBattle").Infof("battle %s: removed %d votes", battleID, n)
	return nil
}

func (t *Tally) count(b battle.Battle, round *int) (battle.VoteCounts, error) {
	byPlayer, err := t.db.Count(b.ID, round)
	if err != nil {
		return battle.VoteCounts{}, fmt.Errorf("count votes: %w", err)
	}

	c := battle.VoteCounts{
		Player1Votes: byPlayer[b.Player1ID],
		Player2Votes: byPlayer[b.Player2ID],
	}
	c.TotalVotes = c.Player1Votes + c.Player2Votes
	return c, nil
}
