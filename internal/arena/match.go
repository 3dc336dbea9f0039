package arena

import (
	"context"
	"fmt"

	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/errs"
	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/bloops-games/rapbattle/internal/matchqueue"
	"github.com/bloops-games/rapbattle/internal/profile"
	"github.com/bloops-games/rapbattle/internal/pubsub"
)

const (
	MsgMatchFound     = "match_found"
	MsgBattleFinished = "battle_finished"
)

var (
	_ matchqueue.BattleFactory = (*Arena)(nil)
	_ matchqueue.Notifier      = (*Arena)(nil)
)

// Notice is published on a user topic.
type Notice struct {
	BattleID string           `json:"battleId"`
	RoomCode string           `json:"roomCode,omitempty"`
	Opponent *profile.Summary `json:"opponent,omitempty"`
	Text     string           `json:"text"`
}

// Enqueue puts playerID into the match queue and tries to pair it right away.
// A rating of zero is read from the player's profile.
func (a *Arena) Enqueue(ctx context.Context, playerID string, rating int) (matchqueue.Entry, *matchqueue.Match, error) {
	if playerID == "" {
		return matchqueue.Entry{}, nil, errs.Validation("player id required")
	}
	if rating < 0 {
		return matchqueue.Entry{}, nil, errs.Validation("negative rating %d", rating)
	}
	if id, ok := a.presence.BattleOf(playerID); ok {
		return matchqueue.Entry{}, nil, fmt.Errorf("player %s is in battle %s: %w", playerID, id, errs.ErrConflict)
	}

	if rating == 0 {
		rating = profile.DefaultRating
		if a.profiles != nil {
			if p, err := a.profiles.Profile(ctx, playerID); err == nil {
				rating = p.Rating
			}
		}
	}

	e, err := a.queue.Enqueue(ctx, playerID, rating)
	if err != nil {
		return matchqueue.Entry{}, nil, err
	}

	m, err := a.queue.TryMatch(ctx, playerID)
	if err != nil {
		return e, nil, err
	}
	if cur, ok := a.queue.Entry(playerID); ok {
		e = cur
	}

	return e, m, nil
}

func (a *Arena) Dequeue(playerID string) {
	a.queue.Dequeue(playerID)
}

// CreateMatched opens a battle for two reserved queue entries and seats both players.
func (a *Arena) CreateMatched(ctx context.Context, player1ID, player2ID string) (string, error) {
	s, err := a.create(player1ID, a.cfg.MatchedRounds, battle.VotingStyle(a.cfg.MatchedStyle), false)
	if err != nil {
		return "", err
	}

	if err := s.Join(ctx, player2ID); err != nil {
		if ferr := s.Forfeit(ctx, player1ID); ferr != nil {
			logging.FromContext(ctx).Named("arena.CreateMatched").Errorf("battle %s: cancel after failed join: %v", s.ID(), ferr)
		}
		return "", fmt.Errorf("join matched battle %s: %w", s.ID(), err)
	}
	a.presence.EnterBattle(player2ID, s.ID())

	return s.ID(), nil
}

// MatchFound tells both players who they face.
func (a *Arena) MatchFound(ctx context.Context, m matchqueue.Match) {
	var code string
	if s, err := a.Session(m.BattleID); err == nil {
		code = s.Snapshot().RoomCode
	}

	pairs := [][2]matchqueue.Entry{{m.Player1, m.Player2}, {m.Player2, m.Player1}}
	for _, pair := range pairs {
		me, opponent := pair[0], pair[1]
		summary := a.summary(ctx, opponent)
		a.broker.Publish(pubsub.UserTopic(me.PlayerID), pubsub.Message{
			Type: MsgMatchFound,
			Data: Notice{
				BattleID: m.BattleID,
				RoomCode: code,
				Opponent: &summary,
				Text:     renderMatch(summary, code),
			},
		})
	}
}

func (a *Arena) summary(ctx context.Context, e matchqueue.Entry) profile.Summary {
	if a.profiles != nil {
		s, err := a.profiles.Summary(ctx, e.PlayerID)
		if err == nil {
			return s
		}
		logging.FromContext(ctx).Named("arena.summary").Errorf("profile of %s: %v", e.PlayerID, err)
	}
	return profile.Summary{UserID: e.PlayerID, DisplayName: e.PlayerID, Rating: e.Rating}
}

func (a *Arena) notifyResult(b battle.Battle) {
	for _, p := range []string{b.Player1ID, b.Player2ID} {
		if p == "" {
			continue
		}
		a.broker.Publish(pubsub.UserTopic(p), pubsub.Message{
			Type:    MsgBattleFinished,
			Version: b.Version,
			Data:    Notice{BattleID: b.ID, RoomCode: b.RoomCode, Text: renderResult(b, p)},
		})
	}
}
