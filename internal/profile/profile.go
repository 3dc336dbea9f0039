package profile

import (
	"context"
	"fmt"

	"github.com/bloops-games/rapbattle/internal/reward"
)

type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Rating      int    `json:"rating"`
	Wins        int    `json:"wins"`
	Losses      int    `json:"losses"`
	Draws       int    `json:"draws"`
}

// Summary is the public part of a profile shown to an opponent.
type Summary struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Rating      int    `json:"rating"`
	Wins        int    `json:"wins"`
	Losses      int    `json:"losses"`
}

func (p Profile) Summary() Summary {
	name := p.DisplayName
	if name == "" {
		name = p.UserID
	}
	return Summary{UserID: p.UserID, DisplayName: name, Rating: p.Rating, Wins: p.Wins, Losses: p.Losses}
}

func newProfile(userID string) Profile {
	return Profile{UserID: userID, Rating: DefaultRating}
}

// Store persists profiles. ApplyResult must apply a completion at most once per
// battle id and report whether it did.
type Store interface {
	Get(ctx context.Context, userID string) (Profile, error)
	ApplyResult(ctx context.Context, c reward.Completion) (bool, error)
}

// apply computes both players' profiles after c.
func apply(p1, p2 Profile, c reward.Completion) (Profile, Profile) {
	s1 := c.Outcome(p1.UserID)
	p1.Rating, p2.Rating = Elo(p1.Rating, p2.Rating, s1)

	switch s1 {
	case 1:
		p1.Wins++
		p2.Losses++
	case 0:
		p1.Losses++
		p2.Wins++
	default:
		p1.Draws++
		p2.Draws++
	}
	return p1, p2
}

func validCompletion(c reward.Completion) error {
	if c.BattleID == "" || c.Player1ID == "" || c.Player2ID == "" {
		return fmt.Errorf("incomplete completion %q", c.BattleID)
	}
	return nil
}
