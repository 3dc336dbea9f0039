package model

import (
	"fmt"
	"time"
)

const overallKey = "overall"

type Vote struct {
	BattleID         string    `json:"battleId"`
	VoterID          string    `json:"voterId"`
	VotedForPlayerID string    `json:"votedForPlayerId"`
	RoundNumber      *int      `json:"roundNumber"`
	CastAt           time.Time `json:"castAt"`
}

// RoundKey is the per-round part of the vote key; nil means an overall vote.
func RoundKey(round *int) string {
	if round == nil {
		return overallKey
	}
	return fmt.Sprintf("%02d", *round)
}
