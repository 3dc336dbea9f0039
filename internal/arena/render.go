package arena

import (
	"strconv"

	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/profile"
	"github.com/bloops-games/rapbattle/internal/strpool"
	"github.com/enescakir/emoji"
)

func renderMatch(opponent profile.Summary, roomCode string) string {
	buf := strpool.Get()
	defer strpool.Put(buf)

	buf.WriteString(emoji.Fire.String())
	buf.WriteString(" Opponent found: ")
	buf.WriteString(opponent.DisplayName)
	buf.WriteString(" (")
	buf.WriteString(strconv.Itoa(opponent.Rating))
	buf.WriteString(emoji.Star.String())
	buf.WriteString(", ")
	buf.WriteString(strconv.Itoa(opponent.Wins))
	buf.WriteString("W/")
	buf.WriteString(strconv.Itoa(opponent.Losses))
	buf.WriteString("L)")
	if roomCode != "" {
		buf.WriteString(" in room ")
		buf.WriteString(roomCode)
	}

	return buf.String()
}

func renderResult(b battle.Battle, playerID string) string {
	buf := strpool.Get()
	defer strpool.Put(buf)

	switch {
	case b.Status == battle.StatusCancelled:
		buf.WriteString(emoji.CrossMark.String())
		buf.WriteString(" Battle cancelled")
		if b.CancelledBy != "" && b.CancelledBy != playerID {
			buf.WriteString(": opponent left")
		}
		return buf.String()
	case b.Draw:
		buf.WriteString(emoji.FlexedBiceps.String())
		buf.WriteString(" Draw ")
	case b.WinnerID == playerID:
		buf.WriteString(emoji.Trophy.String())
		buf.WriteString(" You won ")
	default:
		buf.WriteString(emoji.ThumbsDown.String())
		buf.WriteString(" You lost ")
	}

	mine, theirs := b.Player1Score, b.Player2Score
	if playerID == b.Player2ID {
		mine, theirs = theirs, mine
	}
	buf.WriteString(formatScore(mine))
	buf.WriteString(" : ")
	buf.WriteString(formatScore(theirs))

	return buf.String()
}

func formatScore(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
