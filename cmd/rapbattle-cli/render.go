package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/matchqueue"
	"github.com/bloops-games/rapbattle/internal/profile"
	"github.com/bloops-games/rapbattle/internal/strpool"
	"github.com/enescakir/emoji"
)

var statusEmoji = map[battle.Status]emoji.Emoji{
	battle.StatusWaiting:   emoji.Stopwatch,
	battle.StatusReady:     emoji.CheckMarkButton,
	battle.StatusBattling:  emoji.Loudspeaker,
	battle.StatusJudging:   emoji.Pen,
	battle.StatusComplete:  emoji.Trophy,
	battle.StatusCancelled: emoji.CrossMark,
}

func printView(v battle.View) {
	_, _ = fmt.Fprintln(os.Stdout, renderView(v))
}

func renderView(v battle.View) string {
	buf := strpool.Get()
	defer strpool.Put(buf)

	buf.WriteString(statusEmoji[v.Status].String())
	buf.WriteString(" ")
	buf.WriteString(v.RoomCode)
	buf.WriteString(" ")
	buf.WriteString(string(v.Status))
	if v.Stage != battle.StageNone {
		buf.WriteString("/")
		buf.WriteString(string(v.Stage))
	}
	buf.WriteString(" round ")
	buf.WriteString(strconv.Itoa(v.CurrentRound))
	buf.WriteString("/")
	buf.WriteString(strconv.Itoa(v.TotalRounds))

	buf.WriteString("\n  ")
	buf.WriteString(v.Player1ID)
	buf.WriteString(" ")
	buf.WriteString(score(v.Player1Score))
	buf.WriteString(" vs ")
	if v.Player2ID == "" {
		buf.WriteString("?")
	} else {
		buf.WriteString(v.Player2ID)
		buf.WriteString(" ")
		buf.WriteString(score(v.Player2Score))
	}

	if v.ActivePlayerID != "" {
		buf.WriteString("\n  ")
		buf.WriteString(emoji.Loudspeaker.String())
		buf.WriteString(" ")
		buf.WriteString(v.ActivePlayerID)
		buf.WriteString(" seq ")
		buf.WriteString(strconv.FormatUint(v.TurnSeq, 10))
		if v.RemainingMs > 0 {
			buf.WriteString(", ")
			buf.WriteString((time.Duration(v.RemainingMs) * time.Millisecond).String())
			buf.WriteString(" left")
		}
	}

	switch {
	case v.Draw:
		buf.WriteString("\n  draw")
	case v.WinnerID != "":
		buf.WriteString("\n  winner ")
		buf.WriteString(v.WinnerID)
	case v.Status == battle.StatusCancelled:
		buf.WriteString("\n  cancelled: ")
		buf.WriteString(string(v.CancelReason))
	}

	return buf.String()
}

func renderMatch(m matchqueue.Match) string {
	buf := strpool.Get()
	defer strpool.Put(buf)

	buf.WriteString(emoji.Fire.String())
	buf.WriteString(" matched ")
	buf.WriteString(m.Player1.PlayerID)
	buf.WriteString(" vs ")
	buf.WriteString(m.Player2.PlayerID)
	buf.WriteString(", battle ")
	buf.WriteString(m.BattleID)

	return buf.String()
}

func renderProfile(p profile.Summary) string {
	buf := strpool.Get()
	defer strpool.Put(buf)

	buf.WriteString(emoji.Star.String())
	buf.WriteString(" ")
	buf.WriteString(p.DisplayName)
	buf.WriteString(" rating ")
	buf.WriteString(strconv.Itoa(p.Rating))
	buf.WriteString(", ")
	buf.WriteString(strconv.Itoa(p.Wins))
	buf.WriteString("W/")
	buf.WriteString(strconv.Itoa(p.Losses))
	buf.WriteString("L")

	return buf.String()
}

func roundLabel(round *int) string {
	if round == nil {
		return "the battle"
	}
	return "round " + strconv.Itoa(*round)
}

func score(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
