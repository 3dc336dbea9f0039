package battle

import (
	"fmt"
	"time"

	"github.com/bloops-games/rapbattle/internal/errs"
)

type CommandType string

const (
	CmdJoin      CommandType = "join"
	CmdReady     CommandType = "ready"
	CmdTick      CommandType = "countdown_tick"
	CmdStartTurn CommandType = "start_turn"
	CmdEndTurn   CommandType = "end_turn"
	CmdFinalize  CommandType = "finalize"
	CmdCancel    CommandType = "cancel"
)

// EndReason says why a turn slot closed.
type EndReason string

const (
	EndSubmitted    EndReason = "submitted"
	EndExpired      EndReason = "expired"
	EndSkipped      EndReason = "skipped"
	EndStartTimeout EndReason = "start_timeout"
)

// Command is an input to Apply. Timer-originated commands leave PlayerID empty
// and always carry the Seq of the turn slot they were armed for.
type Command struct {
	Type          CommandType
	PlayerID      string
	Seq           uint64
	Reason        EndReason
	SubmissionRef string
	Verdict       Verdict
	Cancel        CancelReason
}

type EventType string

const (
	EvtJoined      EventType = "joined"
	EvtReady       EventType = "ready"
	EvtCountdown   EventType = "countdown"
	EvtTurnPending EventType = "turn_pending"
	EvtTurnStarted EventType = "turn_started"
	EvtTurnEnded   EventType = "turn_ended"
	EvtJudging     EventType = "judging"
	EvtCompleted   EventType = "completed"
	EvtCancelled   EventType = "cancelled"
)

type Event struct {
	Type      EventType   `json:"type"`
	PlayerID  string      `json:"playerId,omitempty"`
	Countdown int         `json:"countdown,omitempty"`
	Turn      *TurnResult `json:"turn,omitempty"`
}

// TurnResult describes a closed turn slot that still has to be scored.
type TurnResult struct {
	RoundNumber   int           `json:"roundNumber"`
	PlayerID      string        `json:"playerId"`
	Reason        EndReason     `json:"reason"`
	Duration      time.Duration `json:"duration"`
	SubmissionRef string        `json:"submissionRef,omitempty"`
}

// Skipped turns are recorded with zero scores without calling the scorer.
func (t TurnResult) Skipped() bool {
	return t.Reason == EndSkipped || t.Reason == EndStartTimeout
}

func (t TurnResult) Forced() bool {
	return t.Reason == EndExpired || t.Reason == EndStartTimeout
}

// New returns a battle in the waiting state owned by player1.
func New(id, roomCode, player1ID string, totalRounds int, style VotingStyle, showVotes bool, rules Rules, now time.Time) (Battle, error) {
	if id == "" || player1ID == "" {
		return Battle{}, errs.Validation("battle id and player1 id required")
	}
	if totalRounds < MinRounds || totalRounds > MaxRounds {
		return Battle{}, errs.Validation("total rounds %d out of range %d-%d", totalRounds, MinRounds, MaxRounds)
	}
	if style == "" {
		style = VotingPerRound
	}
	if !style.Valid() {
		return Battle{}, errs.Validation("unknown voting style %q", style)
	}
	if rules.CountdownTicks <= 0 || rules.TurnDuration <= 0 {
		return Battle{}, errs.Validation("invalid battle rules")
	}
	if rules.StartTimeout <= 0 {
		rules.StartTimeout = rules.TurnDuration
	}

	return Battle{
		ID:                    id,
		RoomCode:              roomCode,
		Status:                StatusWaiting,
		Player1ID:             player1ID,
		TotalRounds:           totalRounds,
		VotingStyle:           style,
		ShowVotesDuringBattle: showVotes,
		Rules:                 rules,
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

// Apply validates cmd against b and returns the next state with the events
// produced. A failed command leaves b untouched. A command aimed at an
// already closed turn slot is a no-op: no events and a nil error.
func Apply(b Battle, cmd Command, now time.Time) (Battle, []Event, error) {
	if b.Status == StatusCancelled && cmd.Type != CmdCancel && cmd.Type != CmdJoin {
		return b, nil, errs.ErrOpponentLeft
	}

	var (
		next   Battle
		events []Event
		err    error
	)

	switch cmd.Type {
	case CmdJoin:
		next, events, err = applyJoin(b, cmd, now)
	case CmdReady:
		next, events, err = applyReady(b, cmd, now)
	case CmdTick:
		next, events, err = applyTick(b, cmd, now)
	case CmdStartTurn:
		next, events, err = applyStartTurn(b, cmd, now)
	case CmdEndTurn:
		next, events, err = applyEndTurn(b, cmd, now)
	case CmdFinalize:
		next, events, err = applyFinalize(b, cmd, now)
	case CmdCancel:
		next, events, err = applyCancel(b, cmd, now)
	default:
		return b, nil, errs.Validation("unsupported command %q", cmd.Type)
	}
	if err != nil {
		return b, nil, err
	}
	if len(events) == 0 {
		return b, nil, nil
	}

	if next.Status != b.Status && !b.Status.CanMoveTo(next.Status) {
		return b, nil, fmt.Errorf("illegal status move %s -> %s: %w", b.Status, next.Status, errs.ErrState)
	}

	next.Version = b.Version + 1
	next.UpdatedAt = now

	return next, events, nil
}

func applyJoin(b Battle, cmd Command, now time.Time) (Battle, []Event, error) {
	if cmd.PlayerID == "" {
		return b, nil, errs.Validation("player id required")
	}
	if cmd.PlayerID == b.Player1ID || cmd.PlayerID == b.Player2ID {
		return b, nil, fmt.Errorf("player %s already in battle: %w", cmd.PlayerID, errs.ErrConflict)
	}
	if b.Status != StatusWaiting {
		if b.Status == StatusReady {
			return b, nil, errs.ErrRoomFull
		}
		return b, nil, errs.ErrAlreadyStarted
	}
	if b.Player2ID != "" {
		return b, nil, errs.ErrRoomFull
	}

	b.Player2ID = cmd.PlayerID
	b.Status = StatusReady

	return b, []Event{{Type: EvtJoined, PlayerID: cmd.PlayerID}}, nil
}

func applyReady(b Battle, cmd Command, now time.Time) (Battle, []Event, error) {
	if !b.IsParticipant(cmd.PlayerID) {
		return b, nil, errs.Validation("player %s is not a participant", cmd.PlayerID)
	}
	if b.Status != StatusReady {
		return b, nil, errs.State("battle is %s, not ready", b.Status)
	}

	switch cmd.PlayerID {
	case b.Player1ID:
		if b.Player1Ready {
			return b, nil, nil
		}
		b.Player1Ready = true
	case b.Player2ID:
		if b.Player2Ready {
			return b, nil, nil
		}
		b.Player2Ready = true
	}

	events := []Event{{Type: EvtReady, PlayerID: cmd.PlayerID}}
	if b.Player1Ready && b.Player2Ready {
		b.Status = StatusBattling
		b.CurrentRound = 1
		b.Turn = 1
		b.TurnSeq = 1
		b = beginCountdown(b)
		events = append(events, Event{Type: EvtCountdown, Countdown: b.CountdownLeft})
	}

	return b, events, nil
}

func applyTick(b Battle, cmd Command, now time.Time) (Battle, []Event, error) {
	if b.Status != StatusBattling || b.Stage != StageCountdown || cmd.Seq != b.TurnSeq {
		return b, nil, nil
	}

	b.CountdownLeft--
	if b.CountdownLeft > 0 {
		return b, []Event{{Type: EvtCountdown, Countdown: b.CountdownLeft}}, nil
	}

	b = beginPending(b, now)
	return b, []Event{{Type: EvtTurnPending, PlayerID: b.ActivePlayerID()}}, nil
}

func applyStartTurn(b Battle, cmd Command, now time.Time) (Battle, []Event, error) {
	if cmd.Seq != 0 && cmd.Seq < b.TurnSeq {
		return b, nil, nil
	}
	if cmd.Seq > b.TurnSeq {
		return b, nil, errs.Validation("unknown turn sequence %d", cmd.Seq)
	}
	if b.Status != StatusBattling {
		return b, nil, errs.State("battle is %s, not battling", b.Status)
	}
	if cmd.PlayerID != b.ActivePlayerID() {
		return b, nil, errs.ErrNotYourTurn
	}

	switch b.Stage {
	case StagePerforming:
		return b, nil, nil
	case StageCountdown:
		return b, nil, errs.State("countdown in progress")
	}

	b.Stage = StagePerforming
	b.TurnStartedAt = now
	b.TurnDeadline = now.Add(b.Rules.TurnDuration)

	return b, []Event{{Type: EvtTurnStarted, PlayerID: cmd.PlayerID}}, nil
}

func applyEndTurn(b Battle, cmd Command, now time.Time) (Battle, []Event, error) {
	timer := cmd.PlayerID == ""
	if timer && cmd.Seq == 0 {
		return b, nil, errs.Validation("timer command without sequence")
	}
	if cmd.Seq != 0 && cmd.Seq < b.TurnSeq {
		return b, nil, nil
	}
	if cmd.Seq > b.TurnSeq {
		return b, nil, errs.Validation("unknown turn sequence %d", cmd.Seq)
	}
	if !timer && cmd.Seq == 0 && turnClosed(b, cmd.PlayerID) {
		return b, nil, nil
	}
	if b.Status != StatusBattling {
		if timer {
			return b, nil, nil
		}
		return b, nil, errs.State("battle is %s, not battling", b.Status)
	}
	if !timer && cmd.PlayerID != b.ActivePlayerID() {
		return b, nil, errs.ErrNotYourTurn
	}

	switch cmd.Reason {
	case EndSubmitted:
		if b.Stage != StagePerforming {
			return b, nil, errs.State("turn not started")
		}
	case EndSkipped:
		if b.Stage == StageCountdown {
			return b, nil, errs.State("countdown in progress")
		}
	case EndExpired:
		if b.Stage != StagePerforming || now.Before(b.TurnDeadline) {
			return b, nil, nil
		}
	case EndStartTimeout:
		if b.Stage != StagePending || now.Before(b.TurnDeadline) {
			return b, nil, nil
		}
	default:
		return b, nil, errs.Validation("unknown end reason %q", cmd.Reason)
	}

	result := TurnResult{
		RoundNumber:   b.CurrentRound,
		PlayerID:      b.ActivePlayerID(),
		Reason:        cmd.Reason,
		SubmissionRef: cmd.SubmissionRef,
	}
	if b.Stage == StagePerforming {
		result.Duration = now.Sub(b.TurnStartedAt)
		if result.Duration > b.Rules.TurnDuration {
			result.Duration = b.Rules.TurnDuration
		}
		if result.Duration < 0 {
			result.Duration = 0
		}
	}

	events := []Event{{Type: EvtTurnEnded, PlayerID: result.PlayerID, Turn: &result}}

	b.TurnSeq++
	b.TurnStartedAt = time.Time{}
	b.TurnDeadline = time.Time{}

	switch {
	case b.Turn == 1:
		b.Turn = 2
		b = beginPending(b, now)
		events = append(events, Event{Type: EvtTurnPending, PlayerID: b.Player2ID})
	case b.CurrentRound >= b.TotalRounds:
		b.Status = StatusJudging
		b.Stage = StageNone
		b.Turn = 0
		events = append(events, Event{Type: EvtJudging})
	default:
		b.CurrentRound++
		b.Turn = 1
		b = beginCountdown(b)
		events = append(events, Event{Type: EvtCountdown, Countdown: b.CountdownLeft})
	}

	return b, events, nil
}

func applyFinalize(b Battle, cmd Command, now time.Time) (Battle, []Event, error) {
	if b.Status == StatusComplete {
		return b, nil, nil
	}
	if b.Status != StatusJudging {
		return b, nil, errs.State("battle is %s, not judging", b.Status)
	}

	v := cmd.Verdict
	if v.Draw && v.WinnerID != "" {
		return b, nil, errs.Validation("draw verdict with a winner")
	}
	if !v.Draw && !b.IsParticipant(v.WinnerID) {
		return b, nil, errs.Validation("winner %q is not a participant", v.WinnerID)
	}

	b.Status = StatusComplete
	b.WinnerID = v.WinnerID
	b.Draw = v.Draw
	b.Player1Score = float64Ptr(v.Player1Score)
	b.Player2Score = float64Ptr(v.Player2Score)
	b.CompletedAt = now

	return b, []Event{{Type: EvtCompleted, PlayerID: v.WinnerID}}, nil
}

func applyCancel(b Battle, cmd Command, now time.Time) (Battle, []Event, error) {
	switch b.Status {
	case StatusCancelled:
		return b, nil, nil
	case StatusComplete:
		return b, nil, errs.State("battle already complete")
	}
	if !b.IsParticipant(cmd.PlayerID) {
		return b, nil, errs.Validation("player %s is not a participant", cmd.PlayerID)
	}

	reason := cmd.Cancel
	if reason == "" {
		reason = CancelForfeit
	}

	b.Status = StatusCancelled
	b.Stage = StageNone
	b.CancelReason = reason
	b.CancelledBy = cmd.PlayerID
	b.TurnDeadline = time.Time{}
	b.CompletedAt = now

	return b, []Event{{Type: EvtCancelled, PlayerID: cmd.PlayerID}}, nil
}

func beginCountdown(b Battle) Battle {
	b.Stage = StageCountdown
	b.CountdownLeft = b.Rules.CountdownTicks
	return b
}

// turnClosed reports whether playerID's latest turn has already ended. Turns
// alternate, so once one has ended the waiting participant is the one who
// just played.
func turnClosed(b Battle, playerID string) bool {
	if !b.IsParticipant(playerID) {
		return false
	}
	switch b.Status {
	case StatusJudging, StatusComplete:
		return true
	case StatusBattling:
		return b.TurnSeq > 1 && playerID != b.ActivePlayerID()
	}
	return false
}

func beginPending(b Battle, now time.Time) Battle {
	b.Stage = StagePending
	b.CountdownLeft = 0
	b.TurnDeadline = now.Add(b.Rules.StartTimeout)
	return b
}
