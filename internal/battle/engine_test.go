package battle

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/bloops-games/rapbattle/internal/errs"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func testRules() Rules {
	return Rules{CountdownTicks: 3, TurnDuration: 60 * time.Second, StartTimeout: 30 * time.Second}
}

func mustApply(t *testing.T, b Battle, cmd Command, now time.Time) (Battle, []Event) {
	t.Helper()
	next, events, err := Apply(b, cmd, now)
	require.NoError(t, err)
	return next, events
}

func newReady(t *testing.T, rounds int) Battle {
	t.Helper()
	b, err := New("b1", "ABC234", "p1", rounds, VotingOverall, false, testRules(), t0)
	require.NoError(t, err)
	b, _ = mustApply(t, b, Command{Type: CmdJoin, PlayerID: "p2"}, t0)
	return b
}

// toPending readies both players and runs the countdown out.
func toPending(t *testing.T, b Battle) Battle {
	t.Helper()
	b, _ = mustApply(t, b, Command{Type: CmdReady, PlayerID: "p1"}, t0)
	b, _ = mustApply(t, b, Command{Type: CmdReady, PlayerID: "p2"}, t0)
	for b.Stage == StageCountdown {
		b, _ = mustApply(t, b, Command{Type: CmdTick, Seq: b.TurnSeq}, t0)
	}
	return b
}

func TestNew_Validation(t *testing.T) {
	_, err := New("b1", "ABC234", "p1", 0, VotingPerRound, false, testRules(), t0)
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = New("b1", "ABC234", "p1", 6, VotingPerRound, false, testRules(), t0)
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = New("b1", "ABC234", "p1", 3, "weird", false, testRules(), t0)
	require.ErrorIs(t, err, errs.ErrValidation)

	b, err := New("b1", "ABC234", "p1", 3, "", false, Rules{CountdownTicks: 3, TurnDuration: time.Minute}, t0)
	require.NoError(t, err)
	require.Equal(t, VotingPerRound, b.VotingStyle)
	require.Equal(t, time.Minute, b.Rules.StartTimeout)
	require.Equal(t, StatusWaiting, b.Status)
}

func TestApply_Join(t *testing.T) {
	b, err := New("b1", "ABC234", "p1", 3, VotingPerRound, false, testRules(), t0)
	require.NoError(t, err)

	_, _, err = Apply(b, Command{Type: CmdJoin, PlayerID: "p1"}, t0)
	require.ErrorIs(t, err, errs.ErrConflict)

	b, events := mustApply(t, b, Command{Type: CmdJoin, PlayerID: "p2"}, t0)
	require.Equal(t, StatusReady, b.Status)
	require.Equal(t, "p2", b.Player2ID)
	require.Equal(t, uint64(1), b.Version)
	require.Equal(t, EvtJoined, events[0].Type)

	_, _, err = Apply(b, Command{Type: CmdJoin, PlayerID: "p3"}, t0)
	require.ErrorIs(t, err, errs.ErrRoomFull)

	b = toPending(t, b)
	_, _, err = Apply(b, Command{Type: CmdJoin, PlayerID: "p3"}, t0)
	require.ErrorIs(t, err, errs.ErrAlreadyStarted)
}

func TestApply_ReadyStartsCountdown(t *testing.T) {
	b := newReady(t, 2)

	b, _ = mustApply(t, b, Command{Type: CmdReady, PlayerID: "p1"}, t0)
	require.Equal(t, StatusReady, b.Status)

	v := b.Version
	same, events, err := Apply(b, Command{Type: CmdReady, PlayerID: "p1"}, t0)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, v, same.Version)

	b, events = mustApply(t, b, Command{Type: CmdReady, PlayerID: "p2"}, t0)
	require.Equal(t, StatusBattling, b.Status)
	require.Equal(t, StageCountdown, b.Stage)
	require.Equal(t, 3, b.CountdownLeft)
	require.Equal(t, 1, b.CurrentRound)
	require.Equal(t, "p1", b.ActivePlayerID())
	require.Equal(t, EvtCountdown, events[len(events)-1].Type)

	for i := 2; i >= 1; i-- {
		b, _ = mustApply(t, b, Command{Type: CmdTick, Seq: b.TurnSeq}, t0)
		require.Equal(t, i, b.CountdownLeft)
	}
	b, events = mustApply(t, b, Command{Type: CmdTick, Seq: b.TurnSeq}, t0)
	require.Equal(t, StagePending, b.Stage)
	require.Equal(t, t0.Add(30*time.Second), b.TurnDeadline)
	require.Equal(t, EvtTurnPending, events[0].Type)
}

func TestApply_TurnFlow(t *testing.T) {
	b := toPending(t, newReady(t, 2))

	_, _, err := Apply(b, Command{Type: CmdStartTurn, PlayerID: "p2", Seq: b.TurnSeq}, t0)
	require.ErrorIs(t, err, errs.ErrNotYourTurn)

	_, _, err = Apply(b, Command{Type: CmdEndTurn, PlayerID: "p1", Seq: b.TurnSeq, Reason: EndSubmitted}, t0)
	require.ErrorIs(t, err, errs.ErrState)

	b, _ = mustApply(t, b, Command{Type: CmdStartTurn, PlayerID: "p1", Seq: b.TurnSeq}, t0)
	require.Equal(t, StagePerforming, b.Stage)
	require.Equal(t, t0.Add(time.Minute), b.TurnDeadline)

	seq := b.TurnSeq
	b, events := mustApply(t, b, Command{Type: CmdEndTurn, PlayerID: "p1", Seq: seq, Reason: EndSubmitted, SubmissionRef: "take-1"}, t0.Add(42*time.Second))
	require.Equal(t, EvtTurnEnded, events[0].Type)
	require.Equal(t, 42*time.Second, events[0].Turn.Duration)
	require.Equal(t, "take-1", events[0].Turn.SubmissionRef)
	require.Equal(t, StagePending, b.Stage)
	require.Equal(t, 2, b.Turn)
	require.Equal(t, 1, b.CurrentRound)
	require.Equal(t, "p2", b.ActivePlayerID())

	// player2 skips, round 2 starts with a countdown
	b, _ = mustApply(t, b, Command{Type: CmdEndTurn, PlayerID: "p2", Seq: b.TurnSeq, Reason: EndSkipped}, t0.Add(time.Minute))
	require.Equal(t, 2, b.CurrentRound)
	require.Equal(t, StageCountdown, b.Stage)
	require.Equal(t, "p1", b.ActivePlayerID())

	for b.Stage == StageCountdown {
		b, _ = mustApply(t, b, Command{Type: CmdTick, Seq: b.TurnSeq}, t0)
	}
	b, _ = mustApply(t, b, Command{Type: CmdStartTurn, PlayerID: "p1", Seq: b.TurnSeq}, t0)
	b, _ = mustApply(t, b, Command{Type: CmdEndTurn, Seq: b.TurnSeq, Reason: EndExpired}, t0.Add(2*time.Minute))
	b, events = mustApply(t, b, Command{Type: CmdEndTurn, Seq: b.TurnSeq, Reason: EndStartTimeout}, t0.Add(3*time.Minute))

	require.Equal(t, StatusJudging, b.Status)
	require.Equal(t, 2, b.CurrentRound)
	require.True(t, events[0].Turn.Skipped())
	require.True(t, events[0].Turn.Forced())
}

func TestApply_DoubleEndTurnIsNoop(t *testing.T) {
	b := toPending(t, newReady(t, 1))
	b, _ = mustApply(t, b, Command{Type: CmdStartTurn, PlayerID: "p1", Seq: b.TurnSeq}, t0)

	seq := b.TurnSeq
	b, events := mustApply(t, b, Command{Type: CmdEndTurn, PlayerID: "p1", Seq: seq, Reason: EndSubmitted}, t0.Add(time.Second))
	require.Len(t, events, 2)

	again, events, err := Apply(b, Command{Type: CmdEndTurn, PlayerID: "p1", Seq: seq, Reason: EndSubmitted}, t0.Add(2*time.Second))
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, b, again)

	// the expiry timer of the closed turn loses the race as well
	_, events, err = Apply(b, Command{Type: CmdEndTurn, Seq: seq, Reason: EndExpired}, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestApply_TimerBeforeDeadlineIgnored(t *testing.T) {
	b := toPending(t, newReady(t, 1))
	b, _ = mustApply(t, b, Command{Type: CmdStartTurn, PlayerID: "p1", Seq: b.TurnSeq}, t0)

	_, events, err := Apply(b, Command{Type: CmdEndTurn, Seq: b.TurnSeq, Reason: EndExpired}, t0.Add(10*time.Second))
	require.NoError(t, err)
	require.Empty(t, events)

	_, events, err = Apply(b, Command{Type: CmdEndTurn, Seq: b.TurnSeq, Reason: EndStartTimeout}, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, events, "start timeout does not apply once the turn started")
}

func TestApply_CancelAndAfter(t *testing.T) {
	b := toPending(t, newReady(t, 3))

	_, _, err := Apply(b, Command{Type: CmdCancel, PlayerID: "stranger"}, t0)
	require.ErrorIs(t, err, errs.ErrValidation)

	b, events := mustApply(t, b, Command{Type: CmdCancel, PlayerID: "p2", Cancel: CancelDisconnect}, t0)
	require.Equal(t, StatusCancelled, b.Status)
	require.Equal(t, CancelDisconnect, b.CancelReason)
	require.Equal(t, EvtCancelled, events[0].Type)

	_, _, err = Apply(b, Command{Type: CmdStartTurn, PlayerID: "p1", Seq: b.TurnSeq}, t0)
	require.ErrorIs(t, err, errs.ErrOpponentLeft)

	_, events, err = Apply(b, Command{Type: CmdCancel, PlayerID: "p1"}, t0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestApply_FinalizeValidatesWinner(t *testing.T) {
	b := toPending(t, newReady(t, 1))
	b, _ = mustApply(t, b, Command{Type: CmdEndTurn, PlayerID: "p1", Seq: b.TurnSeq, Reason: EndSkipped}, t0)
	b, _ = mustApply(t, b, Command{Type: CmdEndTurn, PlayerID: "p2", Seq: b.TurnSeq, Reason: EndSkipped}, t0)
	require.Equal(t, StatusJudging, b.Status)

	_, _, err := Apply(b, Command{Type: CmdFinalize, Verdict: Verdict{WinnerID: "p3"}}, t0)
	require.ErrorIs(t, err, errs.ErrValidation)

	b, _ = mustApply(t, b, Command{Type: CmdFinalize, Verdict: Verdict{Draw: true}}, t0)
	require.Equal(t, StatusComplete, b.Status)
	require.True(t, b.Draw)
	require.Empty(t, b.WinnerID)
	require.NotNil(t, b.Player1Score)

	_, _, err = Apply(b, Command{Type: CmdCancel, PlayerID: "p1"}, t0)
	require.ErrorIs(t, err, errs.ErrState)
}

// Random command streams never move the status backwards and never push the
// round counter past the total.
func TestApply_RandomCommandsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	players := []string{"p1", "p2", "p3", ""}
	reasons := []EndReason{EndSubmitted, EndExpired, EndSkipped, EndStartTimeout}
	types := []CommandType{CmdJoin, CmdReady, CmdTick, CmdStartTurn, CmdEndTurn, CmdEndTurn, CmdEndTurn, CmdCancel}

	for run := 0; run < 200; run++ {
		b, err := New("b1", "ABC234", "p1", 1+rng.IntN(MaxRounds), VotingPerRound, false, testRules(), t0)
		require.NoError(t, err)
		now := t0

		for step := 0; step < 300; step++ {
			now = now.Add(time.Duration(rng.IntN(90)) * time.Second)
			cmd := Command{
				Type:     types[rng.IntN(len(types))],
				PlayerID: players[rng.IntN(len(players))],
				Seq:      b.TurnSeq - uint64(rng.IntN(2)),
				Reason:   reasons[rng.IntN(len(reasons))],
			}
			if cmd.Type == CmdCancel && rng.IntN(20) != 0 {
				continue
			}

			next, events, err := Apply(b, cmd, now)
			if err != nil || len(events) == 0 {
				require.Equal(t, b, next)
				continue
			}

			require.True(t, statusOrder[next.Status] >= statusOrder[b.Status], "%s -> %s", b.Status, next.Status)
			require.LessOrEqual(t, next.CurrentRound, next.TotalRounds)
			require.Equal(t, b.Version+1, next.Version)
			require.GreaterOrEqual(t, next.TurnSeq, b.TurnSeq)
			b = next
		}
	}
}

func TestScores_Total(t *testing.T) {
	all := func(v float64) Scores {
		return Scores{Rhyme: v, Flow: v, Punchlines: v, Delivery: v, Creativity: v, Rebuttal: v}
	}

	require.Equal(t, 50.0, all(10).Total())
	require.Equal(t, 42.5, all(8.5).Total())
	require.Equal(t, 39.7, all(7.94).Total())
	require.Equal(t, 12.5, Scores{Flow: 10}.Total())

	require.NoError(t, all(10).Validate())
	require.ErrorIs(t, Scores{Flow: 11}.Validate(), errs.ErrValidation)
	require.ErrorIs(t, Scores{Rhyme: -1}.Validate(), errs.ErrValidation)
}

func TestStatus_CanMoveTo(t *testing.T) {
	require.True(t, StatusWaiting.CanMoveTo(StatusReady))
	require.True(t, StatusBattling.CanMoveTo(StatusCancelled))
	require.False(t, StatusJudging.CanMoveTo(StatusBattling))
	require.False(t, StatusComplete.CanMoveTo(StatusCancelled))
	require.False(t, StatusCancelled.CanMoveTo(StatusComplete))
}

func TestApply_LateEndAfterTimerIsNoop(t *testing.T) {
	b := toPending(t, newReady(t, 1))

	_, _, err := Apply(b, Command{Type: CmdEndTurn, PlayerID: "p2", Reason: EndSkipped}, t0)
	require.ErrorIs(t, err, errs.ErrNotYourTurn)

	b, _ = mustApply(t, b, Command{Type: CmdStartTurn, PlayerID: "p1", Seq: b.TurnSeq}, t0)
	b, events := mustApply(t, b, Command{Type: CmdEndTurn, Seq: b.TurnSeq, Reason: EndExpired}, t0.Add(61*time.Second))
	require.Equal(t, EvtTurnEnded, events[0].Type)
	require.Equal(t, "p2", b.ActivePlayerID())

	for _, reason := range []EndReason{EndSubmitted, EndSkipped} {
		next, events, err := Apply(b, Command{Type: CmdEndTurn, PlayerID: "p1", Reason: reason}, t0.Add(62*time.Second))
		require.NoError(t, err)
		require.Empty(t, events)
		require.Equal(t, b, next)
	}

	deadline := b.TurnDeadline
	b, _ = mustApply(t, b, Command{Type: CmdEndTurn, Seq: b.TurnSeq, Reason: EndStartTimeout}, deadline)
	require.Equal(t, StatusJudging, b.Status)

	next, events, err := Apply(b, Command{Type: CmdEndTurn, PlayerID: "p2", Reason: EndSkipped}, deadline)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, b, next)

	_, _, err = Apply(b, Command{Type: CmdEndTurn, PlayerID: "p3", Reason: EndSkipped}, deadline)
	require.ErrorIs(t, err, errs.ErrState)
}
