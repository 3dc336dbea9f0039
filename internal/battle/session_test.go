package battle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bloops-games/rapbattle/internal/errs"
	"github.com/bloops-games/rapbattle/internal/pubsub"
	"github.com/bloops-games/rapbattle/internal/reward"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mtx    sync.Mutex
	saved  []Battle
	rounds map[string]Round
}

func newMemStore() *memStore {
	return &memStore{rounds: map[string]Round{}}
}

func (m *memStore) Save(b Battle) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.saved = append(m.saved, b)
	return nil
}

func (m *memStore) PutRound(r Round) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	key := fmt.Sprintf("%s/%d/%s", r.BattleID, r.RoundNumber, r.PlayerID)
	if _, ok := m.rounds[key]; ok {
		return false, nil
	}
	m.rounds[key] = r
	return true, nil
}

func (m *memStore) roundCount() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.rounds)
}

func (m *memStore) versions() []uint64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]uint64, 0, len(m.saved))
	for _, b := range m.saved {
		out = append(out, b.Version)
	}
	return out
}

type tableScorer struct {
	mtx    sync.Mutex
	scores map[string]float64
	calls  int
	fail   bool
	delay  time.Duration
}

func (s *tableScorer) Score(_ context.Context, sub Submission) (Assessment, error) {
	time.Sleep(s.delay)

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.calls++
	if s.fail {
		return Assessment{}, errors.New("judge down")
	}
	v := s.scores[fmt.Sprintf("%d/%s", sub.RoundNumber, sub.PlayerID)]
	return Assessment{
		Scores:   Scores{Rhyme: v, Flow: v, Punchlines: v, Delivery: v, Creativity: v, Rebuttal: v},
		Feedback: "solid",
	}, nil
}

func (s *tableScorer) callCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.calls
}

type sinkRecorder struct {
	mtx  sync.Mutex
	list []reward.Completion
}

func (r *sinkRecorder) Publish(_ context.Context, c reward.Completion) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.list = append(r.list, c)
	return nil
}

func (r *sinkRecorder) completions() []reward.Completion {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]reward.Completion(nil), r.list...)
}

type fixedVotes VoteCounts

func (f fixedVotes) Overall(context.Context, string) (VoteCounts, error) {
	return VoteCounts(f), nil
}

type harness struct {
	session *Session
	store   *memStore
	scorer  *tableScorer
	sink    *sinkRecorder
	broker  *pubsub.Broker
	done    chan Battle
}

func newHarness(t *testing.T, rounds int, style VotingStyle, rules Rules, mutate func(*Config)) *harness {
	t.Helper()

	b, err := New("b1", "ABC234", "p1", rounds, style, false, rules, time.Now())
	require.NoError(t, err)

	h := &harness{
		store:  newMemStore(),
		scorer: &tableScorer{scores: map[string]float64{}},
		sink:   &sinkRecorder{},
		broker: pubsub.NewBroker(),
		done:   make(chan Battle, 1),
	}
	cfg := Config{
		Store:     h.store,
		Scorer:    h.scorer,
		Publisher: h.broker,
		Rewards:   h.sink,
		DoneFn:    func(b Battle) { h.done <- b },
		Tick:      5 * time.Millisecond,
		Grace:     50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h.session = NewSession(cfg, b)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.session.Run(ctx)

	return h
}

func fastRules() Rules {
	return Rules{CountdownTicks: 2, TurnDuration: 5 * time.Second, StartTimeout: 5 * time.Second}
}

func waitFor(t *testing.T, s *Session, cond func(Battle) bool) Battle {
	t.Helper()
	var b Battle
	require.Eventually(t, func() bool {
		b = s.Snapshot()
		return cond(b)
	}, 2*time.Second, 2*time.Millisecond)
	return b
}

func waitDone(t *testing.T, h *harness) Battle {
	t.Helper()
	select {
	case b := <-h.done:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("battle did not finish")
	}
	return Battle{}
}

func pending(b Battle) bool {
	return b.Status == StatusBattling && b.Stage == StagePending
}

func perform(t *testing.T, h *harness, player string) {
	t.Helper()
	ctx := context.Background()
	b := waitFor(t, h.session, func(b Battle) bool { return pending(b) && b.ActivePlayerID() == player })
	require.NoError(t, h.session.StartTurn(ctx, player, b.TurnSeq))
	require.NoError(t, h.session.EndTurn(ctx, player, b.TurnSeq, "take"))
}

func startBattle(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.session.Join(ctx, "p2"))
	require.NoError(t, h.session.Ready(ctx, "p1"))
	require.NoError(t, h.session.Ready(ctx, "p2"))
}

func TestSession_FullBattle(t *testing.T) {
	h := newHarness(t, 2, VotingPerRound, fastRules(), nil)
	h.scorer.scores = map[string]float64{"1/p1": 8.5, "1/p2": 7.7, "2/p1": 8.6, "2/p2": 7.94}

	sub := h.broker.Subscribe(pubsub.BattleTopic("b1"), 256)
	defer sub.Close()

	startBattle(t, h)
	for round := 1; round <= 2; round++ {
		perform(t, h, "p1")
		perform(t, h, "p2")
	}

	b := waitDone(t, h)
	require.Equal(t, StatusComplete, b.Status)
	require.Equal(t, "p1", b.WinnerID)
	require.Equal(t, 85.5, *b.Player1Score)
	require.Equal(t, 78.2, *b.Player2Score)
	require.Equal(t, 2, b.CurrentRound)

	require.Equal(t, 4, h.store.roundCount())
	require.Len(t, h.session.Rounds(), 4)

	completions := h.sink.completions()
	require.Len(t, completions, 1)
	require.Equal(t, "p1", *completions[0].WinnerID)
	require.Equal(t, 85.5, completions[0].Player1Score)

	versions := h.store.versions()
	for i := 1; i < len(versions); i++ {
		require.Greater(t, versions[i], versions[i-1])
	}

	var sawSnapshot, sawRound bool
	for len(sub.C) > 0 {
		m := <-sub.C
		switch m.Type {
		case "snapshot":
			sawSnapshot = true
		case "round_scored":
			sawRound = true
		}
	}
	require.True(t, sawSnapshot)
	require.True(t, sawRound)
}

func TestSession_DoubleEndTurnWritesOneRound(t *testing.T) {
	h := newHarness(t, 1, VotingPerRound, fastRules(), nil)
	startBattle(t, h)
	ctx := context.Background()

	b := waitFor(t, h.session, pending)
	require.NoError(t, h.session.StartTurn(ctx, "p1", b.TurnSeq))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, h.session.EndTurn(ctx, "p1", b.TurnSeq, "take"))
		}()
	}
	wg.Wait()

	require.Equal(t, 1, h.store.roundCount())
	require.Equal(t, 1, h.scorer.callCount())
	require.Equal(t, "p2", h.session.Snapshot().ActivePlayerID())
}

func TestSession_TimersDriveTheBattle(t *testing.T) {
	rules := Rules{CountdownTicks: 1, TurnDuration: 30 * time.Millisecond, StartTimeout: 150 * time.Millisecond}
	h := newHarness(t, 1, VotingPerRound, rules, nil)
	startBattle(t, h)
	ctx := context.Background()

	// player1 starts and runs out of time, player2 never starts
	b := waitFor(t, h.session, pending)
	require.NoError(t, h.session.StartTurn(ctx, "p1", b.TurnSeq))

	done := waitDone(t, h)
	require.Equal(t, StatusComplete, done.Status)

	rounds := h.session.Rounds()
	require.Len(t, rounds, 2)
	require.True(t, rounds[0].Forced)
	require.False(t, rounds[0].Skipped)
	require.True(t, rounds[1].Skipped)
	require.Zero(t, rounds[1].TotalScore)
	require.Equal(t, 1, h.scorer.callCount())
}

func TestSession_ScorerFailureRecordsZero(t *testing.T) {
	h := newHarness(t, 1, VotingPerRound, fastRules(), nil)
	h.scorer.fail = true
	startBattle(t, h)

	perform(t, h, "p1")
	perform(t, h, "p2")

	b := waitDone(t, h)
	require.True(t, b.Draw)
	for _, r := range h.session.Rounds() {
		require.Equal(t, scoringUnavailable, r.JudgeFeedback)
		require.Zero(t, r.TotalScore)
	}
}

func TestSession_OverallVotesBreakTie(t *testing.T) {
	h := newHarness(t, 1, VotingOverall, fastRules(), func(c *Config) {
		c.Votes = fixedVotes{Player1Votes: 1, Player2Votes: 2, TotalVotes: 3}
	})
	startBattle(t, h)

	perform(t, h, "p1")
	perform(t, h, "p2")

	b := waitDone(t, h)
	require.Equal(t, "p2", b.WinnerID)
}

func TestSession_Forfeit(t *testing.T) {
	h := newHarness(t, 3, VotingPerRound, fastRules(), nil)
	startBattle(t, h)
	ctx := context.Background()

	require.ErrorIs(t, h.session.Forfeit(ctx, "spectator"), errs.ErrValidation)
	require.NoError(t, h.session.Forfeit(ctx, "p2"))

	b := waitDone(t, h)
	require.Equal(t, StatusCancelled, b.Status)
	require.Equal(t, CancelForfeit, b.CancelReason)

	require.ErrorIs(t, h.session.Ready(ctx, "p1"), errs.ErrOpponentLeft)
	require.Empty(t, h.sink.completions())
}

func TestSession_GraceWindow(t *testing.T) {
	h := newHarness(t, 3, VotingPerRound, fastRules(), nil)
	startBattle(t, h)

	// a reconnect inside the window keeps the battle alive
	h.session.Attach("p1")
	h.session.Detach("p1")
	h.session.Attach("p1")
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, StatusBattling, h.session.Snapshot().Status)

	h.session.Detach("p1")
	b := waitDone(t, h)
	require.Equal(t, StatusCancelled, b.Status)
	require.Equal(t, CancelDisconnect, b.CancelReason)
	require.Equal(t, "p1", b.CancelledBy)
}

func TestSession_Restore(t *testing.T) {
	now := time.Now()
	b, err := New("b1", "ABC234", "p1", 1, VotingPerRound, false, fastRules(), now)
	require.NoError(t, err)
	b, _, err = Apply(b, Command{Type: CmdJoin, PlayerID: "p2"}, now)
	require.NoError(t, err)
	b, _, err = Apply(b, Command{Type: CmdReady, PlayerID: "p1"}, now)
	require.NoError(t, err)
	b, _, err = Apply(b, Command{Type: CmdReady, PlayerID: "p2"}, now)
	require.NoError(t, err)
	for b.Stage == StageCountdown {
		b, _, err = Apply(b, Command{Type: CmdTick, Seq: b.TurnSeq}, now)
		require.NoError(t, err)
	}
	b, _, err = Apply(b, Command{Type: CmdStartTurn, PlayerID: "p1", Seq: b.TurnSeq}, now)
	require.NoError(t, err)
	require.Equal(t, StagePerforming, b.Stage)

	store := newMemStore()
	s := RestoreSession(Config{Store: store, Scorer: &tableScorer{}}, b, nil)
	restored := s.Snapshot()
	require.Equal(t, StagePending, restored.Stage)
	require.Equal(t, b.TurnSeq, restored.TurnSeq)
	require.Greater(t, restored.Version, b.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Run(ctx)
	require.NoError(t, s.StartTurn(ctx, "p1", restored.TurnSeq))

	s.Stop()
	<-s.Done()
	require.ErrorIs(t, s.Ready(context.Background(), "p1"), ErrClosed)
}

func TestSession_RestoredReadyCancelsWithoutPlayers(t *testing.T) {
	now := time.Now()
	b, err := New("b1", "ABC234", "p1", 1, VotingPerRound, false, fastRules(), now)
	require.NoError(t, err)
	b, _, err = Apply(b, Command{Type: CmdJoin, PlayerID: "p2"}, now)
	require.NoError(t, err)
	require.Equal(t, StatusReady, b.Status)

	done := make(chan Battle, 1)
	s := RestoreSession(Config{
		Store:  newMemStore(),
		Scorer: &tableScorer{},
		Grace:  30 * time.Millisecond,
		DoneFn: func(b Battle) { done <- b },
	}, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Run(ctx)

	select {
	case got := <-done:
		require.Equal(t, StatusCancelled, got.Status)
		require.Equal(t, CancelDisconnect, got.CancelReason)
	case <-time.After(2 * time.Second):
		t.Fatal("restored battle was never cancelled")
	}
}

func TestSession_RestoredBattleSurvivesReconnect(t *testing.T) {
	now := time.Now()
	b, err := New("b1", "ABC234", "p1", 1, VotingPerRound, false, fastRules(), now)
	require.NoError(t, err)
	b, _, err = Apply(b, Command{Type: CmdJoin, PlayerID: "p2"}, now)
	require.NoError(t, err)

	s := RestoreSession(Config{Store: newMemStore(), Scorer: &tableScorer{}, Grace: 60 * time.Millisecond}, b, nil)
	s.Attach("p1")
	s.Attach("p2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Run(ctx)

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, StatusReady, s.Snapshot().Status)
}

func TestSession_SlowScoringKeepsStartWindow(t *testing.T) {
	h := newHarness(t, 1, VotingPerRound, fastRules(), nil)
	h.scorer.delay = 50 * time.Millisecond
	startBattle(t, h)
	ctx := context.Background()

	b := waitFor(t, h.session, func(b Battle) bool { return pending(b) && b.ActivePlayerID() == "p1" })
	require.NoError(t, h.session.StartTurn(ctx, "p1", b.TurnSeq))

	before := time.Now()
	require.NoError(t, h.session.EndTurn(ctx, "p1", b.TurnSeq, "take"))

	next := h.session.Snapshot()
	require.Equal(t, "p2", next.ActivePlayerID())
	require.True(t, pending(next))
	require.False(t, next.TurnDeadline.Before(before.Add(h.scorer.delay+fastRules().StartTimeout)))
}

func TestSession_RestoreJudgingFinalizes(t *testing.T) {
	b := Battle{
		ID: "b1", Player1ID: "p1", Player2ID: "p2", Status: StatusJudging,
		CurrentRound: 1, TotalRounds: 1, VotingStyle: VotingPerRound, Rules: fastRules(),
	}
	rounds := []Round{round(1, "p1", 30), round(1, "p2", 31)}

	done := make(chan Battle, 1)
	sink := &sinkRecorder{}
	s := RestoreSession(Config{
		Store:   newMemStore(),
		Rewards: sink,
		DoneFn:  func(b Battle) { done <- b },
	}, b, rounds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Run(ctx)

	select {
	case got := <-done:
		require.Equal(t, "p2", got.WinnerID)
	case <-time.After(2 * time.Second):
		t.Fatal("restore did not finalize")
	}
	require.Len(t, sink.completions(), 1)
}
