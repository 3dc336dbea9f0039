package battle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bloops-games/rapbattle/internal/errs"
	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/bloops-games/rapbattle/internal/pubsub"
	"github.com/bloops-games/rapbattle/internal/reward"
)

const (
	defaultTick         = time.Second
	defaultGrace        = 30 * time.Second
	defaultScoreTimeout = 10 * time.Second
	inboxSize           = 64

	scoringUnavailable = "scoring unavailable"
)

var ErrClosed = fmt.Errorf("battle session closed: %w", errs.ErrState)

type Store interface {
	Save(b Battle) error
	PutRound(r Round) (bool, error)
}

// Submission is what the scorer receives for one finished turn.
type Submission struct {
	BattleID      string        `json:"battleId"`
	RoundNumber   int           `json:"roundNumber"`
	PlayerID      string        `json:"playerId"`
	SubmissionRef string        `json:"submissionRef,omitempty"`
	Duration      time.Duration `json:"duration"`
	Forced        bool          `json:"forced"`
}

type Assessment struct {
	Scores   Scores `json:"scores"`
	Feedback string `json:"feedback"`
}

type Scorer interface {
	Score(ctx context.Context, s Submission) (Assessment, error)
}

type VoteCounter interface {
	Overall(ctx context.Context, battleID string) (VoteCounts, error)
}

type Publisher interface {
	Publish(topic string, msg pubsub.Message) int
}

type CompletionSink interface {
	Publish(ctx context.Context, c reward.Completion) error
}

type Config struct {
	Store        Store
	Scorer       Scorer
	Votes        VoteCounter
	Publisher    Publisher
	Rewards      CompletionSink
	DoneFn       func(b Battle)
	Tick         time.Duration
	Grace        time.Duration
	ScoreTimeout time.Duration
	Quorum       int
}

// View is the client-facing snapshot. Remaining time is computed by the server at read time.
type View struct {
	Battle
	ActivePlayerID string    `json:"activePlayerId,omitempty"`
	RemainingMs    int64     `json:"remainingMs"`
	ServerTime     time.Time `json:"serverTime"`
}

type sessionMsg interface{ isSessionMsg() }

type commandMsg struct {
	cmd   Command
	reply chan error
}

func (commandMsg) isSessionMsg() {}

type connMsg struct {
	playerID string
	delta    int
}

func (connMsg) isSessionMsg() {}

type graceMsg struct{ playerID string }

func (graceMsg) isSessionMsg() {}

// Session is the single authority over one battle. Every transition is applied
// by its loop goroutine; readers get copies of the last committed snapshot.
type Session struct {
	mtx sync.RWMutex

	cfg    Config
	id     string
	state  Battle
	rounds []Round

	inbox  chan sessionMsg
	done   chan struct{}
	cancel func()
	sema   sync.Once

	// restored sessions start the grace window for participants that never reconnect
	restored bool

	// owned by the loop goroutine
	timer *time.Timer
	conns map[string]int
	grace map[string]*time.Timer
}

func NewSession(cfg Config, b Battle) *Session {
	return newSession(cfg, b, nil)
}

// RestoreSession rebuilds a session from a persisted snapshot. A turn that was
// being performed when the process stopped is reopened as pending.
func RestoreSession(cfg Config, b Battle, rounds []Round) *Session {
	if b.Status == StatusBattling && (b.Stage == StagePending || b.Stage == StagePerforming) {
		b = beginPending(b, time.Now())
		b.TurnStartedAt = time.Time{}
		b.Version++
	}
	s := newSession(cfg, b, rounds)
	s.restored = true
	return s
}

func newSession(cfg Config, b Battle, rounds []Round) *Session {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.ScoreTimeout <= 0 {
		cfg.ScoreTimeout = defaultScoreTimeout
	}
	if cfg.Quorum <= 0 {
		cfg.Quorum = DefaultVoteQuorum
	}

	return &Session{
		cfg:    cfg,
		id:     b.ID,
		state:  b,
		rounds: append([]Round(nil), rounds...),
		inbox:  make(chan sessionMsg, inboxSize),
		done:   make(chan struct{}),
		cancel: func() {},
		conns:  map[string]int{},
		grace:  map[string]*time.Timer{},
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Run(ctx context.Context) {
	s.sema.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.mtx.Lock()
		s.cancel = cancel
		s.mtx.Unlock()
		go s.loop(ctx)
	})
}

func (s *Session) Stop() {
	s.mtx.RLock()
	cancel := s.cancel
	s.mtx.RUnlock()
	cancel()
}

// Done is closed when the loop exits.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Snapshot() Battle {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.state
}

func (s *Session) View() View {
	b := s.Snapshot()
	now := time.Now()
	return View{
		Battle:         b,
		ActivePlayerID: b.ActivePlayerID(),
		RemainingMs:    b.Remaining(now).Milliseconds(),
		ServerTime:     now,
	}
}

func (s *Session) Rounds() []Round {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return append([]Round(nil), s.rounds...)
}

func (s *Session) Join(ctx context.Context, playerID string) error {
	return s.do(ctx, Command{Type: CmdJoin, PlayerID: playerID})
}

func (s *Session) Ready(ctx context.Context, playerID string) error {
	return s.do(ctx, Command{Type: CmdReady, PlayerID: playerID})
}

func (s *Session) StartTurn(ctx context.Context, playerID string, seq uint64) error {
	return s.do(ctx, Command{Type: CmdStartTurn, PlayerID: playerID, Seq: seq})
}

func (s *Session) EndTurn(ctx context.Context, playerID string, seq uint64, submissionRef string) error {
	return s.do(ctx, Command{Type: CmdEndTurn, PlayerID: playerID, Seq: seq, Reason: EndSubmitted, SubmissionRef: submissionRef})
}

func (s *Session) SkipTurn(ctx context.Context, playerID string, seq uint64) error {
	return s.do(ctx, Command{Type: CmdEndTurn, PlayerID: playerID, Seq: seq, Reason: EndSkipped})
}

func (s *Session) Forfeit(ctx context.Context, playerID string) error {
	return s.do(ctx, Command{Type: CmdCancel, PlayerID: playerID, Cancel: CancelForfeit})
}

// Attach registers a live connection of userID. A participant's pending grace timer is cancelled.
func (s *Session) Attach(userID string) {
	s.post(connMsg{playerID: userID, delta: 1})
}

// Detach drops a live connection. When a participant has none left the grace window starts.
func (s *Session) Detach(userID string) {
	s.post(connMsg{playerID: userID, delta: -1})
}

func (s *Session) do(ctx context.Context, cmd Command) error {
	reply := make(chan error, 1)

	select {
	case s.inbox <- commandMsg{cmd: cmd, reply: reply}:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) post(m sessionMsg) {
	select {
	case s.inbox <- m:
	case <-s.done:
	}
}

func (s *Session) loop(ctx context.Context) {
	logger := logging.FromContext(ctx).Named("battle.loop")
	defer close(s.done)
	defer s.stopTimers()

	s.resume(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.inbox:
			switch msg := m.(type) {
			case commandMsg:
				err := s.apply(ctx, msg.cmd)
				if msg.reply != nil {
					msg.reply <- err
				} else if err != nil {
					logger.Debugf("battle %s: timer command %s: %v", s.id, msg.cmd.Type, err)
				}
			case connMsg:
				s.connection(msg.playerID, msg.delta)
			case graceMsg:
				s.graceExpired(ctx, msg.playerID)
			}
		}
	}
}

func (s *Session) resume(ctx context.Context) {
	b := s.Snapshot()
	if b.Status.Terminal() {
		return
	}

	if err := s.cfg.Store.Save(b); err != nil {
		logging.FromContext(ctx).Named("battle.resume").Errorf("battle %s: save snapshot: %v", s.id, err)
	}
	s.publishSnapshot(b)
	s.arm(b)

	if b.Status == StatusJudging {
		s.finalize(ctx)
		return
	}

	if s.restored {
		for _, p := range []string{b.Player1ID, b.Player2ID} {
			if p != "" && s.conns[p] == 0 {
				s.startGrace(p)
			}
		}
	}
}

func (s *Session) apply(ctx context.Context, cmd Command) error {
	next, events, err := Apply(s.Snapshot(), cmd, time.Now())
	if err != nil || len(events) == 0 {
		return err
	}

	scored := false
	for _, ev := range events {
		if ev.Type == EvtTurnEnded && ev.Turn != nil {
			s.recordTurn(ctx, next, *ev.Turn)
			scored = true
		}
	}

	// the next player's start window opens once scoring is over
	if scored && next.Status == StatusBattling && next.Stage == StagePending {
		next = beginPending(next, time.Now())
	}

	s.commit(ctx, next, events)

	if next.Status == StatusJudging {
		s.finalize(ctx)
	}

	return nil
}

func (s *Session) commit(ctx context.Context, b Battle, events []Event) {
	logger := logging.FromContext(ctx).Named("battle.commit")

	// the completion is stored before the complete snapshot so a crash in
	// between re-runs finalisation instead of losing the event
	if b.Status == StatusComplete && s.cfg.Rewards != nil {
		if err := s.cfg.Rewards.Publish(ctx, completionOf(b)); err != nil {
			logger.Errorf("battle %s: publish completion: %v", b.ID, err)
		}
	}

	s.mtx.Lock()
	s.state = b
	s.mtx.Unlock()

	if err := s.cfg.Store.Save(b); err != nil {
		logger.Errorf("battle %s: save snapshot: %v", b.ID, err)
	}

	for _, ev := range events {
		s.publish(string(ev.Type), b.Version, ev)
	}
	s.publishSnapshot(b)
	s.arm(b)

	if b.Status.Terminal() {
		logger.Infof("battle %s (%s) finished: status %s winner %q", b.ID, b.RoomCode, b.Status, b.WinnerID)
		s.stopTimers()
		if s.cfg.DoneFn != nil {
			s.cfg.DoneFn(b)
		}
	}
}

func (s *Session) recordTurn(ctx context.Context, b Battle, t TurnResult) {
	logger := logging.FromContext(ctx).Named("battle.recordTurn")

	r := Round{
		BattleID:        b.ID,
		RoundNumber:     t.RoundNumber,
		PlayerID:        t.PlayerID,
		DurationSeconds: round2(t.Duration.Seconds()),
		Skipped:         t.Skipped(),
		Forced:          t.Forced(),
		CreatedAt:       time.Now(),
	}

	if !r.Skipped {
		a, err := s.score(ctx, Submission{
			BattleID:      b.ID,
			RoundNumber:   t.RoundNumber,
			PlayerID:      t.PlayerID,
			SubmissionRef: t.SubmissionRef,
			Duration:      t.Duration,
			Forced:        r.Forced,
		})
		if err != nil {
			logger.Errorf("battle %s round %d player %s: %v", b.ID, t.RoundNumber, t.PlayerID, err)
			r.JudgeFeedback = scoringUnavailable
		} else {
			r.Scores = a.Scores
			r.JudgeFeedback = a.Feedback
		}
	}
	r.TotalScore = r.Scores.Total()

	created, err := s.cfg.Store.PutRound(r)
	if err != nil {
		logger.Errorf("battle %s: put round: %v", b.ID, err)
	}
	if err == nil && !created {
		return
	}

	s.mtx.Lock()
	for _, existing := range s.rounds {
		if existing.RoundNumber == r.RoundNumber && existing.PlayerID == r.PlayerID {
			s.mtx.Unlock()
			return
		}
	}
	s.rounds = append(s.rounds, r)
	s.mtx.Unlock()

	s.publish("round_scored", b.Version, r)
}

func (s *Session) score(ctx context.Context, sub Submission) (Assessment, error) {
	if s.cfg.Scorer == nil {
		return Assessment{}, fmt.Errorf("no scorer configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScoreTimeout)
	defer cancel()

	a, err := s.cfg.Scorer.Score(ctx, sub)
	if err != nil {
		return Assessment{}, fmt.Errorf("score: %w", err)
	}
	if err := a.Scores.Validate(); err != nil {
		return Assessment{}, fmt.Errorf("scorer returned invalid scores: %w", err)
	}

	return a, nil
}

func (s *Session) finalize(ctx context.Context) {
	logger := logging.FromContext(ctx).Named("battle.finalize")
	b := s.Snapshot()

	var votes VoteCounts
	if b.VotingStyle == VotingOverall && s.cfg.Votes != nil {
		v, err := s.cfg.Votes.Overall(ctx, b.ID)
		if err != nil {
			logger.Errorf("battle %s: overall votes: %v", b.ID, err)
		}
		votes = v
	}

	verdict := Decide(b, s.Rounds(), votes, s.cfg.Quorum)
	if err := s.apply(ctx, Command{Type: CmdFinalize, Verdict: verdict}); err != nil {
		logger.Errorf("battle %s: finalize: %v", b.ID, err)
	}
}

func (s *Session) connection(userID string, delta int) {
	s.conns[userID] += delta
	if s.conns[userID] <= 0 {
		delete(s.conns, userID)
	}

	b := s.Snapshot()
	if !b.IsParticipant(userID) || b.Status.Terminal() {
		return
	}

	if s.conns[userID] > 0 {
		if t, ok := s.grace[userID]; ok {
			t.Stop()
			delete(s.grace, userID)
		}
		return
	}

	s.startGrace(userID)
}

func (s *Session) startGrace(userID string) {
	if _, ok := s.grace[userID]; ok {
		return
	}
	s.grace[userID] = time.AfterFunc(s.cfg.Grace, func() {
		s.post(graceMsg{playerID: userID})
	})
}

func (s *Session) graceExpired(ctx context.Context, playerID string) {
	delete(s.grace, playerID)
	if s.conns[playerID] > 0 {
		return
	}

	if err := s.apply(ctx, Command{Type: CmdCancel, PlayerID: playerID, Cancel: CancelDisconnect}); err != nil {
		logging.FromContext(ctx).Named("battle.grace").Errorf("battle %s: cancel after disconnect of %s: %v", s.id, playerID, err)
	}
}

// arm schedules the single timer that drives the current stage.
func (s *Session) arm(b Battle) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if b.Status != StatusBattling {
		return
	}

	var (
		cmd   = Command{Seq: b.TurnSeq}
		delay time.Duration
	)
	switch b.Stage {
	case StageCountdown:
		cmd.Type = CmdTick
		delay = s.cfg.Tick
	case StagePending:
		cmd.Type, cmd.Reason = CmdEndTurn, EndStartTimeout
		delay = time.Until(b.TurnDeadline)
	case StagePerforming:
		cmd.Type, cmd.Reason = CmdEndTurn, EndExpired
		delay = time.Until(b.TurnDeadline)
	default:
		return
	}

	s.timer = time.AfterFunc(delay, func() {
		s.post(commandMsg{cmd: cmd})
	})
}

func (s *Session) stopTimers() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for id, t := range s.grace {
		t.Stop()
		delete(s.grace, id)
	}
}

func (s *Session) publish(typ string, version uint64, data any) {
	if s.cfg.Publisher == nil {
		return
	}
	s.cfg.Publisher.Publish(pubsub.BattleTopic(s.id), pubsub.Message{Type: typ, Version: version, Data: data})
}

func (s *Session) publishSnapshot(b Battle) {
	now := time.Now()
	s.publish("snapshot", b.Version, View{
		Battle:         b,
		ActivePlayerID: b.ActivePlayerID(),
		RemainingMs:    b.Remaining(now).Milliseconds(),
		ServerTime:     now,
	})
}

func completionOf(b Battle) reward.Completion {
	c := reward.Completion{
		BattleID:    b.ID,
		Draw:        b.Draw,
		Player1ID:   b.Player1ID,
		Player2ID:   b.Player2ID,
		CompletedAt: b.CompletedAt,
	}
	if b.WinnerID != "" {
		winner := b.WinnerID
		c.WinnerID = &winner
	}
	if b.Player1Score != nil {
		c.Player1Score = *b.Player1Score
	}
	if b.Player2Score != nil {
		c.Player2Score = *b.Player2Score
	}
	return c
}
