// Package arena routes battles: it owns the session registry, turns room codes
// and matchmaking results into sessions, and runs the periodic jobs around them.
package arena

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/cache"
	battleDb "github.com/bloops-games/rapbattle/internal/database/battle/database"
	voteDb "github.com/bloops-games/rapbattle/internal/database/vote/database"
	"github.com/bloops-games/rapbattle/internal/errs"
	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/bloops-games/rapbattle/internal/matchqueue"
	"github.com/bloops-games/rapbattle/internal/presence"
	"github.com/bloops-games/rapbattle/internal/profile"
	"github.com/bloops-games/rapbattle/internal/pubsub"
	"github.com/bloops-games/rapbattle/internal/reward"
	"github.com/bloops-games/rapbattle/internal/roomcode"
	"github.com/bloops-games/rapbattle/internal/vote"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

var ErrNotRunning = fmt.Errorf("arena is not running: %w", errs.ErrTransientNetwork)

type Deps struct {
	Battles  *battleDb.DB
	Votes    *voteDb.DB
	Broker   *pubsub.Broker
	Outbox   *reward.Outbox
	Scorer   battle.Scorer
	Presence *presence.Tracker
	Profiles *profile.Directory
}

type Arena struct {
	mtx sync.RWMutex

	ctx    context.Context
	cancel func()
	sched  gocron.Scheduler

	cfg      Config
	battles  *battleDb.DB
	broker   *pubsub.Broker
	outbox   *reward.Outbox
	scorer   battle.Scorer
	presence *presence.Tracker
	profiles *profile.Directory
	tally    *vote.Tally
	queue    *matchqueue.Queue

	// key: battle id
	sessions map[string]*battle.Session
	// key: room code, value: battle id
	codes cache.Cache[string, string]
}

func New(cfg Config, deps Deps) (*Arena, error) {
	if deps.Battles == nil || deps.Votes == nil || deps.Broker == nil || deps.Outbox == nil {
		return nil, errors.New("arena needs battle store, vote store, broker and outbox")
	}

	codes, err := cache.NewLRU[string, string](cfg.CodeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("room code cache: %w", err)
	}

	a := &Arena{
		cfg:      cfg,
		battles:  deps.Battles,
		broker:   deps.Broker,
		outbox:   deps.Outbox,
		scorer:   deps.Scorer,
		presence: deps.Presence,
		profiles: deps.Profiles,
		sessions: map[string]*battle.Session{},
		codes:    codes,
		cancel:   func() {},
	}
	if a.presence == nil {
		a.presence = presence.NewTracker(0, 0)
	}
	a.tally = vote.NewTally(deps.Votes, a, deps.Broker)
	a.queue = matchqueue.New(a, a, cfg.RatingBand)

	return a, nil
}

func (a *Arena) Tally() *vote.Tally           { return a.tally }
func (a *Arena) Queue() *matchqueue.Queue     { return a.queue }
func (a *Arena) Presence() *presence.Tracker  { return a.presence }
func (a *Arena) Broker() *pubsub.Broker       { return a.broker }
func (a *Arena) Profiles() *profile.Directory { return a.profiles }

func (a *Arena) sessionConfig() battle.Config {
	return battle.Config{
		Store:        a.battles,
		Scorer:       a.scorer,
		Votes:        a.tally,
		Publisher:    a.broker,
		Rewards:      a.outbox,
		DoneFn:       a.battleDone,
		Tick:         a.cfg.CountdownTick,
		Grace:        a.cfg.Grace,
		ScoreTimeout: a.cfg.ScoreTimeout,
		Quorum:       a.cfg.VoteQuorum,
	}
}

// Create opens a waiting battle owned by playerID under a fresh room code.
func (a *Arena) Create(ctx context.Context, playerID string, totalRounds int, style battle.VotingStyle, showVotes bool) (battle.View, error) {
	s, err := a.create(playerID, totalRounds, style, showVotes)
	if err != nil {
		return battle.View{}, err
	}

	v := s.View()
	logging.FromContext(ctx).Named("arena.Create").Infof("battle %s created by %s, room code %s", v.ID, playerID, v.RoomCode)

	return v, nil
}

func (a *Arena) create(playerID string, totalRounds int, style battle.VotingStyle, showVotes bool) (*battle.Session, error) {
	if playerID == "" {
		return nil, errs.Validation("player id required")
	}
	if id, ok := a.presence.BattleOf(playerID); ok {
		return nil, fmt.Errorf("player %s is in battle %s: %w", playerID, id, errs.ErrConflict)
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.ctx == nil {
		return nil, ErrNotRunning
	}

	code, err := roomcode.Unique(a.codeTaken)
	if err != nil {
		return nil, fmt.Errorf("room code: %w", err)
	}

	b, err := battle.New(uuid.NewString(), code, playerID, totalRounds, style, showVotes, a.cfg.rules(), time.Now())
	if err != nil {
		return nil, err
	}

	// claims the code in the store before the session loop starts
	if err := a.battles.Save(b); err != nil {
		return nil, fmt.Errorf("save battle: %w", err)
	}

	s := battle.NewSession(a.sessionConfig(), b)
	a.sessions[b.ID] = s
	a.codes.Add(code, b.ID)
	s.Run(a.ctx)

	a.presence.EnterBattle(playerID, b.ID)

	return s, nil
}

// codeTaken is called with a.mtx held.
func (a *Arena) codeTaken(code string) bool {
	if _, ok := a.codes.Get(code); ok {
		return true
	}
	return a.battles.CodeExists(code)
}

// JoinByCode seats playerID as player two. A malformed code is rejected before any lookup.
func (a *Arena) JoinByCode(ctx context.Context, rawCode, playerID string) (battle.View, error) {
	code, err := roomcode.Parse(rawCode)
	if err != nil {
		return battle.View{}, err
	}
	if playerID == "" {
		return battle.View{}, errs.Validation("player id required")
	}

	s, err := a.sessionByCode(code)
	if err != nil {
		return battle.View{}, err
	}
	if id, ok := a.presence.BattleOf(playerID); ok && id != s.ID() {
		return battle.View{}, fmt.Errorf("player %s is in battle %s: %w", playerID, id, errs.ErrConflict)
	}

	if err := s.Join(ctx, playerID); err != nil {
		return battle.View{}, fmt.Errorf("join battle %s: %w", s.ID(), err)
	}
	a.presence.EnterBattle(playerID, s.ID())

	logging.FromContext(ctx).Named("arena.JoinByCode").Infof("player %s joined battle %s (%s)", playerID, s.ID(), code)

	return s.View(), nil
}

func (a *Arena) sessionByCode(code string) (*battle.Session, error) {
	id, ok := a.codes.Get(code)
	if !ok {
		var err error
		id, err = a.battles.LookupCode(code)
		if errors.Is(err, battleDb.ErrEntryNotFound) {
			return nil, fmt.Errorf("room %s: %w", code, errs.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("lookup room %s: %w", code, err)
		}
		a.codes.Add(code, id)
	}

	s, err := a.Session(id)
	if errors.Is(err, errs.ErrNotFound) {
		a.codes.Delete(code)
		return nil, fmt.Errorf("room %s: %w", code, errs.ErrNotFound)
	}

	return s, err
}

// Session returns the live session of battleID.
func (a *Arena) Session(battleID string) (*battle.Session, error) {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	s, ok := a.sessions[battleID]
	if !ok {
		return nil, fmt.Errorf("battle %s: %w", battleID, errs.ErrNotFound)
	}
	return s, nil
}

// Lookup returns the latest snapshot, falling back to the store for battles
// that already left the registry.
func (a *Arena) Lookup(_ context.Context, battleID string) (battle.Battle, error) {
	if s, err := a.Session(battleID); err == nil {
		return s.Snapshot(), nil
	}

	b, err := a.battles.Fetch(battleID)
	if errors.Is(err, battleDb.ErrEntryNotFound) {
		return battle.Battle{}, fmt.Errorf("battle %s: %w", battleID, errs.ErrNotFound)
	}
	if err != nil {
		return battle.Battle{}, fmt.Errorf("fetch battle %s: %w", battleID, err)
	}
	return b, nil
}

func (a *Arena) View(ctx context.Context, battleID string) (battle.View, error) {
	if s, err := a.Session(battleID); err == nil {
		return s.View(), nil
	}

	b, err := a.Lookup(ctx, battleID)
	if err != nil {
		return battle.View{}, err
	}
	return battle.View{Battle: b, ActivePlayerID: b.ActivePlayerID(), ServerTime: time.Now()}, nil
}

func (a *Arena) Rounds(_ context.Context, battleID string) ([]battle.Round, error) {
	if s, err := a.Session(battleID); err == nil {
		return s.Rounds(), nil
	}

	if _, err := a.battles.Fetch(battleID); errors.Is(err, battleDb.ErrEntryNotFound) {
		return nil, fmt.Errorf("battle %s: %w", battleID, errs.ErrNotFound)
	}
	rounds, err := a.battles.Rounds(battleID)
	if err != nil {
		return nil, fmt.Errorf("rounds of %s: %w", battleID, err)
	}
	return rounds, nil
}

// battleDone runs on the session loop when a battle becomes terminal. It must
// not call back into the session.
func (a *Arena) battleDone(b battle.Battle) {
	ctx := a.context()
	logger := logging.FromContext(ctx).Named("arena.battleDone")

	a.queue.Release(b.ID)
	a.codes.Delete(b.RoomCode)
	for _, p := range []string{b.Player1ID, b.Player2ID} {
		if p != "" {
			a.presence.LeaveBattle(p, b.ID)
		}
	}

	if b.Status == battle.StatusCancelled {
		if err := a.tally.DeleteBattle(ctx, b.ID); err != nil {
			logger.Errorf("battle %s: delete votes: %v", b.ID, err)
		}
	}

	a.notifyResult(b)
}

func (a *Arena) context() context.Context {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}
