package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/conn"
	"github.com/bloops-games/rapbattle/internal/database"
	"github.com/bloops-games/rapbattle/internal/database/vote/model"
	"github.com/bloops-games/rapbattle/internal/errs"
	"github.com/bloops-games/rapbattle/internal/httpapi"
	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/bloops-games/rapbattle/internal/offline"
	"github.com/bloops-games/rapbattle/internal/vote"
)

type SpectatorConfig struct {
	Client     *Client
	BattleID   string
	UserID     string
	DB         *database.DB
	MaxRetries int
	Conn       conn.Config
	// Dialer overrides the websocket dialer built from Client.
	Dialer conn.Dialer
}

type voteAction struct {
	BattleID         string `json:"battleId"`
	VoterID          string `json:"voterId"`
	VotedForPlayerID string `json:"votedForPlayerId"`
	RoundNumber      *int   `json:"roundNumber,omitempty"`
	Previous         string `json:"previous,omitempty"`
}

type wireMessage struct {
	Type    string          `json:"type"`
	Version uint64          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Spectator follows one battle. Votes are applied to the local view at once,
// stored in the offline queue and replayed when the connection is up; a vote
// the server rejects for good is reverted.
type Spectator struct {
	cfg   SpectatorConfig
	queue *offline.Queue
	conn  *conn.Manager

	mtx      sync.RWMutex
	ctx      context.Context
	view     battle.View
	myVotes  map[string]string
	counts   map[string]battle.VoteCounts
	onRevert func(round *int, err error)
	onView   func(battle.View)
}

func NewSpectator(cfg SpectatorConfig) (*Spectator, error) {
	if cfg.Client == nil || cfg.DB == nil {
		return nil, errors.New("spectator needs a client and a local db")
	}
	if cfg.BattleID == "" || cfg.UserID == "" {
		return nil, errs.Validation("battle id and user id required")
	}

	s := &Spectator{
		cfg:     cfg,
		ctx:     context.Background(),
		myVotes: map[string]string{},
		counts:  map[string]battle.VoteCounts{},
	}

	q, err := offline.New(cfg.DB, offline.StorageVotes, offline.SenderFunc(s.send), cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("offline queue: %w", err)
	}
	q.OnDropped(s.dropped)
	q.RetryBackoff(cfg.Conn.Backoff)
	s.queue = q

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = conn.WSDialer{URL: cfg.Client.BattleSocketURL(cfg.BattleID, cfg.UserID)}
	}
	s.conn = conn.NewManager(cfg.Conn, dialer)
	s.conn.OnMessage(s.handle)
	s.conn.OnResync(s.resync)
	s.conn.OnState(s.state)

	return s, nil
}

func (s *Spectator) OnRevert(fn func(round *int, err error)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.onRevert = fn
}

func (s *Spectator) OnView(fn func(battle.View)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.onView = fn
}

// Start loads the view and connects. A failed first fetch is not fatal; the
// connection resync fetches again.
func (s *Spectator) Start(ctx context.Context) {
	s.mtx.Lock()
	s.ctx = ctx
	s.mtx.Unlock()

	if v, err := s.cfg.Client.Battle(ctx, s.cfg.BattleID); err == nil {
		s.setView(v)
	}
	s.conn.Start(ctx)
}

// Close disconnects and cancels a scheduled vote retry. Queued votes stay on disk.
func (s *Spectator) Close() {
	s.conn.Close()

	s.mtx.RLock()
	ctx := s.ctx
	s.mtx.RUnlock()
	s.queue.SetOnline(ctx, false)
}

func (s *Spectator) Conn() *conn.Manager { return s.conn }

func (s *Spectator) View() battle.View {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.view
}

// MyVote is the locally known vote of this spectator, optimistic included.
func (s *Spectator) MyVote(round *int) (string, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	v, ok := s.myVotes[model.RoundKey(round)]
	return v, ok
}

// Counts returns the last server tally. It stays hidden until the battle is
// complete unless the battle shows votes live.
func (s *Spectator) Counts(round *int) (battle.VoteCounts, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if !s.view.ShowVotesDuringBattle && s.view.Status != battle.StatusComplete {
		return battle.VoteCounts{}, false
	}
	c, ok := s.counts[model.RoundKey(round)]
	return c, ok
}

func (s *Spectator) Pending() int { return s.queue.Len() }

// Vote records a vote locally and queues it for the server. It only fails for
// input that can never be accepted.
func (s *Spectator) Vote(ctx context.Context, votedForPlayerID string, round *int) error {
	s.mtx.Lock()
	v := s.view
	if v.ID != "" {
		if v.IsParticipant(s.cfg.UserID) {
			s.mtx.Unlock()
			return errs.Validation("participants cannot vote")
		}
		if !v.IsParticipant(votedForPlayerID) {
			s.mtx.Unlock()
			return errs.Validation("player %q is not in this battle", votedForPlayerID)
		}
	}

	key := model.RoundKey(round)
	a := voteAction{
		BattleID:         s.cfg.BattleID,
		VoterID:          s.cfg.UserID,
		VotedForPlayerID: votedForPlayerID,
		RoundNumber:      round,
		Previous:         s.myVotes[key],
	}
	s.myVotes[key] = votedForPlayerID
	s.mtx.Unlock()

	if _, err := s.queue.Enqueue(offline.ActionVote, a); err != nil {
		s.revert(a, err)
		return fmt.Errorf("queue vote: %w", err)
	}

	if s.queue.Online() {
		if _, err := s.queue.Sync(ctx); err != nil && !errors.Is(err, offline.ErrSyncInProgress) {
			logging.FromContext(ctx).Named("client.Vote").Errorf("sync votes: %v", err)
		}
	}

	return nil
}

func (s *Spectator) send(ctx context.Context, a offline.Action) error {
	if a.Type != offline.ActionVote {
		return errs.Validation("unsupported action %s", a.Type)
	}

	var va voteAction
	if err := json.Unmarshal(a.Payload, &va); err != nil {
		return errs.Validation("corrupt vote payload: %v", err)
	}

	_, err := s.cfg.Client.CastVote(ctx, va.BattleID, httpapi.VoteRequest{
		VoterID:          va.VoterID,
		VotedForPlayerID: va.VotedForPlayerID,
		RoundNumber:      va.RoundNumber,
	})
	return err
}

func (s *Spectator) dropped(a offline.Action, cause error) {
	var va voteAction
	if err := json.Unmarshal(a.Payload, &va); err != nil {
		return
	}
	s.revert(va, cause)
}

// revert undoes an optimistic vote unless a later vote replaced it.
func (s *Spectator) revert(va voteAction, cause error) {
	key := model.RoundKey(va.RoundNumber)

	s.mtx.Lock()
	if s.myVotes[key] == va.VotedForPlayerID {
		if va.Previous == "" {
			delete(s.myVotes, key)
		} else {
			s.myVotes[key] = va.Previous
		}
	}
	fn := s.onRevert
	s.mtx.Unlock()

	if fn != nil {
		fn(va.RoundNumber, cause)
	}
}

func (s *Spectator) handle(raw []byte) {
	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}

	switch m.Type {
	case "snapshot":
		var v battle.View
		if err := json.Unmarshal(m.Data, &v); err == nil {
			s.setView(v)
		}
	case "votes":
		var u vote.Update
		if err := json.Unmarshal(m.Data, &u); err == nil {
			s.mtx.Lock()
			s.counts[model.RoundKey(u.RoundNumber)] = u.Counts
			s.mtx.Unlock()
		}
	}
}

// setView keeps the newest snapshot. Versions only grow for one battle.
func (s *Spectator) setView(v battle.View) {
	s.mtx.Lock()
	if v.Version < s.view.Version {
		s.mtx.Unlock()
		return
	}
	s.view = v
	fn := s.onView
	s.mtx.Unlock()

	if fn != nil {
		fn(v)
	}
}

func (s *Spectator) resync(ctx context.Context) {
	v, err := s.cfg.Client.Battle(ctx, s.cfg.BattleID)
	if err != nil {
		logging.FromContext(ctx).Named("client.resync").Errorf("battle %s: %v", s.cfg.BattleID, err)
		return
	}
	s.setView(v)
}

func (s *Spectator) state(st conn.State) {
	s.mtx.RLock()
	ctx := s.ctx
	s.mtx.RUnlock()

	s.queue.SetOnline(ctx, st == conn.StateConnected)
}
