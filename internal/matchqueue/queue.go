package matchqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bloops-games/rapbattle/internal/errs"
	"github.com/bloops-games/rapbattle/internal/logging"
)

const DefaultBand = 200

type Status string

const (
	StatusSearching Status = "searching"
	StatusMatched   Status = "matched"
)

type Entry struct {
	PlayerID    string    `json:"playerId"`
	Rating      int       `json:"rating"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	Status      Status    `json:"status"`
	MatchedWith string    `json:"matchedWith,omitempty"`
	BattleID    string    `json:"battleId,omitempty"`
}

// Match pairs the longer-waiting entry (Player1) with the one that found it.
type Match struct {
	BattleID string `json:"battleId"`
	Player1  Entry  `json:"player1"`
	Player2  Entry  `json:"player2"`
}

// BattleFactory creates the battle for two reserved players. It is called without the queue lock held.
type BattleFactory interface {
	CreateMatched(ctx context.Context, player1ID, player2ID string) (string, error)
}

type Notifier interface {
	MatchFound(ctx context.Context, m Match)
}

type Queue struct {
	mtx sync.Mutex

	entries  map[string]*Entry
	band     int
	factory  BattleFactory
	notifier Notifier
	now      func() time.Time
}

func New(factory BattleFactory, notifier Notifier, band int) *Queue {
	if band <= 0 {
		band = DefaultBand
	}
	return &Queue{
		entries:  map[string]*Entry{},
		band:     band,
		factory:  factory,
		notifier: notifier,
		now:      time.Now,
	}
}

func (q *Queue) Enqueue(_ context.Context, playerID string, rating int) (Entry, error) {
	if playerID == "" {
		return Entry{}, errs.Validation("player id required")
	}
	if rating < 0 {
		return Entry{}, errs.Validation("rating %d must not be negative", rating)
	}

	q.mtx.Lock()
	defer q.mtx.Unlock()

	if _, ok := q.entries[playerID]; ok {
		return Entry{}, errs.ErrAlreadyQueued
	}

	e := &Entry{PlayerID: playerID, Rating: rating, EnqueuedAt: q.now(), Status: StatusSearching}
	q.entries[playerID] = e

	return *e, nil
}

// Dequeue removes the entry of playerID. Removing an absent player is a no-op.
func (q *Queue) Dequeue(playerID string) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	delete(q.entries, playerID)
}

func (q *Queue) Entry(playerID string) (Entry, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	e, ok := q.entries[playerID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.entries)
}

// TryMatch pairs playerID with the oldest searching entry inside the rating
// band. It returns nil when there is no compatible opponent yet.
func (q *Queue) TryMatch(ctx context.Context, playerID string) (*Match, error) {
	q.mtx.Lock()
	me, ok := q.entries[playerID]
	if !ok {
		q.mtx.Unlock()
		return nil, fmt.Errorf("player %s is not queued: %w", playerID, errs.ErrNotFound)
	}
	if me.Status != StatusSearching {
		q.mtx.Unlock()
		return nil, fmt.Errorf("player %s already matched: %w", playerID, errs.ErrConflict)
	}

	opponent := q.oldestCompatible(me)
	if opponent == nil {
		q.mtx.Unlock()
		return nil, nil
	}

	// reserve both before creating the battle so no other match can take them
	me.Status, opponent.Status = StatusMatched, StatusMatched
	me.MatchedWith, opponent.MatchedWith = opponent.PlayerID, me.PlayerID
	m := Match{Player1: *opponent, Player2: *me}
	q.mtx.Unlock()

	battleID, err := q.factory.CreateMatched(ctx, m.Player1.PlayerID, m.Player2.PlayerID)
	if err != nil {
		q.revert(m.Player1.PlayerID, m.Player2.PlayerID)
		return nil, fmt.Errorf("create matched battle: %w", err)
	}

	q.mtx.Lock()
	for _, id := range []string{m.Player1.PlayerID, m.Player2.PlayerID} {
		if e, ok := q.entries[id]; ok {
			e.BattleID = battleID
		}
	}
	q.mtx.Unlock()

	m.BattleID = battleID
	m.Player1.BattleID, m.Player2.BattleID = battleID, battleID

	logging.FromContext(ctx).Named("matchqueue.TryMatch").Infof(
		"matched %s (%d) with %s (%d) into battle %s",
		m.Player1.PlayerID, m.Player1.Rating, m.Player2.PlayerID, m.Player2.Rating, battleID,
	)

	if q.notifier != nil {
		q.notifier.MatchFound(ctx, m)
	}

	return &m, nil
}

// MatchAll pairs searching entries oldest first and returns the number of matches made.
func (q *Queue) MatchAll(ctx context.Context) (int, error) {
	q.mtx.Lock()
	var ids []string
	for _, e := range q.searching() {
		ids = append(ids, e.PlayerID)
	}
	q.mtx.Unlock()

	matched := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return matched, ctx.Err()
		}
		if e, ok := q.Entry(id); !ok || e.Status != StatusSearching {
			continue
		}
		m, err := q.TryMatch(ctx, id)
		if err != nil {
			logging.FromContext(ctx).Named("matchqueue.MatchAll").Errorf("try match %s: %v", id, err)
			continue
		}
		if m != nil {
			matched++
		}
	}

	return matched, nil
}

// Expire drops searching entries that waited longer than ttl and returns their player ids.
func (q *Queue) Expire(ttl time.Duration) []string {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	var expired []string
	now := q.now()
	for id, e := range q.entries {
		if e.Status == StatusSearching && now.Sub(e.EnqueuedAt) > ttl {
			expired = append(expired, id)
			delete(q.entries, id)
		}
	}
	sort.Strings(expired)

	return expired
}

// Release removes the matched entries of a battle that reached a terminal state.
func (q *Queue) Release(battleID string) {
	if battleID == "" {
		return
	}

	q.mtx.Lock()
	defer q.mtx.Unlock()
	for id, e := range q.entries {
		if e.BattleID == battleID {
			delete(q.entries, id)
		}
	}
}

func (q *Queue) revert(ids ...string) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for _, id := range ids {
		if e, ok := q.entries[id]; ok && e.Status == StatusMatched && e.BattleID == "" {
			e.Status = StatusSearching
			e.MatchedWith = ""
		}
	}
}

func (q *Queue) oldestCompatible(me *Entry) *Entry {
	for _, e := range q.searching() {
		if e.PlayerID == me.PlayerID {
			continue
		}
		if abs(e.Rating-me.Rating) <= q.band {
			return e
		}
	}
	return nil
}

// searching returns searching entries ordered by enqueue time. Callers hold the lock.
func (q *Queue) searching() []*Entry {
	list := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if e.Status == StatusSearching {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].EnqueuedAt.Equal(list[j].EnqueuedAt) {
			return list[i].PlayerID < list[j].PlayerID
		}
		return list[i].EnqueuedAt.Before(list[j].EnqueuedAt)
	})
	return list
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
