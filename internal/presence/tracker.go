package presence

import (
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusOnline   Status = "online"
	StatusAway     Status = "away"
	StatusInBattle Status = "in_battle"
	StatusOffline  Status = "offline"
)

const (
	DefaultAwayAfter    = 2 * time.Minute
	DefaultOfflineAfter = 10 * time.Minute
)

type user struct {
	conns    int
	lastSeen time.Time
	status   Status
	battleID string
}

// Tracker keeps user presence and per-battle spectators in memory.
type Tracker struct {
	mtx sync.RWMutex

	users        map[string]*user
	spectators   map[string]map[string]int
	awayAfter    time.Duration
	offlineAfter time.Duration
	now          func() time.Time
}

func NewTracker(awayAfter, offlineAfter time.Duration) *Tracker {
	if awayAfter <= 0 {
		awayAfter = DefaultAwayAfter
	}
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineAfter
	}
	return &Tracker{
		users:        map[string]*user{},
		spectators:   map[string]map[string]int{},
		awayAfter:    awayAfter,
		offlineAfter: offlineAfter,
		now:          time.Now,
	}
}

func (t *Tracker) get(userID string) *user {
	u, ok := t.users[userID]
	if !ok {
		u = &user{status: StatusOffline}
		t.users[userID] = u
	}
	return u
}

func (u *user) settle() {
	switch {
	case u.battleID != "":
		u.status = StatusInBattle
	case u.conns > 0:
		u.status = StatusOnline
	case u.status != StatusOffline:
		u.status = StatusAway
	}
}

// Connect registers one more live connection of userID.
func (t *Tracker) Connect(userID string) Status {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	u := t.get(userID)
	u.conns++
	u.lastSeen = t.now()
	u.settle()
	return u.status
}

func (t *Tracker) Disconnect(userID string) Status {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	u, ok := t.users[userID]
	if !ok {
		return StatusOffline
	}
	if u.conns > 0 {
		u.conns--
	}
	u.lastSeen = t.now()
	u.settle()
	return u.status
}

// Touch records activity and brings an idle connected user back online.
func (t *Tracker) Touch(userID string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	u, ok := t.users[userID]
	if !ok {
		return
	}
	u.lastSeen = t.now()
	u.settle()
}

func (t *Tracker) EnterBattle(userID, battleID string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	u := t.get(userID)
	u.battleID = battleID
	u.lastSeen = t.now()
	u.settle()
}

// LeaveBattle clears the battle of userID if it is still battleID.
func (t *Tracker) LeaveBattle(userID, battleID string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	u, ok := t.users[userID]
	if !ok || u.battleID != battleID {
		return
	}
	u.battleID = ""
	u.lastSeen = t.now()
	if u.conns == 0 {
		u.status = StatusAway
	}
	u.settle()
}

func (t *Tracker) Status(userID string) Status {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	if u, ok := t.users[userID]; ok {
		return u.status
	}
	return StatusOffline
}

func (t *Tracker) BattleOf(userID string) (string, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	u, ok := t.users[userID]
	if !ok || u.battleID == "" {
		return "", false
	}
	return u.battleID, true
}

// Eligible reports whether userID can be matched: present and not in a battle.
func (t *Tracker) Eligible(userID string) bool {
	s := t.Status(userID)
	return s == StatusOnline || s == StatusAway
}

func (t *Tracker) Watch(battleID, userID string) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	w, ok := t.spectators[battleID]
	if !ok {
		w = map[string]int{}
		t.spectators[battleID] = w
	}
	w[userID]++
	return len(w)
}

func (t *Tracker) Unwatch(battleID, userID string) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	w, ok := t.spectators[battleID]
	if !ok {
		return 0
	}
	w[userID]--
	if w[userID] <= 0 {
		delete(w, userID)
	}
	if len(w) == 0 {
		delete(t.spectators, battleID)
	}
	return len(w)
}

func (t *Tracker) SpectatorCount(battleID string) int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return len(t.spectators[battleID])
}

func (t *Tracker) Spectators(battleID string) []string {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	ids := make([]string, 0, len(t.spectators[battleID]))
	for id := range t.spectators[battleID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sweep ages idle users: online to away, then away to offline once no connection is left.
// It returns the ids whose status changed.
func (t *Tracker) Sweep() []string {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	var changed []string
	now := t.now()
	for id, u := range t.users {
		idle := now.Sub(u.lastSeen)
		switch {
		case u.status == StatusOnline && idle > t.awayAfter:
			u.status = StatusAway
			changed = append(changed, id)
		case u.status == StatusAway && u.conns == 0 && idle > t.offlineAfter:
			delete(t.users, id)
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)

	return changed
}
