package profile

import (
	"context"
	"sync"

	"github.com/bloops-games/rapbattle/internal/reward"
)

// Memory is an in-process Store for development and tests.
type Memory struct {
	mtx      sync.RWMutex
	profiles map[string]Profile
	applied  map[string]bool
}

func NewMemory() *Memory {
	return &Memory{profiles: map[string]Profile{}, applied: map[string]bool{}}
}

func (m *Memory) Put(p Profile) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.profiles[p.UserID] = p
}

func (m *Memory) Get(_ context.Context, userID string) (Profile, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	if p, ok := m.profiles[userID]; ok {
		return p, nil
	}
	return newProfile(userID), nil
}

func (m *Memory) ApplyResult(_ context.Context, c reward.Completion) (bool, error) {
	if err := validCompletion(c); err != nil {
		return false, err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.applied[c.BattleID] {
		return false, nil
	}

	p1, ok := m.profiles[c.Player1ID]
	if !ok {
		p1 = newProfile(c.Player1ID)
	}
	p2, ok := m.profiles[c.Player2ID]
	if !ok {
		p2 = newProfile(c.Player2ID)
	}

	p1, p2 = apply(p1, p2, c)
	m.profiles[p1.UserID] = p1
	m.profiles[p2.UserID] = p2
	m.applied[c.BattleID] = true

	return true, nil
}
