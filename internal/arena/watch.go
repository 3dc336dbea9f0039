package arena

import (
	"sync"

	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/pubsub"
)

// Feed is a live subscription plus the bookkeeping that must be undone when it ends.
type Feed struct {
	*pubsub.Subscription
	release func()
}

// Close ends the subscription. It is safe to call more than once.
func (f *Feed) Close() { f.release() }

// WatchBattle subscribes userID to the battle topic. A participant's
// connection cancels their grace timer, anyone else is counted as a spectator.
// The returned view is taken after subscribing so no later event is missed.
func (a *Arena) WatchBattle(battleID, userID string, buffer int) (*Feed, battle.View, error) {
	s, err := a.Session(battleID)
	if err != nil {
		return nil, battle.View{}, err
	}

	sub := a.broker.Subscribe(pubsub.BattleTopic(battleID), buffer)
	view := s.View()
	participant := view.IsParticipant(userID)

	if userID != "" {
		a.presence.Connect(userID)
		if participant {
			s.Attach(userID)
		} else {
			a.presence.Watch(battleID, userID)
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			sub.Close()
			if userID == "" {
				return
			}
			if participant {
				s.Detach(userID)
			} else {
				a.presence.Unwatch(battleID, userID)
			}
			a.presence.Disconnect(userID)
		})
	}

	return &Feed{Subscription: sub, release: release}, view, nil
}

// WatchUser subscribes to the per-user notification topic.
func (a *Arena) WatchUser(userID string, buffer int) *Feed {
	sub := a.broker.Subscribe(pubsub.UserTopic(userID), buffer)
	a.presence.Connect(userID)

	var once sync.Once
	return &Feed{Subscription: sub, release: func() {
		once.Do(func() {
			sub.Close()
			a.presence.Disconnect(userID)
		})
	}}
}
