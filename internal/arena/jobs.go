package arena

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/bloops-games/rapbattle/internal/pubsub"
	"github.com/go-co-op/gocron/v2"
)

// Start restores unfinished battles and schedules the periodic jobs. It does not block.
func (a *Arena) Start(ctx context.Context) error {
	a.mtx.Lock()
	if a.ctx != nil {
		a.mtx.Unlock()
		return errors.New("arena already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	a.ctx, a.cancel = ctx, cancel
	a.mtx.Unlock()

	if err := a.restore(ctx); err != nil {
		return fmt.Errorf("restore battles: %w", err)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("new scheduler: %w", err)
	}

	jobs := []struct {
		every time.Duration
		task  func()
	}{
		{a.cfg.MatchInterval, func() { a.matchAll(ctx) }},
		{a.cfg.SweepInterval, func() { a.sweep(ctx) }},
		{a.cfg.FlushInterval, func() { a.flush(ctx) }},
		{a.cfg.CleanInterval, func() { a.cleaning(ctx) }},
	}
	for _, j := range jobs {
		if j.every <= 0 {
			continue
		}
		_, err := sched.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(j.task),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("new job: %w", err)
		}
	}
	sched.Start()

	a.mtx.Lock()
	a.sched = sched
	a.mtx.Unlock()

	return nil
}

// Run starts the arena and blocks until ctx is done.
func (a *Arena) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.Shutdown()

	return nil
}

// Shutdown stops the jobs and every session loop. Persisted snapshots are left
// as they are so the next start restores them.
func (a *Arena) Shutdown() {
	a.mtx.Lock()
	sched, cancel := a.sched, a.cancel
	a.sched = nil
	sessions := make([]*battle.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mtx.Unlock()

	if sched != nil {
		if err := sched.Shutdown(); err != nil {
			logging.FromContext(a.context()).Named("arena.Shutdown").Errorf("scheduler shutdown: %v", err)
		}
	}

	for _, s := range sessions {
		s.Stop()
	}
	for _, s := range sessions {
		<-s.Done()
	}
	cancel()
}

func (a *Arena) restore(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("arena.restore")

	active, err := a.battles.FetchActive()
	if err != nil {
		return fmt.Errorf("fetch active: %w", err)
	}

	for _, b := range active {
		rounds, err := a.battles.Rounds(b.ID)
		if err != nil {
			logger.Errorf("battle %s: rounds: %v", b.ID, err)
			continue
		}

		s := battle.RestoreSession(a.sessionConfig(), b, rounds)

		a.mtx.Lock()
		a.sessions[b.ID] = s
		a.mtx.Unlock()
		a.codes.Add(b.RoomCode, b.ID)

		for _, p := range []string{b.Player1ID, b.Player2ID} {
			if p != "" {
				a.presence.EnterBattle(p, b.ID)
			}
		}
		s.Run(ctx)
	}

	if len(active) > 0 {
		logger.Infof("restored %d battles", len(active))
	}

	return nil
}

func (a *Arena) matchAll(ctx context.Context) {
	n, err := a.queue.MatchAll(ctx)
	if err != nil {
		logging.FromContext(ctx).Named("arena.matchAll").Errorf("match all: %v", err)
		return
	}
	if n > 0 {
		logging.FromContext(ctx).Named("arena.matchAll").Infof("made %d matches", n)
	}
}

func (a *Arena) sweep(ctx context.Context) {
	if changed := a.presence.Sweep(); len(changed) > 0 {
		logging.FromContext(ctx).Named("arena.sweep").Debugf("presence changed for %d users", len(changed))
	}
}

func (a *Arena) flush(ctx context.Context) {
	n, err := a.outbox.Flush(ctx)
	if err != nil {
		logging.FromContext(ctx).Named("arena.flush").Errorf("flush outbox: %v", err)
		return
	}
	if n > 0 {
		logging.FromContext(ctx).Named("arena.flush").Infof("delivered %d pending completions", n)
	}
}

// cleaning drops finished sessions after the retention period, cancels rooms
// nobody joined and expires stale queue entries.
func (a *Arena) cleaning(ctx context.Context) {
	logger := logging.FromContext(ctx).Named("arena.cleaning")
	now := time.Now()

	var stale, abandoned []*battle.Session
	a.mtx.RLock()
	for _, s := range a.sessions {
		b := s.Snapshot()
		switch {
		case b.Status.Terminal() && now.Sub(b.UpdatedAt) > a.cfg.Retention:
			stale = append(stale, s)
		case b.Status == battle.StatusWaiting && now.Sub(b.CreatedAt) > a.cfg.WaitingTimeout:
			abandoned = append(abandoned, s)
		}
	}
	a.mtx.RUnlock()

	for _, s := range abandoned {
		b := s.Snapshot()
		if err := s.Forfeit(ctx, b.Player1ID); err != nil {
			logger.Errorf("battle %s: cancel abandoned room: %v", b.ID, err)
		}
	}

	for _, s := range stale {
		s.Stop()
		a.mtx.Lock()
		delete(a.sessions, s.ID())
		a.mtx.Unlock()
		a.broker.CloseTopic(pubsub.BattleTopic(s.ID()))
	}

	if expired := a.queue.Expire(a.cfg.QueueTTL); len(expired) > 0 {
		logger.Infof("expired %d queue entries", len(expired))
	}
	if len(stale) > 0 {
		logger.Debugf("dropped %d finished sessions", len(stale))
	}
}
