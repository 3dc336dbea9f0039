package profile

import (
	"context"
	"fmt"

	"github.com/bloops-games/rapbattle/internal/cache"
	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/bloops-games/rapbattle/internal/reward"
)

const consumerName = "profile"

// Directory serves profile summaries through an LRU cache and applies
// battle completions to ratings. It is a reward consumer.
type Directory struct {
	store Store
	cache cache.Cache[string, Profile]
}

func NewDirectory(store Store, cacheSize int) (*Directory, error) {
	c, err := cache.NewLRU[string, Profile](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("profile cache: %w", err)
	}
	return &Directory{store: store, cache: c}, nil
}

func (d *Directory) Profile(ctx context.Context, userID string) (Profile, error) {
	if p, ok := d.cache.Get(userID); ok {
		return p, nil
	}

	p, err := d.store.Get(ctx, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	d.cache.Add(userID, p)

	return p, nil
}

func (d *Directory) Summary(ctx context.Context, userID string) (Summary, error) {
	p, err := d.Profile(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	return p.Summary(), nil
}

func (d *Directory) Name() string { return consumerName }

// Consume applies a completion once per battle id and drops the cached profiles of both players.
func (d *Directory) Consume(ctx context.Context, c reward.Completion) error {
	applied, err := d.store.ApplyResult(ctx, c)
	if err != nil {
		return fmt.Errorf("apply result %s: %w", c.BattleID, err)
	}

	d.cache.Delete(c.Player1ID)
	d.cache.Delete(c.Player2ID)

	if applied {
		logging.FromContext(ctx).Named("profile.Consume").Infof("battle %s applied to ratings of %s and %s", c.BattleID, c.Player1ID, c.Player2ID)
	}
	return nil
}
