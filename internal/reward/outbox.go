package reward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bloops-games/rapbattle/internal/database"
	"github.com/bloops-games/rapbattle/internal/logging"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

const bucket = "completions"

var ErrEmptyBattleID = errors.New("completion without battle id")

type entry struct {
	Completion Completion      `json:"completion"`
	Delivered  map[string]bool `json:"delivered"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Outbox stores completions durably before delivering them, so a crash between
// completion and delivery is repaired by the next Flush.
type Outbox struct {
	db        *database.DB
	consumers []Consumer
	mtx       sync.Mutex
}

func NewOutbox(db *database.DB, consumers ...Consumer) (*Outbox, error) {
	if err := db.EnsureBuckets(bucket); err != nil {
		return nil, fmt.Errorf("ensure outbox bucket: %w", err)
	}
	return &Outbox{db: db, consumers: consumers}, nil
}

// Publish records c and attempts delivery. The returned error only reports a
// failure to persist; delivery failures are retried by Flush.
func (o *Outbox) Publish(ctx context.Context, c Completion) error {
	if c.BattleID == "" {
		return ErrEmptyBattleID
	}

	if err := o.put(c.BattleID, func(e *entry) {
		if e.Completion.BattleID == "" {
			e.Completion = c
			e.CreatedAt = time.Now()
		}
	}); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}

	if err := o.deliver(ctx, c.BattleID); err != nil {
		logging.FromContext(ctx).Named("reward.Publish").Errorf("deliver completion %s: %v", c.BattleID, err)
	}

	return nil
}

// Flush retries every pending completion and returns how many are still pending.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	ids, err := o.pendingIDs()
	if err != nil {
		return 0, err
	}

	logger := logging.FromContext(ctx).Named("reward.Flush")
	left := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return left, ctx.Err()
		}
		if err := o.deliver(ctx, id); err != nil {
			logger.Errorf("deliver completion %s: %v", id, err)
			left++
		}
	}

	return left, nil
}

func (o *Outbox) Pending() ([]Completion, error) {
	var list []Completion
	if err := o.db.DB.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(_, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("json unmarshal: %w", err)
			}
			list = append(list, e.Completion)
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("view transaction: %w", err)
	}
	return list, nil
}

func (o *Outbox) deliver(ctx context.Context, battleID string) error {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	e, ok, err := o.get(battleID)
	if err != nil || !ok {
		return err
	}

	var (
		mtx       sync.Mutex
		delivered = map[string]bool{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range o.consumers {
		if e.Delivered[c.Name()] {
			continue
		}
		g.Go(func() error {
			if err := c.Consume(gctx, e.Completion); err != nil {
				return fmt.Errorf("consumer %s: %w", c.Name(), err)
			}
			mtx.Lock()
			delivered[c.Name()] = true
			mtx.Unlock()
			return nil
		})
	}
	deliverErr := g.Wait()

	if deliverErr == nil {
		return o.delete(battleID)
	}

	if err := o.put(battleID, func(e *entry) {
		if e.Delivered == nil {
			e.Delivered = map[string]bool{}
		}
		for name := range delivered {
			e.Delivered[name] = true
		}
		e.Attempts++
		e.LastError = deliverErr.Error()
	}); err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}

	return deliverErr
}

func (o *Outbox) pendingIDs() ([]string, error) {
	var ids []string
	if err := o.db.DB.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("view transaction: %w", err)
	}
	return ids, nil
}

func (o *Outbox) get(battleID string) (entry, bool, error) {
	var (
		e  entry
		ok bool
	)
	if err := o.db.DB.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get([]byte(battleID))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &e)
	}); err != nil {
		return entry{}, false, fmt.Errorf("view transaction: %w", err)
	}
	return e, ok, nil
}

func (o *Outbox) put(battleID string, mutate func(e *entry)) error {
	tx, err := o.db.DB.Begin(true)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	defer tx.Rollback() // nolint

	b := tx.Bucket([]byte(bucket))

	var e entry
	if v := b.Get([]byte(battleID)); v != nil {
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("json unmarshal: %w", err)
		}
	}
	mutate(&e)

	bytes, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	if err := b.Put([]byte(battleID), bytes); err != nil {
		return fmt.Errorf("put to bucket error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (o *Outbox) delete(battleID string) error {
	return o.db.DB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(battleID))
	})
}
