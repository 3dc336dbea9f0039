package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bloops-games/rapbattle/internal/byteutil"
	"github.com/bloops-games/rapbattle/internal/conn"
	"github.com/bloops-games/rapbattle/internal/database"
	"github.com/bloops-games/rapbattle/internal/errs"
	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	StorageVotes = "offline-votes"
	StorageChat  = "offline-chat"

	DefaultMaxRetries = 5
)

var ErrSyncInProgress = errors.New("sync already in progress")

type ActionType string

const (
	ActionVote ActionType = "vote"
	ActionChat ActionType = "chat"
)

type Action struct {
	ID         string          `json:"id"`
	Seq        uint64          `json:"seq"`
	Type       ActionType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
}

// Sender replays one action against the server.
type Sender interface {
	Send(ctx context.Context, a Action) error
}

type SenderFunc func(ctx context.Context, a Action) error

func (f SenderFunc) Send(ctx context.Context, a Action) error { return f(ctx, a) }

type Result struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Queue is a durable FIFO of actions waiting for connectivity. Each storage
// key is its own bbolt bucket; keys are bucket sequences so a cursor walks
// actions in enqueue order.
type Queue struct {
	db         *database.DB
	bucket     []byte
	sender     Sender
	maxRetries int

	syncing atomic.Bool
	online  atomic.Bool

	mtx       sync.RWMutex
	onDropped func(a Action, err error)
	backoff   func(attempt int) time.Duration
	retry     *time.Timer
}

func New(db *database.DB, storageKey string, sender Sender, maxRetries int) (*Queue, error) {
	if storageKey == "" {
		return nil, errs.Validation("storage key required")
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if err := db.EnsureBuckets(storageKey); err != nil {
		return nil, fmt.Errorf("ensure queue bucket: %w", err)
	}

	return &Queue{
		db:         db,
		bucket:     []byte(storageKey),
		sender:     sender,
		maxRetries: maxRetries,
		backoff:    conn.Config{}.Backoff,
	}, nil
}

// OnDropped registers the callback invoked for every action removed without success.
func (q *Queue) OnDropped(fn func(a Action, err error)) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.onDropped = fn
}

// RetryBackoff sets the delay before the retry pass that follows a transient failure.
func (q *Queue) RetryBackoff(fn func(attempt int) time.Duration) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.backoff = fn
}

func (q *Queue) Enqueue(typ ActionType, payload any) (Action, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Action{}, fmt.Errorf("marshal payload: %w", err)
	}

	a := Action{
		ID:         uuid.NewString(),
		Type:       typ,
		Payload:    raw,
		EnqueuedAt: time.Now(),
	}

	tx, err := q.db.DB.Begin(true)
	if err != nil {
		return Action{}, fmt.Errorf("starting transaction: %w", err)
	}

	defer tx.Rollback() // nolint

	b := tx.Bucket(q.bucket)
	seq, err := b.NextSequence()
	if err != nil {
		return Action{}, fmt.Errorf("next sequence: %w", err)
	}
	a.Seq = seq

	bs, err := json.Marshal(a)
	if err != nil {
		return Action{}, fmt.Errorf("marshal: %w", err)
	}

	if err := b.Put(byteutil.EncodeUint64ToBytes(seq), bs); err != nil {
		return Action{}, fmt.Errorf("put to bucket error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Action{}, fmt.Errorf("committing transaction: %w", err)
	}

	return a, nil
}

// Dequeue removes the action with the given id. Unknown ids are ignored.
func (q *Queue) Dequeue(id string) error {
	return q.db.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(q.bucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a Action
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("json unmarshal error, %w", err)
			}
			if a.ID == id {
				return b.Delete(k)
			}
		}
		return nil
	})
}

// Pending returns queued actions in enqueue order.
func (q *Queue) Pending() ([]Action, error) {
	var list []Action
	if err := q.db.DB.View(func(tx *bolt.Tx) error {
		return tx.Bucket(q.bucket).ForEach(func(_, v []byte) error {
			var a Action
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("json unmarshal error, %w", err)
			}
			list = append(list, a)
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("view transaction error: %w", err)
	}
	return list, nil
}

func (q *Queue) Len() int {
	var n int
	_ = q.db.DB.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(q.bucket).Stats().KeyN
		return nil
	})
	return n
}

func (q *Queue) Online() bool { return q.online.Load() }

// SetOnline records connectivity. Going online with queued actions starts a
// sync pass in the background; going offline cancels a scheduled retry.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	was := q.online.Swap(online)
	if !online {
		q.stopRetry()
		return
	}
	if was || q.Len() == 0 {
		return
	}

	go q.syncLogged(ctx, "offline.SetOnline")
}

func (q *Queue) syncLogged(ctx context.Context, name string) {
	logger := logging.FromContext(ctx).Named(name)
	res, err := q.Sync(ctx)
	switch {
	case errors.Is(err, ErrSyncInProgress):
	case err != nil:
		logger.Errorf("sync %s: %v", q.bucket, err)
	default:
		logger.Infof("sync %s: %d successful, %d failed", q.bucket, res.Successful, res.Failed)
	}
}

// Sync replays queued actions in order. Successes are removed. Permanent
// failures and actions that ran out of retries are dropped and counted as
// failed. A transient failure stops the pass so later actions never overtake
// an earlier one; while online another pass is scheduled after a backoff.
func (q *Queue) Sync(ctx context.Context) (Result, error) {
	if !q.syncing.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}

	res, attempt, err := q.replay(ctx)
	q.syncing.Store(false)

	if attempt > 0 {
		q.scheduleRetry(ctx, attempt)
	}

	return res, err
}

// replay returns the retry count of the action that stopped the pass, or 0.
func (q *Queue) replay(ctx context.Context) (Result, int, error) {
	var res Result

	actions, err := q.Pending()
	if err != nil {
		return res, 0, err
	}

	for _, a := range actions {
		if ctx.Err() != nil {
			return res, 0, ctx.Err()
		}

		sendErr := q.sender.Send(ctx, a)
		switch {
		case sendErr == nil:
			if err := q.remove(a.Seq); err != nil {
				return res, 0, err
			}
			res.Successful++
		case errs.Permanent(sendErr):
			if err := q.drop(a, sendErr); err != nil {
				return res, 0, err
			}
			res.Failed++
		case a.RetryCount >= q.maxRetries:
			if err := q.drop(a, sendErr); err != nil {
				return res, 0, err
			}
			res.Failed++
		default:
			a.RetryCount++
			if err := q.update(a); err != nil {
				return res, 0, err
			}
			return res, a.RetryCount, nil
		}
	}

	return res, 0, nil
}

func (q *Queue) scheduleRetry(ctx context.Context, attempt int) {
	if !q.online.Load() || ctx.Err() != nil {
		return
	}

	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.retry != nil {
		q.retry.Stop()
	}
	q.retry = time.AfterFunc(q.backoff(attempt), func() {
		if ctx.Err() != nil || !q.online.Load() {
			return
		}
		q.syncLogged(ctx, "offline.retry")
	})
}

func (q *Queue) stopRetry() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.retry != nil {
		q.retry.Stop()
		q.retry = nil
	}
}


func (q *Queue) drop(a Action, cause error) error {
	if err := q.remove(a.Seq); err != nil {
		return err
	}

	q.mtx.RLock()
	fn := q.onDropped
	q.mtx.RUnlock()
	if fn != nil {
		fn(a, cause)
	}
	return nil
}

func (q *Queue) remove(seq uint64) error {
	if err := q.db.DB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(q.bucket).Delete(byteutil.EncodeUint64ToBytes(seq))
	}); err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	return nil
}

func (q *Queue) update(a Action) error {
	bs, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := q.db.DB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(q.bucket).Put(byteutil.EncodeUint64ToBytes(a.Seq), bs)
	}); err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	return nil
}
