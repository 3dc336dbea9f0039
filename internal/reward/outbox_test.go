package reward

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bloops-games/rapbattle/internal/database"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewFromEnv(context.Background(), &database.Config{
		FilePath:    filepath.Join(t.TempDir(), "test.db"),
		OpenTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

type recorder struct {
	mtx   sync.Mutex
	name  string
	fail  int
	calls []string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Consume(_ context.Context, c Completion) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.calls = append(r.calls, c.BattleID)
	if r.fail > 0 {
		r.fail--
		return errors.New("unavailable")
	}
	return nil
}

func (r *recorder) count() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.calls)
}

func completion(id string) Completion {
	winner := "p1"
	return Completion{
		BattleID:     id,
		WinnerID:     &winner,
		Player1ID:    "p1",
		Player2ID:    "p2",
		Player1Score: 85.5,
		Player2Score: 78.2,
		CompletedAt:  time.Now(),
	}
}

func TestOutbox_PublishDelivers(t *testing.T) {
	ledger := &recorder{name: "ledger"}
	o, err := NewOutbox(newDB(t), ledger)
	require.NoError(t, err)

	require.NoError(t, o.Publish(context.Background(), completion("b1")))
	require.Equal(t, 1, ledger.count())

	pending, err := o.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestOutbox_FailedDeliveryRetriedByFlush(t *testing.T) {
	ledger := &recorder{name: "ledger"}
	profile := &recorder{name: "profile", fail: 1}
	o, err := NewOutbox(newDB(t), ledger, profile)
	require.NoError(t, err)

	require.NoError(t, o.Publish(context.Background(), completion("b1")))

	pending, err := o.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	left, err := o.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, left)

	require.Equal(t, 1, ledger.count(), "delivered consumers are not called again")
	require.Equal(t, 2, profile.count())
}

func TestOutbox_RejectsEmptyID(t *testing.T) {
	o, err := NewOutbox(newDB(t))
	require.NoError(t, err)
	require.ErrorIs(t, o.Publish(context.Background(), Completion{}), ErrEmptyBattleID)
}

func TestCompletion_Outcome(t *testing.T) {
	c := completion("b1")
	require.Equal(t, 1.0, c.Outcome("p1"))
	require.Equal(t, 0.0, c.Outcome("p2"))

	c.WinnerID, c.Draw = nil, true
	require.Equal(t, 0.5, c.Outcome("p1"))
}
