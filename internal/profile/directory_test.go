package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectory_ConsumeOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemory()
	store.Put(Profile{UserID: "p1", DisplayName: "Verse", Rating: 1000})

	d, err := NewDirectory(store, 16)
	require.NoError(t, err)
	require.Equal(t, "profile", d.Name())

	s, err := d.Summary(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "Verse", s.DisplayName)
	require.Equal(t, 1000, s.Rating)

	c := testCompletion()
	require.NoError(t, d.Consume(ctx, c))
	require.NoError(t, d.Consume(ctx, c))

	p1, err := d.Profile(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1016, p1.Rating)
	require.Equal(t, 1, p1.Wins)

	p2, err := d.Profile(ctx, "p2")
	require.NoError(t, err)
	require.Equal(t, 984, p2.Rating)
	require.Equal(t, 1, p2.Losses)
}

func TestMemory_Draw(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	c := testCompletion()
	c.WinnerID = nil
	c.Draw = true

	applied, err := store.ApplyResult(context.Background(), c)
	require.NoError(t, err)
	require.True(t, applied)

	p1, _ := store.Get(context.Background(), "p1")
	p2, _ := store.Get(context.Background(), "p2")
	require.Equal(t, 1, p1.Draws)
	require.Equal(t, 1, p2.Draws)
	require.Equal(t, DefaultRating, p1.Rating)

	_, err = store.ApplyResult(context.Background(), c)
	require.NoError(t, err)
	p1, _ = store.Get(context.Background(), "p1")
	require.Equal(t, 1, p1.Draws)
}

func TestSummaryFallsBackToID(t *testing.T) {
	t.Parallel()
	require.Equal(t, "p9", newProfile("p9").Summary().DisplayName)
}
