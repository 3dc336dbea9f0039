package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/bloops-games/rapbattle/internal/reward"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
}

type Postgres struct {
	Pool PgxPool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool new: %w", err)
	}
	return &Postgres{Pool: pool}, nil
}

func (p *Postgres) Close() { p.Pool.Close() }

func (p *Postgres) Get(ctx context.Context, userID string) (Profile, error) {
	const q = `
SELECT user_id, display_name, rating, wins, losses, draws
FROM profiles WHERE user_id=$1`
	var pr Profile
	err := p.Pool.QueryRow(ctx, q, userID).Scan(&pr.UserID, &pr.DisplayName, &pr.Rating, &pr.Wins, &pr.Losses, &pr.Draws)
	if errors.Is(err, pgx.ErrNoRows) {
		return newProfile(userID), nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("select profile %s: %w", userID, err)
	}
	return pr, nil
}

// ApplyResult records c in battle_results and moves both ratings in the same
// transaction. A battle id that is already recorded changes nothing.
func (p *Postgres) ApplyResult(ctx context.Context, c reward.Completion) (applied bool, err error) {
	if err := validCompletion(c); err != nil {
		return false, err
	}

	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			applied, err = false, fmt.Errorf("commit: %w", e)
		}
	}()

	const ins = `
INSERT INTO battle_results (battle_id, winner_id, draw, player1_id, player2_id, player1_score, player2_score, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (battle_id) DO NOTHING`
	tag, err := tx.Exec(ctx, ins, c.BattleID, c.WinnerID, c.Draw, c.Player1ID, c.Player2ID, c.Player1Score, c.Player2Score, c.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("insert battle result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	const ensure = `
INSERT INTO profiles (user_id) VALUES ($1), ($2)
ON CONFLICT (user_id) DO NOTHING`
	if _, err = tx.Exec(ctx, ensure, c.Player1ID, c.Player2ID); err != nil {
		return false, fmt.Errorf("ensure profiles: %w", err)
	}

	p1, err := lockProfile(ctx, tx, c.Player1ID)
	if err != nil {
		return false, err
	}
	p2, err := lockProfile(ctx, tx, c.Player2ID)
	if err != nil {
		return false, err
	}

	n1, n2 := apply(p1, p2, c)
	for _, pair := range [][2]Profile{{p1, n1}, {p2, n2}} {
		if err = updateProfile(ctx, tx, pair[0], pair[1]); err != nil {
			return false, err
		}
	}

	return true, nil
}

func lockProfile(ctx context.Context, tx pgx.Tx, userID string) (Profile, error) {
	const q = `
SELECT user_id, rating, wins, losses, draws
FROM profiles WHERE user_id=$1 FOR UPDATE`
	var pr Profile
	if err := tx.QueryRow(ctx, q, userID).Scan(&pr.UserID, &pr.Rating, &pr.Wins, &pr.Losses, &pr.Draws); err != nil {
		return Profile{}, fmt.Errorf("lock profile %s: %w", userID, err)
	}
	return pr, nil
}

func updateProfile(ctx context.Context, tx pgx.Tx, before, after Profile) error {
	const q = `
UPDATE profiles
SET rating=$2, wins=$3, losses=$4, draws=$5, updated_at=now()
WHERE user_id=$1`
	tag, err := tx.Exec(ctx, q, after.UserID, after.Rating, after.Wins, after.Losses, after.Draws)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", before.UserID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("update profile %s: %d rows affected", before.UserID, tag.RowsAffected())
	}
	return nil
}
