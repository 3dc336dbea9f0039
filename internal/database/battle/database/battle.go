package database

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/byteutil"
	"github.com/bloops-games/rapbattle/internal/database"
	bolt "go.etcd.io/bbolt"
)

const (
	battlesBucket = "battles"
	roundsBucket  = "rounds"
	codesBucket   = "room_codes"
)

var ErrEntryNotFound = errors.New("not found")

func New(db *database.DB) (*DB, error) {
	if err := db.EnsureBuckets(battlesBucket, roundsBucket, codesBucket); err != nil {
		return nil, fmt.Errorf("ensure battle buckets: %w", err)
	}
	return &DB{sDB: db}, nil
}

type DB struct {
	sDB *database.DB
}

// Save stores the battle snapshot and keeps the room code index in step:
// active battles own their code, terminal ones release it.
func (db *DB) Save(b battle.Battle) error {
	tx, err := db.sDB.DB.Begin(true)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	defer tx.Rollback() // nolint

	bs, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	if err := tx.Bucket([]byte(battlesBucket)).Put([]byte(b.ID), bs); err != nil {
		return fmt.Errorf("put to bucket error: %w", err)
	}

	if b.RoomCode != "" {
		codes := tx.Bucket([]byte(codesBucket))
		owner := codes.Get([]byte(b.RoomCode))
		switch {
		case b.Status.Terminal() && string(owner) == b.ID:
			if err := codes.Delete([]byte(b.RoomCode)); err != nil {
				return fmt.Errorf("release room code: %w", err)
			}
		case !b.Status.Terminal() && owner == nil:
			if err := codes.Put([]byte(b.RoomCode), []byte(b.ID)); err != nil {
				return fmt.Errorf("claim room code: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (db *DB) Fetch(id string) (battle.Battle, error) {
	var b battle.Battle
	if err := db.sDB.DB.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(battlesBucket)).Get([]byte(id))
		if v == nil {
			return ErrEntryNotFound
		}
		if err := json.Unmarshal(v, &b); err != nil {
			return fmt.Errorf("json unmarshal error, %w", err)
		}
		return nil
	}); err != nil {
		return battle.Battle{}, fmt.Errorf("view transaction error: %w", err)
	}
	return b, nil
}

// FetchActive returns every non-terminal battle, used to restore sessions on start-up.
func (db *DB) FetchActive() ([]battle.Battle, error) {
	var list []battle.Battle

	if err := db.sDB.DB.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(battlesBucket)).ForEach(func(_, v []byte) error {
			var b battle.Battle
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("json unmarshal error, %w", err)
			}
			if !b.Status.Terminal() {
				list = append(list, b)
			}
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("view transaction error: %w", err)
	}

	return list, nil
}

// LookupCode resolves an active room code to its battle id.
func (db *DB) LookupCode(code string) (string, error) {
	var id string
	if err := db.sDB.DB.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(codesBucket)).Get([]byte(code))
		if v == nil {
			return ErrEntryNotFound
		}
		id = string(v)
		return nil
	}); err != nil {
		return "", fmt.Errorf("view transaction error: %w", err)
	}
	return id, nil
}

func (db *DB) CodeExists(code string) bool {
	_, err := db.LookupCode(code)
	return err == nil
}

// PutRound writes r unless a round for the same battle, number and player is
// already stored. It reports whether r was written.
func (db *DB) PutRound(r battle.Round) (bool, error) {
	tx, err := db.sDB.DB.Begin(true)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}

	defer tx.Rollback() // nolint

	b := tx.Bucket([]byte(roundsBucket))
	key := roundKey(r.BattleID, r.RoundNumber, r.PlayerID)
	if b.Get(key) != nil {
		return false, nil
	}

	bs, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("marshal: %w", err)
	}

	if err := b.Put(key, bs); err != nil {
		return false, fmt.Errorf("put to bucket error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}

	return true, nil
}

// Rounds returns the rounds of a battle ordered by round number.
func (db *DB) Rounds(battleID string) ([]battle.Round, error) {
	var list []battle.Round
	prefix := byteutil.JoinKey(battleID, "")

	if err := db.sDB.DB.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(roundsBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r battle.Round
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("json unmarshal error, %w", err)
			}
			list = append(list, r)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("view transaction error: %w", err)
	}

	return list, nil
}

func roundKey(battleID string, round int, playerID string) []byte {
	return byteutil.JoinKey(battleID, fmt.Sprintf("%02d", round), playerID)
}
