package database

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bloops-games/rapbattle/internal/byteutil"
	"github.com/bloops-games/rapbattle/internal/database"
	"github.com/bloops-games/rapbattle/internal/database/vote/model"
	bolt "go.etcd.io/bbolt"
)

const prefix = "votes"

func New(db *database.DB) (*DB, error) {
	if err := db.EnsureBuckets(prefix); err != nil {
		return nil, fmt.Errorf("ensure vote bucket: %w", err)
	}
	return &DB{sDB: db}, nil
}

type DB struct {
	sDB *database.DB
}

func key(battleID string, round *int, voterID string) []byte {
	return byteutil.JoinKey(battleID, model.RoundKey(round), voterID)
}

// Put stores v under (battle, round, voter), replacing an earlier vote.
// It returns the replaced vote when there was one.
func (db *DB) Put(v model.Vote) (*model.Vote, error) {
	tx, err := db.sDB.DB.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}

	defer tx.Rollback() // nolint

	b := tx.Bucket([]byte(prefix))
	k := key(v.BattleID, v.RoundNumber, v.VoterID)

	var prev *model.Vote
	if old := b.Get(k); old != nil {
		var p model.Vote
		if err := json.Unmarshal(old, &p); err != nil {
			return nil, fmt.Errorf("json unmarshal error, %w", err)
		}
		prev = &p
	}

	bs, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	if err := b.Put(k, bs); err != nil {
		return nil, fmt.Errorf("put to bucket error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return prev, nil
}

func (db *DB) Get(battleID string, round *int, voterID string) (model.Vote, bool, error) {
	var (
		v  model.Vote
		ok bool
	)
	if err := db.sDB.DB.View(func(tx *bolt.Tx) error {
		bs := tx.Bucket([]byte(prefix)).Get(key(battleID, round, voterID))
		if bs == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(bs, &v)
	}); err != nil {
		return model.Vote{}, false, fmt.Errorf("view transaction error: %w", err)
	}
	return v, ok, nil
}

// Count returns the number of votes per voted-for player in one round (nil round = overall).
func (db *DB) Count(battleID string, round *int) (map[string]int, error) {
	counts := map[string]int{}
	p := key(battleID, round, "")

	if err := db.sDB.DB.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(prefix)).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var vote model.Vote
			if err := json.Unmarshal(v, &vote); err != nil {
				return fmt.Errorf("json unmarshal error, %w", err)
			}
			counts[vote.VotedForPlayerID]++
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("view transaction error: %w", err)
	}

	return counts, nil
}

// DeleteBattle removes every vote of a battle and returns how many were removed.
func (db *DB) DeleteBattle(battleID string) (int, error) {
	tx, err := db.sDB.DB.Begin(true)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}

	defer tx.Rollback() // nolint

	var (
		keys [][]byte
		p    = byteutil.JoinKey(battleID, "")
		c    = tx.Bucket([]byte(prefix)).Cursor()
	)
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}

	b := tx.Bucket([]byte(prefix))
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return 0, fmt.Errorf("delete vote: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}

	return len(keys), nil
}
