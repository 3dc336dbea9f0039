package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bloops-games/rapbattle/internal/logging"
	bolt "go.etcd.io/bbolt"
)

type Config struct {
	FilePath    string        `envconfig:"DB_FILE_PATH" default:"rapbattle.db"`
	OpenTimeout time.Duration `envconfig:"DB_OPEN_TIMEOUT" default:"5s"`
}

type DB struct {
	DB *bolt.DB
}

func NewFromEnv(ctx context.Context, config *Config) (*DB, error) {
	logger := logging.FromContext(ctx)
	logger.Infof("opening db file %s", config.FilePath)

	db, err := bolt.Open(config.FilePath, 0600, &bolt.Options{Timeout: config.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("creating connection DB: %w", err)
	}

	return &DB{DB: db}, nil
}

func (db *DB) Close(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	logger.Infof("closing DB connection")

	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("error close DB connection: %w", err)
	}

	return nil
}

// EnsureBuckets creates the named top-level buckets when they are missing.
func (db *DB) EnsureBuckets(names ...string) error {
	return db.DB.Update(func(tx *bolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}
