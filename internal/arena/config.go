package arena

import (
	"time"

	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/matchqueue"
)

type Config struct {
	CountdownTicks int           `envconfig:"COUNTDOWN_TICKS" default:"3"`
	CountdownTick  time.Duration `envconfig:"COUNTDOWN_TICK" default:"1s"`
	TurnDuration   time.Duration `envconfig:"TURN_DURATION" default:"60s"`
	StartTimeout   time.Duration `envconfig:"TURN_START_TIMEOUT" default:"60s"`
	Grace          time.Duration `envconfig:"GRACE_WINDOW" default:"30s"`
	ScoreTimeout   time.Duration `envconfig:"SCORE_TIMEOUT" default:"10s"`
	VoteQuorum     int           `envconfig:"VOTE_QUORUM" default:"3"`

	MatchedRounds int           `envconfig:"MATCHED_ROUNDS" default:"3"`
	MatchedStyle  string        `envconfig:"MATCHED_VOTING_STYLE" default:"per_round"`
	RatingBand    int           `envconfig:"RATING_BAND" default:"200"`
	QueueTTL      time.Duration `envconfig:"QUEUE_TTL" default:"10m"`

	WaitingTimeout time.Duration `envconfig:"WAITING_TIMEOUT" default:"30m"`
	Retention      time.Duration `envconfig:"SESSION_RETENTION" default:"10m"`
	CodeCacheSize  int           `envconfig:"CODE_CACHE_SIZE" default:"1024"`

	MatchInterval time.Duration `envconfig:"MATCH_INTERVAL" default:"2s"`
	SweepInterval time.Duration `envconfig:"PRESENCE_SWEEP_INTERVAL" default:"30s"`
	FlushInterval time.Duration `envconfig:"OUTBOX_FLUSH_INTERVAL" default:"30s"`
	CleanInterval time.Duration `envconfig:"CLEANING_INTERVAL" default:"1m"`
}

// DefaultConfig mirrors the envconfig defaults for callers that build the arena in code.
func DefaultConfig() Config {
	rules := battle.DefaultRules()
	return Config{
		CountdownTicks: rules.CountdownTicks,
		CountdownTick:  time.Second,
		TurnDuration:   rules.TurnDuration,
		StartTimeout:   rules.StartTimeout,
		Grace:          30 * time.Second,
		ScoreTimeout:   10 * time.Second,
		VoteQuorum:     battle.DefaultVoteQuorum,
		MatchedRounds:  3,
		MatchedStyle:   string(battle.VotingPerRound),
		RatingBand:     matchqueue.DefaultBand,
		QueueTTL:       10 * time.Minute,
		WaitingTimeout: 30 * time.Minute,
		Retention:      10 * time.Minute,
		CodeCacheSize:  1024,
		MatchInterval:  2 * time.Second,
		SweepInterval:  30 * time.Second,
		FlushInterval:  30 * time.Second,
		CleanInterval:  time.Minute,
	}
}

func (c Config) rules() battle.Rules {
	return battle.Rules{
		CountdownTicks: c.CountdownTicks,
		TurnDuration:   c.TurnDuration,
		StartTimeout:   c.StartTimeout,
	}
}
