// Command rapbattle-cli drives the arena from a terminal: it creates and joins
// battles, acts on turns, queues for a match and watches a battle with offline
// vote replay.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/buildinfo"
	"github.com/bloops-games/rapbattle/internal/client"
	"github.com/bloops-games/rapbattle/internal/conn"
	"github.com/bloops-games/rapbattle/internal/database"
	"github.com/bloops-games/rapbattle/internal/httpapi"
	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/bloops-games/rapbattle/internal/shutdown"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var version string

type Config struct {
	Debug bool `envconfig:"RAPBATTLE_DEBUG" default:"false"`

	ServerURL      string        `envconfig:"RAPBATTLE_SERVER_URL" default:"http://localhost:8080"`
	RequestTimeout time.Duration `envconfig:"RAPBATTLE_REQUEST_TIMEOUT" default:"10s"`
	PlayerID       string        `envconfig:"RAPBATTLE_PLAYER_ID"`

	// Offline votes are replayed at most this many times before they are dropped
	MaxRetries int `envconfig:"RAPBATTLE_MAX_RETRIES" default:"5"`

	DB   database.Config `envconfig:"RAPBATTLE"`
	Conn conn.Config     `envconfig:"RAPBATTLE"`
}

func usage() {
	_, _ = fmt.Fprintf(os.Stderr, `Usage:
  rapbattle-cli [-player id] <cmd> [args]

Commands:
  version
  create   -rounds n -style per_round|overall -show-votes
  join     <room code>
  show     <battle id>
  rounds   <battle id>
  ready|start|forfeit <battle id>
  skip     <battle id> [-seq n]
  end      <battle id> [-seq n] [-ref submission]
  vote     <battle id> <player id> [-round n]
  votes    <battle id> [-round n]
  match    [-rating n]
  unmatch
  profile  [user id]
  watch    <battle id>
`)
	os.Exit(2)
}

func main() {
	_ = godotenv.Load()

	config := Config{}
	if err := envconfig.Process("", &config); err != nil {
		logging.DefaultLogger().Fatalf("processing the config: %v", err)
	}

	player := flag.String("player", config.PlayerID, "player id")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}
	config.PlayerID = *player

	ctx, done := shutdown.New()
	defer done()

	logger := logging.NewLogger(config.Debug)
	ctx = logging.WithLogger(ctx, logger)

	if err := realMain(ctx, config, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Fatalf("main.realMain: %v", err)
	}
}

func realMain(ctx context.Context, config Config, cmd string, args []string) error {
	c := client.New(config.ServerURL, config.RequestTimeout)

	if cmd != "version" && config.PlayerID == "" {
		return fmt.Errorf("player id required, pass -player or set RAPBATTLE_PLAYER_ID")
	}

	switch cmd {
	case "version":
		_, _ = fmt.Fprint(os.Stdout, buildinfo.Greeting(version))
		return nil

	case "create":
		fs := flag.NewFlagSet("create", flag.ExitOnError)
		rounds := fs.Int("rounds", 3, "total rounds")
		style := fs.String("style", string(battle.VotingPerRound), "voting style")
		show := fs.Bool("show-votes", false, "show vote counts during the battle")
		_ = fs.Parse(args)

		v, err := c.CreateBattle(ctx, httpapi.CreateBattleRequest{
			PlayerID:    config.PlayerID,
			TotalRounds: *rounds,
			VotingStyle: battle.VotingStyle(*style),
			ShowVotes:   *show,
		})
		if err != nil {
			return err
		}
		printView(v)

	case "join":
		if len(args) < 1 {
			usage()
		}
		v, err := c.JoinBattle(ctx, args[0], config.PlayerID)
		if err != nil {
			return err
		}
		printView(v)

	case "show":
		if len(args) < 1 {
			usage()
		}
		v, err := c.Battle(ctx, args[0])
		if err != nil {
			return err
		}
		printView(v)

	case "rounds":
		if len(args) < 1 {
			usage()
		}
		rounds, err := c.Rounds(ctx, args[0])
		if err != nil {
			return err
		}
		printJSON(rounds)

	case "ready", "start", "end", "forfeit", "skip":
		if len(args) < 1 {
			usage()
		}
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		seq := fs.Uint64("seq", 0, "turn sequence the action targets, 0 takes the current one")
		ref := fs.String("ref", "", "submission reference for end")
		_ = fs.Parse(args[1:])

		req := httpapi.ActionRequest{PlayerID: config.PlayerID, TurnSeq: *seq, SubmissionRef: *ref}
		v, err := c.Act(ctx, args[0], cmd, req)
		if err != nil {
			return err
		}
		printView(v)

	case "vote":
		if len(args) < 2 {
			usage()
		}
		round, err := roundFlag("vote", args[2:])
		if err != nil {
			return err
		}
		return watch(ctx, c, config, args[0], func(s *client.Spectator) error {
			if err := s.Vote(ctx, args[1], round); err != nil {
				return err
			}
			if s.Pending() > 0 {
				_, _ = fmt.Fprintf(os.Stdout, "vote queued, %d pending until the connection is back\n", s.Pending())
			}
			return nil
		})

	case "votes":
		if len(args) < 1 {
			usage()
		}
		round, err := roundFlag("votes", args[1:])
		if err != nil {
			return err
		}
		counts, err := c.Votes(ctx, args[0], round)
		if err != nil {
			return err
		}
		printJSON(counts)

	case "match":
		fs := flag.NewFlagSet("match", flag.ExitOnError)
		rating := fs.Int("rating", 0, "rating override, 0 reads the profile")
		_ = fs.Parse(args)

		res, err := c.Enqueue(ctx, config.PlayerID, *rating)
		if err != nil {
			return err
		}
		if res.Match != nil {
			_, _ = fmt.Fprintln(os.Stdout, renderMatch(*res.Match))
			return nil
		}
		_, _ = fmt.Fprintf(os.Stdout, "queued with rating %d, waiting for an opponent\n", res.Entry.Rating)

	case "unmatch":
		return c.Dequeue(ctx, config.PlayerID)

	case "profile":
		id := config.PlayerID
		if len(args) > 0 {
			id = args[0]
		}
		p, err := c.Profile(ctx, id)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(os.Stdout, renderProfile(p))

	case "watch":
		if len(args) < 1 {
			usage()
		}
		return watch(ctx, c, config, args[0], func(s *client.Spectator) error {
			<-ctx.Done()
			return nil
		})

	default:
		usage()
	}

	return nil
}

// watch follows a battle until fn returns. The local db keeps votes cast
// while offline for the next run.
func watch(ctx context.Context, c *client.Client, config Config, battleID string, fn func(*client.Spectator) error) error {
	logger := logging.FromContext(ctx).Named("main.watch")

	db, err := database.NewFromEnv(ctx, &config.DB)
	if err != nil {
		return fmt.Errorf("new database from env: %w", err)
	}

	defer db.Close(ctx)

	s, err := client.NewSpectator(client.SpectatorConfig{
		Client:     c,
		BattleID:   battleID,
		UserID:     config.PlayerID,
		DB:         db,
		MaxRetries: config.MaxRetries,
		Conn:       config.Conn,
	})
	if err != nil {
		return err
	}

	s.OnView(func(v battle.View) { printView(v) })
	s.OnRevert(func(round *int, err error) {
		logger.Warnf("vote for %s reverted: %v", roundLabel(round), err)
	})
	s.Conn().OnState(func(st conn.State) {
		logger.Infof("connection %s", st)
	})

	s.Start(ctx)
	defer s.Close()

	return fn(s)
}

func roundFlag(name string, args []string) (*int, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	round := fs.Int("round", 0, "round number, 0 votes on the whole battle")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *round == 0 {
		return nil, nil
	}
	return round, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
