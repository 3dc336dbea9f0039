package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bloops-games/rapbattle/internal/arena"
	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/database"
	battleDb "github.com/bloops-games/rapbattle/internal/database/battle/database"
	voteDb "github.com/bloops-games/rapbattle/internal/database/vote/database"
	"github.com/bloops-games/rapbattle/internal/judge"
	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/bloops-games/rapbattle/internal/profile"
	"github.com/bloops-games/rapbattle/internal/pubsub"
	"github.com/bloops-games/rapbattle/internal/reward"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	sdb, err := database.NewFromEnv(ctx, &database.Config{FilePath: filepath.Join(t.TempDir(), "api.db"), OpenTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sdb.Close(ctx) })

	battles, err := battleDb.New(sdb)
	require.NoError(t, err)
	votes, err := voteDb.New(sdb)
	require.NoError(t, err)
	dir, err := profile.NewDirectory(profile.NewMemory(), 16)
	require.NoError(t, err)
	outbox, err := reward.NewOutbox(sdb, dir)
	require.NoError(t, err)

	cfg := arena.DefaultConfig()
	cfg.CountdownTicks = 1
	cfg.CountdownTick = 5 * time.Millisecond
	cfg.MatchInterval, cfg.SweepInterval, cfg.FlushInterval, cfg.CleanInterval = 0, 0, 0, 0

	a, err := arena.New(cfg, arena.Deps{
		Battles:  battles,
		Votes:    votes,
		Broker:   pubsub.NewBroker(),
		Outbox:   outbox,
		Scorer:   judge.Heuristic{TurnDuration: cfg.TurnDuration},
		Profiles: dir,
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(a.Shutdown)

	srv := httptest.NewServer(New(a, Options{SocketBuffer: 64}).Routes(ctx, logging.NewLogger(true)))
	t.Cleanup(srv.Close)

	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv := newServer(t)
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/health", nil, nil))
}

func TestCreateJoinAndErrors(t *testing.T) {
	srv := newServer(t)

	var created battle.View
	code := call(t, srv, http.MethodPost, "/api/v1/battles", CreateBattleRequest{PlayerID: "p1", TotalRounds: 2}, &created)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, battle.StatusWaiting, created.Status)
	require.Equal(t, battle.VotingPerRound, created.VotingStyle)

	require.Equal(t, http.StatusBadRequest,
		call(t, srv, http.MethodPost, "/api/v1/battles", CreateBattleRequest{PlayerID: "p9", TotalRounds: 9}, nil))
	require.Equal(t, http.StatusBadRequest,
		call(t, srv, http.MethodPost, "/api/v1/battles/join", JoinBattleRequest{RoomCode: "bad", PlayerID: "p2"}, nil))
	require.Equal(t, http.StatusNotFound,
		call(t, srv, http.MethodPost, "/api/v1/battles/join", JoinBattleRequest{RoomCode: "ZZZZZZ", PlayerID: "p2"}, nil))

	var joined battle.View
	require.Equal(t, http.StatusOK,
		call(t, srv, http.MethodPost, "/api/v1/battles/join", JoinBattleRequest{RoomCode: created.RoomCode, PlayerID: "p2"}, &joined))
	require.Equal(t, battle.StatusReady, joined.Status)

	require.Equal(t, http.StatusConflict,
		call(t, srv, http.MethodPost, "/api/v1/battles/join", JoinBattleRequest{RoomCode: created.RoomCode, PlayerID: "p3"}, nil))

	var got battle.View
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/v1/battles/"+created.ID, nil, &got))
	require.Equal(t, "p2", got.Player2ID)

	require.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/api/v1/battles/nope", nil, nil))
	require.Equal(t, http.StatusNotFound,
		call(t, srv, http.MethodPost, "/api/v1/battles/"+created.ID+"/dance", ActionRequest{PlayerID: "p1"}, nil))
}

func TestTurnsVotesAndSocket(t *testing.T) {
	srv := newServer(t)

	var v battle.View
	call(t, srv, http.MethodPost, "/api/v1/battles", CreateBattleRequest{PlayerID: "p1", TotalRounds: 1, ShowVotes: true}, &v)
	call(t, srv, http.MethodPost, "/api/v1/battles/join", JoinBattleRequest{RoomCode: v.RoomCode, PlayerID: "p2"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/battles/" + v.ID + "?userId=fan"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var first struct {
		Type string      `json:"type"`
		Data battle.View `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &first))
	require.Equal(t, "snapshot", first.Type)
	require.Equal(t, v.ID, first.Data.ID)

	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/v1/battles/"+v.ID+"/ready", ActionRequest{PlayerID: "p1"}, nil))
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/v1/battles/"+v.ID+"/ready", ActionRequest{PlayerID: "p2"}, nil))

	var cur battle.View
	require.Eventually(t, func() bool {
		call(t, srv, http.MethodGet, "/api/v1/battles/"+v.ID, nil, &cur)
		return cur.Stage == battle.StagePending
	}, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, "p1", cur.ActivePlayerID)

	require.Equal(t, http.StatusUnprocessableEntity,
		call(t, srv, http.MethodPost, "/api/v1/battles/"+v.ID+"/start", ActionRequest{PlayerID: "p2", TurnSeq: cur.TurnSeq}, nil))

	var started battle.View
	require.Equal(t, http.StatusOK,
		call(t, srv, http.MethodPost, "/api/v1/battles/"+v.ID+"/start", ActionRequest{PlayerID: "p1", TurnSeq: cur.TurnSeq}, &started))
	require.Equal(t, battle.StagePerforming, started.Stage)
	require.Positive(t, started.RemainingMs)

	var vote map[string]any
	require.Equal(t, http.StatusOK,
		call(t, srv, http.MethodPost, "/api/v1/battles/"+v.ID+"/votes", VoteRequest{VoterID: "fan", VotedForPlayerID: "p1"}, &vote))
	require.Equal(t, http.StatusBadRequest,
		call(t, srv, http.MethodPost, "/api/v1/battles/"+v.ID+"/votes", VoteRequest{VoterID: "p2", VotedForPlayerID: "p2"}, nil))

	var counts battle.VoteCounts
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/v1/battles/"+v.ID+"/votes", nil, &counts))
	require.Equal(t, 1, counts.Player1Votes)

	require.Equal(t, http.StatusOK,
		call(t, srv, http.MethodPost, "/api/v1/battles/"+v.ID+"/forfeit", ActionRequest{PlayerID: "p2"}, nil))
	require.Equal(t, http.StatusGone,
		call(t, srv, http.MethodPost, "/api/v1/battles/"+v.ID+"/ready", ActionRequest{PlayerID: "p1"}, nil))

	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var m struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &m))
		if m.Type == string(battle.EvtCancelled) {
			break
		}
	}
}

func TestMatchEndpoints(t *testing.T) {
	srv := newServer(t)

	var first EnqueueResponse
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/v1/match", EnqueueRequest{PlayerID: "p1", Rating: 1000}, &first))
	require.Nil(t, first.Match)

	require.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, "/api/v1/match", EnqueueRequest{PlayerID: "p1", Rating: 1000}, nil))

	var second EnqueueResponse
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/api/v1/match", EnqueueRequest{PlayerID: "p2", Rating: 1150}, &second))
	require.NotNil(t, second.Match)
	require.Equal(t, "p1", second.Match.Player1.PlayerID)

	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodDelete, "/api/v1/match/p3", nil, nil))

	var summary profile.Summary
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/api/v1/profiles/p1", nil, &summary))
	require.Equal(t, profile.DefaultRating, summary.Rating)
}
