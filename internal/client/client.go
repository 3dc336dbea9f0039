// Package client talks to the arena HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/database/vote/model"
	"github.com/bloops-games/rapbattle/internal/errs"
	"github.com/bloops-games/rapbattle/internal/httpapi"
	"github.com/bloops-games/rapbattle/internal/profile"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreateBattle(ctx context.Context, req httpapi.CreateBattleRequest) (battle.View, error) {
	var v battle.View
	err := c.do(ctx, http.MethodPost, "/api/v1/battles", req, &v)
	return v, err
}

func (c *Client) JoinBattle(ctx context.Context, roomCode, playerID string) (battle.View, error) {
	var v battle.View
	err := c.do(ctx, http.MethodPost, "/api/v1/battles/join", httpapi.JoinBattleRequest{RoomCode: roomCode, PlayerID: playerID}, &v)
	return v, err
}

func (c *Client) Battle(ctx context.Context, battleID string) (battle.View, error) {
	var v battle.View
	err := c.do(ctx, http.MethodGet, "/api/v1/battles/"+url.PathEscape(battleID), nil, &v)
	return v, err
}

func (c *Client) Rounds(ctx context.Context, battleID string) ([]battle.Round, error) {
	var rounds []battle.Round
	err := c.do(ctx, http.MethodGet, "/api/v1/battles/"+url.PathEscape(battleID)+"/rounds", nil, &rounds)
	return rounds, err
}

// Act posts one of ready, start, end, skip or forfeit.
func (c *Client) Act(ctx context.Context, battleID, action string, req httpapi.ActionRequest) (battle.View, error) {
	var v battle.View
	err := c.do(ctx, http.MethodPost, "/api/v1/battles/"+url.PathEscape(battleID)+"/"+action, req, &v)
	return v, err
}

func (c *Client) CastVote(ctx context.Context, battleID string, req httpapi.VoteRequest) (model.Vote, error) {
	var v model.Vote
	err := c.do(ctx, http.MethodPost, "/api/v1/battles/"+url.PathEscape(battleID)+"/votes", req, &v)
	return v, err
}

func (c *Client) Votes(ctx context.Context, battleID string, round *int) (battle.VoteCounts, error) {
	path := "/api/v1/battles/" + url.PathEscape(battleID) + "/votes"
	if round != nil {
		path += "?round=" + strconv.Itoa(*round)
	}

	var counts battle.VoteCounts
	err := c.do(ctx, http.MethodGet, path, nil, &counts)
	return counts, err
}

func (c *Client) Enqueue(ctx context.Context, playerID string, rating int) (httpapi.EnqueueResponse, error) {
	var out httpapi.EnqueueResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/match", httpapi.EnqueueRequest{PlayerID: playerID, Rating: rating}, &out)
	return out, err
}

func (c *Client) Dequeue(ctx context.Context, playerID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/match/"+url.PathEscape(playerID), nil, nil)
}

func (c *Client) Profile(ctx context.Context, userID string) (profile.Summary, error) {
	var s profile.Summary
	err := c.do(ctx, http.MethodGet, "/api/v1/profiles/"+url.PathEscape(userID), nil, &s)
	return s, err
}

func (c *Client) BattleSocketURL(battleID, userID string) string {
	return c.socketBase() + "/ws/battles/" + url.PathEscape(battleID) + "?userId=" + url.QueryEscape(userID)
}

func (c *Client) UserSocketURL(userID string) string {
	return c.socketBase() + "/ws/users/" + url.PathEscape(userID)
}

func (c *Client) socketBase() string {
	switch {
	case strings.HasPrefix(c.BaseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.BaseURL, "https://")
	case strings.HasPrefix(c.BaseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.BaseURL, "http://")
	default:
		return c.BaseURL
	}
}

// do sends in as JSON and decodes the answer into out. Transport failures
// wrap errs.ErrTransientNetwork, error statuses map back to the error classes.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, errs.ErrTransientNetwork)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e httpapi.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return errs.FromHTTPStatus(resp.StatusCode, e.Error)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}

	return nil
}
