package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/errs"
	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/bloops-games/rapbattle/internal/matchqueue"
	"github.com/go-chi/chi/v5"
)

const maxBody = 64 << 10

type CreateBattleRequest struct {
	PlayerID    string             `json:"playerId"`
	TotalRounds int                `json:"totalRounds"`
	VotingStyle battle.VotingStyle `json:"votingStyle"`
	ShowVotes   bool               `json:"showVotes"`
}

type JoinBattleRequest struct {
	RoomCode string `json:"roomCode"`
	PlayerID string `json:"playerId"`
}

type ActionRequest struct {
	PlayerID      string `json:"playerId"`
	TurnSeq       uint64 `json:"turnSeq"`
	SubmissionRef string `json:"submissionRef,omitempty"`
}

type VoteRequest struct {
	VoterID          string `json:"voterId"`
	VotedForPlayerID string `json:"votedForPlayerId"`
	RoundNumber      *int   `json:"roundNumber,omitempty"`
}

type EnqueueRequest struct {
	PlayerID string `json:"playerId"`
	Rating   int    `json:"rating"`
}

type EnqueueResponse struct {
	Entry matchqueue.Entry  `json:"entry"`
	Match *matchqueue.Match `json:"match,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (api *API) createBattle(w http.ResponseWriter, r *http.Request) {
	var req CreateBattleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.VotingStyle == "" {
		req.VotingStyle = battle.VotingPerRound
	}

	v, err := api.arena.Create(r.Context(), req.PlayerID, req.TotalRounds, req.VotingStyle, req.ShowVotes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (api *API) joinBattle(w http.ResponseWriter, r *http.Request) {
	var req JoinBattleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	v, err := api.arena.JoinByCode(r.Context(), req.RoomCode, req.PlayerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (api *API) getBattle(w http.ResponseWriter, r *http.Request) {
	v, err := api.arena.View(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (api *API) getRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := api.arena.Rounds(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rounds == nil {
		rounds = []battle.Round{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

func (api *API) battleAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.PlayerID == "" {
		writeError(w, r, errs.Validation("player id required"))
		return
	}

	s, err := api.arena.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	switch action := chi.URLParam(r, "action"); action {
	case "ready":
		err = s.Ready(ctx, req.PlayerID)
	case "start":
		err = s.StartTurn(ctx, req.PlayerID, req.TurnSeq)
	case "end":
		err = s.EndTurn(ctx, req.PlayerID, req.TurnSeq, req.SubmissionRef)
	case "skip":
		err = s.SkipTurn(ctx, req.PlayerID, req.TurnSeq)
	case "forfeit":
		err = s.Forfeit(ctx, req.PlayerID)
	default:
		err = fmt.Errorf("unknown action %q: %w", action, errs.ErrNotFound)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, s.View())
}

func (api *API) castVote(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	v, err := api.arena.Tally().CastVote(r.Context(), chi.URLParam(r, "id"), req.VoterID, req.VotedForPlayerID, req.RoundNumber)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (api *API) getVotes(w http.ResponseWriter, r *http.Request) {
	var round *int
	if raw := r.URL.Query().Get("round"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, errs.Validation("round must be a number"))
			return
		}
		round = &n
	}

	c, err := api.arena.Tally().Counts(r.Context(), chi.URLParam(r, "id"), round)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (api *API) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	e, m, err := api.arena.Enqueue(r.Context(), req.PlayerID, req.Rating)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EnqueueResponse{Entry: e, Match: m})
}

func (api *API) dequeue(w http.ResponseWriter, r *http.Request) {
	api.arena.Dequeue(chi.URLParam(r, "playerID"))
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) getProfile(w http.ResponseWriter, r *http.Request) {
	dir := api.arena.Profiles()
	if dir == nil {
		writeError(w, r, fmt.Errorf("profiles disabled: %w", errs.ErrNotFound))
		return
	}

	s, err := dir.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Validation("empty body")
		}
		return errs.Validation("malformed body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Named("httpapi").Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
