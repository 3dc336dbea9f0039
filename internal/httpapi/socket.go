package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bloops-games/rapbattle/internal/arena"
	"github.com/bloops-games/rapbattle/internal/pubsub"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const writeTimeout = 3 * time.Second

func (api *API) battleSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("userId")

	feed, view, err := api.arena.WatchBattle(id, userID, api.opts.SocketBuffer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer feed.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: api.opts.OriginPatterns})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	first := pubsub.Message{Topic: pubsub.BattleTopic(id), Type: "snapshot", Version: view.Version, Data: view}
	api.pump(r.Context(), conn, feed, &first, userID)
}

func (api *API) userSocket(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: api.opts.OriginPatterns})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	feed := api.arena.WatchUser(userID, api.opts.SocketBuffer)
	defer feed.Close()

	api.pump(r.Context(), conn, feed, nil, userID)
}

// pump writes feed messages to conn until either side goes away. Reads only
// keep presence fresh. A feed closed by the broker means the client fell
// behind and must resync.
func (api *API) pump(ctx context.Context, conn *websocket.Conn, feed *arena.Feed, first *pubsub.Message, userID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
			if userID != "" {
				api.arena.Presence().Touch(userID)
			}
		}
	}()

	if first != nil {
		if err := write(ctx, conn, *first); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-feed.C:
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "resync")
				return
			}
			if err := write(ctx, conn, m); err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, m pubsub.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, payload)
}
