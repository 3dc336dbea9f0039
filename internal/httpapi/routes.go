// Package httpapi exposes the arena over JSON HTTP and websockets.
package httpapi

import (
	"context"
	"net/http"

	"github.com/bloops-games/rapbattle/internal/arena"
	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/bloops-games/rapbattle/internal/server"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Options struct {
	// OriginPatterns are passed to websocket.Accept. Empty means same origin only.
	OriginPatterns []string
	SocketBuffer   int
}

type API struct {
	arena *arena.Arena
	opts  Options
}

func New(a *arena.Arena, opts Options) *API {
	return &API{arena: a, opts: opts}
}

// Routes builds the router. Every request context carries logger; /health fails once ctx is done.
func (api *API) Routes(ctx context.Context, logger *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withLogger(logger))

	r.Method(http.MethodGet, "/health", server.HandleHealth(ctx))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/battles", api.createBattle)
		r.Post("/battles/join", api.joinBattle)
		r.Get("/battles/{id}", api.getBattle)
		r.Get("/battles/{id}/rounds", api.getRounds)
		r.Post("/battles/{id}/{action}", api.battleAction)
		r.Post("/battles/{id}/votes", api.castVote)
		r.Get("/battles/{id}/votes", api.getVotes)

		r.Post("/match", api.enqueue)
		r.Delete("/match/{playerID}", api.dequeue)

		r.Get("/profiles/{id}", api.getProfile)
	})

	r.Get("/ws/battles/{id}", api.battleSocket)
	r.Get("/ws/users/{id}", api.userSocket)

	return r
}

func withLogger(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := logger.With("request_id", middleware.GetReqID(r.Context()))
			next.ServeHTTP(w, r.WithContext(logging.WithLogger(r.Context(), l)))
		})
	}
}
