package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/systemshift/folio/internal/tree"
)

// CallerHeader carries the id of the authenticated caller. Authentication
// itself happens upstream of this server.
const CallerHeader = "X-Caller-ID"

type callerKey struct{}

// withCaller stores the caller from CallerHeader in the request context
func withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := tree.Caller{ID: r.Header.Get(CallerHeader)}
		ctx := context.WithValue(r.Context(), callerKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(r *http.Request) tree.Caller {
	caller, _ := r.Context().Value(callerKey{}).(tree.Caller)
	return caller
}

// NewRouter builds the HTTP handler for s
func NewRouter(s *Server, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-ID"))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(withCaller)

	// Routes
	r.Get("/health", s.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/nodes", s.CreateNode)
		r.Get("/nodes/{id}", s.GetNode)
		r.Patch("/nodes/{id}", s.UpdateNode)
		r.Delete("/nodes/{id}", s.ArchiveNode)
		r.Post("/nodes/{id}/move", s.MoveNode)
		r.Post("/nodes/{id}/favorite", s.ToggleFavorite)

		r.Get("/scopes/{scope}/children", s.ListChildren)
		r.Get("/scopes/{scope}/tree", s.Traverse)

		r.Get("/favorites", s.ListFavorites)
		r.Get("/me/nodes", s.ListCreated)

		// Subscriptions
		r.Post("/subscriptions", s.CreateSubscription)
		r.Get("/subscriptions", s.ListSubscriptions)
		r.Get("/subscriptions/{id}", s.GetSubscription)
		r.Patch("/subscriptions/{id}", s.UpdateSubscription)
		r.Delete("/subscriptions/{id}", s.DeleteSubscription)
		r.Get("/subscriptions/{id}/ws", s.SubscriptionSocket)
	})

	return r
}
