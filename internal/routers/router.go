package routers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"codelab/internal/api"
	"codelab/internal/middleware"
	"codelab/internal/models"
	"codelab/internal/session"
)

// New builds the route table: the websocket gateway, the session CRUD
// surface behind JWT auth, and health.
func New(h *api.Handlers, gw *session.Gateway, jwtSecret, clientOrigin string) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{clientOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Get("/ws", gw.HandleWS)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Use(middleware.Auth(jwtSecret))

		r.Post("/create", h.CreateSession)
		r.Get("/user-sessions", h.GetUserSessions)
		r.With(middleware.RequireRole(models.RoleTeachingAssistant)).
			Get("/all-raised-hands", h.GetAllRaisedHands)

		r.Post("/join/{roomId}", h.JoinSession)
		r.Get("/history/{roomId}", h.SessionHistory)
		r.Post("/end/{roomId}", h.EndSession)
		r.Delete("/{roomId}", h.DeleteSession)
		r.Put("/code/{roomId}", h.SaveCode)
		r.Put("/language/{roomId}", h.UpdateLanguage)
		r.Get("/participants/{roomId}", h.GetParticipants)
		r.Post("/leave/{roomId}", h.LeaveSession)
		r.Post("/raise-hand/{roomId}", h.RaiseHand)
		r.Post("/lower-hand/{roomId}", h.LowerHand)
		r.Get("/raised-hands/{roomId}", h.GetRaisedHands)
	})

	return r
}
