package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the inspection router.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Reads are open.
		r.Get("/health", h.Health)
		r.Get("/realtime", h.RealtimeStatus)
		r.Get("/problems", h.ListProblems)
		r.Get("/problems/stats", h.ProblemStats)
		r.Get("/problems/{id}", h.GetProblem)
		r.Get("/problems/{id}/comments", h.ListComments)
		r.Get("/profile", h.Profile)
		r.Get("/profile/achievements", h.Achievements)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.authToken))
			r.Post("/realtime/refresh", h.RefreshRealtime)
			r.Post("/problems", h.ReportProblem)
			r.Post("/problems/{id}/status", h.ChangeStatus)
			r.Post("/problems/{id}/comments", h.AddComment)
			r.Patch("/comments/{id}", h.UpdateComment)
			r.Delete("/comments/{id}", h.DeleteComment)
			r.Post("/problems/{id}/upvote", h.AddUpvote)
			r.Delete("/problems/{id}/upvote", h.RemoveUpvote)
			r.Post("/profile/checkin", h.CheckIn)
			r.Post("/profile/achievements/check", h.CheckAchievements)
		})
	})

	return r
}
