package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "media-jobs-service/docs"
)

func Routes(h *Handler, log logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// after RequestID
	r.Use(RequestLogger(log))

	r.Get("/health", h.Health)
	r.Get("/languages", h.Languages)
	r.Get("/languages/pairs", h.LanguagePairs)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.CreateJob)
		r.Get("/", h.ListJobs)
		r.Get("/{id}", h.GetJob)
		r.Delete("/{id}", h.DeleteJob)
		r.Get("/{id}/result", h.GetJobResult)
		r.Post("/{id}/cancel", h.CancelJob)
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
