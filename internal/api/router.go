package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", PingHandler)

	r.Route("/videos", func(r chi.Router) {
		r.Post("/upload", app.UploadVideoHandler)
		r.Get("/", app.ListVideosHandler)
		r.Get("/{id}", app.GetVideoHandler)
		r.Get("/{id}/stream", app.StreamVideoHandler)
		r.Options("/{id}/stream", app.StreamVideoOptionsHandler)
		r.Delete("/{id}", app.DeleteVideoHandler)
	})

	r.Post("/inference/predict", app.PredictHandler)
	r.Get("/predictions/{videoId}", app.PredictionHistoryHandler)

	r.Route("/models", func(r chi.Router) {
		r.Post("/load", app.LoadModelHandler)
		r.Get("/status", app.ModelStatusHandler)
	})

	r.Route("/realtime", func(r chi.Router) {
		r.Get("/status", app.RealtimeStatusHandler)
		r.Post("/reconnect", app.RealtimeReconnectHandler)
	})

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", app.ListAlertsHandler)
		r.Post("/{id}/dismiss", app.DismissAlertHandler)
	})

	return r
}
