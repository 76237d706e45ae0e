// Package routes wires handlers and middleware into the HTTP router.
package routes

import (
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/Brokenbass90/by-bot/internal/api/handlers"
	"github.com/Brokenbass90/by-bot/internal/api/middleware"
)

// New builds the API router.
func New(h *handlers.PositionHandler, accessLogger *zerolog.Logger) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Recovery)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(middleware.LoggingConfig{
		AccessLogger: accessLogger,
		SkipPaths:    []string{"/health"},
	}))

	r.HandleFunc("/health", h.Health).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/positions", h.List).Methods("GET")
	api.HandleFunc("/positions/{id}", h.Get).Methods("GET")
	api.HandleFunc("/positions/{id}/events", h.Events).Methods("GET")
	api.HandleFunc("/positions/{id}/close", h.Close).Methods("POST")

	return r
}
