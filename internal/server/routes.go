package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/healthz", s.healthz)
	r.Get("/assets/*", s.staticResource)

	r.Route("/webview/{handle}", func(r chi.Router) {
		r.Get("/", s.entry)
		r.Get("/main-resource", s.mainResource)
		r.Get("/bridge", s.bridge)
		r.Get("/*", s.staticResource)
	})
}
