package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/abdulrahman305/jetbrains/internal/resource"
)

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// entry redirects to the current main page of a webview.
func (s *Server) entry(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	page, err := s.mainPage(r.Context(), handle)
	if err != nil {
		writeResourceError(w, err)
		return
	}
	http.Redirect(w, r, page.URL(s.Origin(handle)), http.StatusTemporaryRedirect)
}

// mainResource serves the generated bootstrap page. A request that races
// the webview's creation waits for it.
func (s *Server) mainResource(w http.ResponseWriter, r *http.Request) {
	page, err := s.mainPage(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		writeResourceError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	s.writeStream(w, r, page.Stream(s.config.BufferSize), "text/html; charset=utf-8")
}

func (s *Server) mainPage(ctx context.Context, handle string) (*resource.MainPage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.CreateWait)
	defer cancel()
	return s.webviews.MainPage(ctx, handle)
}

// staticResource serves a file below the resource root. The handle only
// selects the origin; every webview shares the same assets.
func (s *Server) staticResource(w http.ResponseWriter, r *http.Request) {
	p := chi.URLParam(r, "*")
	st, err := s.resources.Open(r.Context(), p)
	if err != nil {
		writeResourceError(w, err)
		return
	}
	s.writeStream(w, r, st, resource.ContentType(p))
}

// writeStream copies st to w chunk by chunk. Errors before the first byte
// become error responses; later ones abort the response.
func (s *Server) writeStream(w http.ResponseWriter, r *http.Request, st *resource.Stream, contentType string) {
	defer st.Close()
	ctx := r.Context()

	if err := st.Ready(ctx); err != nil {
		writeResourceError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(st.ContentLength(), 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	for {
		chunk, err := st.Next(ctx, 0)
		if len(chunk) > 0 {
			if _, werr := w.Write(chunk); werr != nil {
				s.log.Debug().Err(werr).Str("resource", st.Name()).Msg("client went away")
				return
			}
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Str("resource", st.Name()).Msg("resource stream failed")
			panic(http.ErrAbortHandler)
		}
	}
}
