package server

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	goahttp "goa.design/goa/v3/http"

	"tracklens/internal/services"
	"tracklens/internal/sink"
)

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error string `json:"error"`
	ID    string `json:"id,omitempty"`
}

func (s *Server) encode(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := goahttp.ResponseEncoder(r.Context(), w).Encode(v); err != nil {
		s.logger.Warnf("[HTTP] Encoding response for %s: %v", r.URL.Path, err)
	}
}

// writeError maps service errors to status codes
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound     *services.NotFoundError
		badRequest   *services.BadRequestError
		unauthorized *services.UnauthorizedError
		forbidden    *services.ForbiddenError
		conflict     *services.ConflictError
	)
	switch {
	case errors.As(err, &notFound):
		s.encode(w, r, http.StatusNotFound, errorBody{Error: notFound.Message, ID: notFound.ID})
	case errors.As(err, &badRequest):
		s.encode(w, r, http.StatusBadRequest, errorBody{Error: badRequest.Error()})
	case errors.As(err, &unauthorized):
		s.encode(w, r, http.StatusUnauthorized, errorBody{Error: unauthorized.Message})
	case errors.As(err, &forbidden):
		s.encode(w, r, http.StatusForbidden, errorBody{Error: forbidden.Message, ID: forbidden.ID})
	case errors.As(err, &conflict):
		s.encode(w, r, http.StatusConflict, errorBody{Error: conflict.Message, ID: conflict.ID})
	default:
		s.logger.Errorf("[HTTP] %s %s: %v", r.Method, r.URL.Path, err)
		s.encode(w, r, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := goahttp.RequestDecoder(r).Decode(v); err != nil {
		return &services.BadRequestError{Message: "invalid request body", Details: strPtr(err.Error())}
	}
	return nil
}

func strPtr(s string) *string { return &s }

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := s.svc.Health.Check(r.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.encode(w, r, code, status)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Health.Readyz(r.Context()); err != nil {
		s.encode(w, r, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var payload services.LoginPayload
	if err := s.decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Auth.Login(r.Context(), &payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, res)
}

func (s *Server) authStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Auth.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, res)
}

func (s *Server) share(w http.ResponseWriter, r *http.Request) {
	var payload services.SharePayload
	if err := s.decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Auth.Share(r.Context(), &payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusCreated, res)
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Pipelines.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, res)
}

func (s *Server) startPipeline(w http.ResponseWriter, r *http.Request) {
	var payload services.StartPayload
	if err := s.decode(r, &payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Pipelines.Start(r.Context(), &payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusCreated, res)
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Pipelines.Get(r.Context(), s.mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, res)
}

func (s *Server) stopPipeline(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Pipelines.Stop(r.Context(), s.mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, res)
}

// stream returns the broadcaster of the request's pipeline, writing the
// error response itself when there is none the caller may watch
func (s *Server) stream(w http.ResponseWriter, r *http.Request) (*sink.MJPEGBroadcaster, bool) {
	id := s.mux.Vars(r)["id"]
	if err := services.AuthorizeView(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	b := s.svc.Streams.Get(id)
	if b == nil {
		s.writeError(w, r, &services.NotFoundError{Message: "Stream not found", ID: id})
		return nil, false
	}
	return b, true
}

func (s *Server) mjpeg(w http.ResponseWriter, r *http.Request) {
	if b, ok := s.stream(w, r); ok {
		b.ServeHTTP(w, r)
	}
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	if b, ok := s.stream(w, r); ok {
		b.ServeSnapshot(w, r)
	}
}

func (s *Server) tracks(w http.ResponseWriter, r *http.Request) {
	id := s.mux.Vars(r)["id"]
	if err := services.AuthorizeView(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.svc.Tracks.Serve(w, r, id)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	payload := &services.ListRunsPayload{}
	q := r.URL.Query()
	if p := q.Get("pipeline"); p != "" {
		payload.Pipeline = &p
	}
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			s.writeError(w, r, &services.BadRequestError{Message: fmt.Sprintf("invalid limit %q", l)})
			return
		}
		payload.Limit = limit
	}

	res, err := s.svc.Runs.List(r.Context(), payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, res)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Runs.Get(r.Context(), s.mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, res)
}

func (s *Server) artifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Runs.Artifact(r.Context(), s.mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(a.Path)))
	http.ServeFile(w, r, a.Path)
}
