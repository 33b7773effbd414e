// Package api exposes one engine session over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/san-kum/beamline/internal/backend"
	"github.com/san-kum/beamline/internal/command"
	"github.com/san-kum/beamline/internal/lattice"
	"github.com/san-kum/beamline/internal/session"
	"github.com/san-kum/beamline/internal/storage"
)

type Server struct {
	s      *session.Session
	store  *storage.Store
	logger *slog.Logger
}

// New returns a server over s. store may be nil, in which case analysis
// results cannot be saved and the run endpoints are not mounted.
func New(s *session.Session, store *storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{s: s, store: store, logger: logger}
}

func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(srv.logRequests)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/version", srv.handleVersion)
	r.Get("/evaluate", srv.handleEvaluate)
	r.Post("/input", srv.handleInput)

	r.Get("/active", srv.handleGetActive)
	r.Put("/active", srv.handleSetActive)

	r.Route("/sequences", func(r chi.Router) {
		r.Get("/", srv.handleSequences)
		r.Get("/{name}", srv.handleSequence)
		r.Get("/{name}/elements", srv.handleElements)
		r.Post("/{name}/twiss", srv.handleTwiss)
		r.Post("/{name}/survey", srv.handleSurvey)
	})

	if srv.store != nil {
		r.Get("/runs", srv.handleRuns)
		r.Get("/runs/{id}", srv.handleRun)
	}
	return r
}

func (srv *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		srv.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	var (
		cmdErr  *backend.CommandError
		evalErr *backend.EvaluationError
		preErr  *backend.PreconditionError
	)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &cmdErr):
		return http.StatusBadRequest
	case errors.As(err, &preErr):
		return http.StatusConflict
	case errors.As(err, &evalErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, backend.ErrStopped), errors.Is(err, backend.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code >= 500 {
		srv.logger.Error("request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (srv *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	v, err := srv.s.Version()
	if err != nil {
		srv.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (srv *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("expr")
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expr required"})
		return
	}
	v, err := srv.s.Evaluate(expr)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expr": expr, "value": v})
}

func (srv *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text required"})
		return
	}
	if err := srv.s.Execute(req.Text); err != nil {
		srv.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (srv *Server) handleGetActive(w http.ResponseWriter, _ *http.Request) {
	name, err := srv.s.Registry().Active()
	if err != nil {
		srv.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (srv *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name required"})
		return
	}
	if err := srv.s.Registry().SetActive(req.Name); err != nil {
		srv.writeError(w, err)
		return
	}
	srv.handleGetActive(w, r)
}

func (srv *Server) handleSequences(w http.ResponseWriter, _ *http.Request) {
	names, err := srv.s.Registry().Names()
	if err != nil {
		srv.writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"sequences": names})
}

type sequenceJSON struct {
	Name    string  `json:"name"`
	Length  float64 `json:"length"`
	Refer   string  `json:"refer"`
	HasBeam bool    `json:"has_beam"`
	Active  bool    `json:"active"`
}

func (srv *Server) handleSequence(w http.ResponseWriter, r *http.Request) {
	reg := srv.s.Registry()
	seq, err := reg.Sequence(chi.URLParam(r, "name"))
	if err != nil {
		srv.writeError(w, err)
		return
	}
	out := sequenceJSON{Name: seq.Name()}
	if out.Length, err = seq.Length(); err != nil {
		srv.writeError(w, err)
		return
	}
	refer, err := seq.Refer()
	if err != nil {
		srv.writeError(w, err)
		return
	}
	out.Refer = string(refer)
	if out.HasBeam, err = seq.HasBeam(); err != nil {
		srv.writeError(w, err)
		return
	}
	active, err := reg.Active()
	if err != nil {
		srv.writeError(w, err)
		return
	}
	out.Active = active == seq.Name()
	writeJSON(w, http.StatusOK, out)
}

type attrJSON struct {
	Expr  string   `json:"expr,omitempty"`
	Value *float64 `json:"value,omitempty"`
	Error string   `json:"error,omitempty"`
}

type elementJSON struct {
	ID    string              `json:"id"`
	Name  string              `json:"name"`
	Type  string              `json:"type"`
	Attrs map[string]attrJSON `json:"attrs"`
}

func attrOf(v lattice.Value) attrJSON {
	var a attrJSON
	if v.IsDeferred() {
		a.Expr = v.Expr()
	}
	f, err := v.Float()
	if err != nil {
		a.Error = err.Error()
		return a
	}
	a.Value = &f
	return a
}

func (srv *Server) handleElements(w http.ResponseWriter, r *http.Request) {
	seq, err := srv.s.Registry().Sequence(chi.URLParam(r, "name"))
	if err != nil {
		srv.writeError(w, err)
		return
	}
	elems, err := seq.Elements()
	if err != nil {
		srv.writeError(w, err)
		return
	}
	out := make([]elementJSON, 0, len(elems))
	for _, e := range elems {
		ej := elementJSON{ID: e.ID(), Name: e.Name, Type: e.Type, Attrs: map[string]attrJSON{}}
		for _, name := range e.Attrs() {
			v, _ := e.Attr(name)
			ej.Attrs[name] = attrOf(v)
		}
		out = append(out, ej)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequence": seq.Name(), "elements": out})
}

type analysisRequest struct {
	Init    map[string]float64 `json:"init"`
	Columns []string           `json:"columns"`
	Range   struct {
		First string `json:"first"`
		Last  string `json:"last"`
	} `json:"range"`
	Save bool `json:"save"`
}

type tableJSON struct {
	Name    string               `json:"name"`
	Columns map[string][]float64 `json:"columns"`
	Order   []string             `json:"order"`
	Names   []string             `json:"names,omitempty"`
	Summary map[string]float64   `json:"summary"`
	RunID   string               `json:"run_id,omitempty"`
}

func tableOf(t *lattice.Table) tableJSON {
	out := tableJSON{
		Name:    t.Name(),
		Columns: map[string][]float64{},
		Order:   t.Columns(),
		Names:   t.Names(),
		Summary: t.Summary(),
	}
	for _, c := range out.Order {
		out.Columns[c], _ = t.Column(c)
	}
	return out
}

func (srv *Server) decodeAnalysis(w http.ResponseWriter, r *http.Request) (analysisRequest, bool) {
	var req analysisRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return req, false
		}
	}
	if req.Save && srv.store == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no run storage configured"})
		return req, false
	}
	return req, true
}

func (srv *Server) respondTable(w http.ResponseWriter, kind, sequence string, req analysisRequest, t *lattice.Table) {
	out := tableOf(t)
	if req.Save {
		id, err := srv.store.Save(storage.Run{Kind: kind, Sequence: sequence, Init: req.Init, Table: t})
		if err != nil {
			srv.writeError(w, err)
			return
		}
		out.RunID = id
	}
	writeJSON(w, http.StatusOK, out)
}

func (srv *Server) handleTwiss(w http.ResponseWriter, r *http.Request) {
	req, ok := srv.decodeAnalysis(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	t, err := srv.s.Twiss(name, session.TwissOptions{
		Init:    req.Init,
		Columns: req.Columns,
		Range:   command.Range{First: req.Range.First, Last: req.Range.Last},
	})
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.respondTable(w, "twiss", name, req, t)
}

func (srv *Server) handleSurvey(w http.ResponseWriter, r *http.Request) {
	req, ok := srv.decodeAnalysis(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	t, err := srv.s.Survey(name, session.SurveyOptions{Init: req.Init, Columns: req.Columns})
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.respondTable(w, "survey", name, req, t)
}

func (srv *Server) handleRuns(w http.ResponseWriter, _ *http.Request) {
	runs, err := srv.store.List()
	if err != nil {
		srv.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (srv *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := srv.store.Load(id); err != nil {
		srv.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := srv.store.ExportJSON(w, id); err != nil {
		srv.logger.Error("exporting run", "run", id, "error", err)
	}
}
