package dashboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"github.com/signalnine/orruns/internal/api"
	"github.com/signalnine/orruns/internal/query"
	"github.com/signalnine/orruns/internal/report"
	"github.com/signalnine/orruns/internal/result"
	"go.uber.org/zap"
)

type page struct {
	Title       string
	Experiments []api.ExperimentSummary
	Body        template.HTML
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.logger.Warn("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, api.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, api.ErrInvalidPath), errors.Is(err, query.ErrUnknownOperator):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) render(w http.ResponseWriter, p page) {
	var buf bytes.Buffer
	if err := s.pages.Execute(&buf, p); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	exps, err := s.api.ListExperiments(api.ListOptions{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.render(w, page{Title: "orruns experiments", Experiments: exps})
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	opts := api.ListOptions{Pattern: r.URL.Query().Get("pattern")}
	if v := r.URL.Query().Get("last"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "last must be a non-negative integer", http.StatusBadRequest)
			return
		}
		opts.Last = n
	}
	exps, err := s.api.ListExperiments(opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, exps)
}

func (s *Server) handleExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.api.GetExperiment(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, exp)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.api.GetRun(r.PathValue("name"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, run)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	idx, err := s.api.GetArtifacts(r.PathValue("name"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, idx)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	kind, ok := result.ParseArtifactKind(r.PathValue("kind"))
	if !ok {
		http.Error(w, "unknown artifact kind", http.StatusBadRequest)
		return
	}
	path, err := s.api.GetArtifactPath(r.PathValue("name"), r.PathValue("id"), r.PathValue("file"), kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleMerged(w http.ResponseWriter, r *http.Request) {
	m, err := s.api.GetMerged(r.PathValue("name"), r.PathValue("merge"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, m)
}

// handleReport renders the experiment report as HTML (default), markdown
// or JSON, chosen by ?format=.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rep, err := report.Build(s.api, name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch format := r.URL.Query().Get("format"); format {
	case "json":
		s.writeJSON(w, rep)
	case "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_ = report.WriteMarkdown(rep, w)
	case "", "html":
		var md, out bytes.Buffer
		if err := report.WriteMarkdown(rep, &md); err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.md.Convert(md.Bytes(), &out); err != nil {
			s.writeError(w, err)
			return
		}
		s.render(w, page{Title: name, Body: template.HTML(out.String())})
	default:
		http.Error(w, "format must be html, markdown or json", http.StatusBadRequest)
	}
}

// handleQuery accepts repeated ?param= and ?metric= expressions such as
// population_size__gt=30 and an optional ?experiment= name or glob.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := api.Query{Experiment: r.URL.Query().Get("experiment")}
	var err error
	if q.ParamFilters, err = query.ParseExprs(r.URL.Query()["param"]); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if q.MetricFilters, err = query.ParseExprs(r.URL.Query()["metric"]); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runs, err := s.api.QueryExperiments(q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, runs)
}
