package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/poller"
)

func (s *Server) listSourcesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := s.repo.ListSources(r.Context())
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		responses := make([]SourceResponse, len(sources))
		for i, src := range sources {
			responses[i] = sourceToResponse(src)
		}
		writeJSON(w, responses)
	}
}

func (s *Server) addSourceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SourceRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		src, err := sourceFromRequest(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		now := time.Now()
		src.CreatedAt, src.UpdatedAt = now, now

		if err := s.repo.CreateSource(r.Context(), src); err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, sourceToResponse(src))
	}
}

func sourceFromRequest(req SourceRequest) (*domain.MonitoredSource, error) {
	ref, err := domain.ParseSourceRef(req.Repo)
	if err != nil {
		return nil, err
	}
	src := &domain.MonitoredSource{
		Ref:           ref,
		Schedule:      req.Schedule,
		Labels:        req.Labels,
		Enabled:       req.Enabled == nil || *req.Enabled,
		MaxIterations: req.MaxIterations,
		CredentialRef: req.CredentialRef,
	}
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid interval %q", req.Interval)
		}
		src.Interval = d
	}
	if req.MaxIterations < 0 || req.MaxIterations > domain.MaxIterationsLimit {
		return nil, fmt.Errorf("max_iterations must be within 1..%d", domain.MaxIterationsLimit)
	}
	if _, err := poller.ParseSchedule(src, time.Minute); err != nil {
		return nil, err
	}
	return src, nil
}

func (s *Server) sourceRef(w http.ResponseWriter, r *http.Request) (domain.SourceRef, bool) {
	ref, err := domain.ParseSourceRef(r.PathValue("owner") + "/" + r.PathValue("repo"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return domain.SourceRef{}, false
	}
	return ref, true
}

func (s *Server) getSourceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := s.sourceRef(w, r)
		if !ok {
			return
		}
		src, _, err := s.repo.GetSource(r.Context(), ref)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, sourceToResponse(src))
	}
}

func (s *Server) removeSourceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := s.sourceRef(w, r)
		if !ok {
			return
		}
		if err := s.repo.DeleteSource(r.Context(), ref); err != nil {
			s.writeErr(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) pollSourceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, ok := s.sourceRef(w, r)
		if !ok {
			return
		}
		res, err := s.scheduler.PollNow(r.Context(), ref)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, res)
	}
}

func (s *Server) schedulerStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.scheduler.Status(r.Context())
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, st)
	}
}

func (s *Server) schedulerStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.scheduler.Start(s.base); err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, poller.Status{Running: true})
	}
}

func (s *Server) schedulerStopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.scheduler.Stop()
		writeJSON(w, poller.Status{Running: false})
	}
}
