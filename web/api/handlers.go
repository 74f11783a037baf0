package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/hochfrequenz/issue-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

func (s *Server) listTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := taskstore.ListOptions{
			Phase:  domain.Phase(q.Get("phase")),
			Source: q.Get("source"),
		}
		if v := q.Get("active"); v != "" {
			active, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "active must be a boolean")
				return
			}
			opts.ActiveOnly = active
		}

		tasks, err := s.coord.ListTasks(r.Context(), opts)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}

		responses := make([]TaskResponse, len(tasks))
		for i, t := range tasks {
			responses[i] = taskToResponse(t)
		}
		writeJSON(w, responses)
	}
}

func (s *Server) createTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateTaskRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		ref, err := domain.ParseWorkItemRef(req.WorkItem)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		task, created, err := s.coord.CreateTask(r.Context(), ref, coordinator.CreateOptions{MaxIterations: req.MaxIterations})
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		code := http.StatusOK
		if created {
			code = http.StatusCreated
		}
		writeJSONStatus(w, code, CreateTaskResponse{Task: taskToResponse(task), Created: created})
	}
}

func (s *Server) getTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.coord.GetTask(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, taskToResponse(task))
	}
}

func (s *Server) deleteTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.coord.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
			s.writeErr(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) cancelTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.coord.CancelTask(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		code := http.StatusAccepted
		if res == coordinator.CancelAlreadyTerminal {
			code = http.StatusOK
		}
		writeJSONStatus(w, code, CancelResponse{Result: string(res)})
	}
}

func (s *Server) retryTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.coord.RetryTask(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, taskToResponse(task))
	}
}

func (s *Server) iterationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.coord.GetTask(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		iterations := task.Iterations
		if iterations == nil {
			iterations = []domain.IterationRecord{}
		}
		writeJSON(w, iterations)
	}
}

// artifactHandler returns the change set reviewed in ?iteration=N, or the
// latest candidate when no iteration is given
func (s *Server) artifactHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.coord.GetTask(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}

		ref, err := artifactRef(task, r.URL.Query().Get("iteration"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if ref == "" {
			writeError(w, http.StatusNotFound, "task has no artifact yet")
			return
		}

		cs, err := s.coord.Artifact(r.Context(), ref)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, cs)
	}
}

func artifactRef(task *domain.Task, iteration string) (string, error) {
	if iteration == "" {
		if task.Candidate != "" {
			return task.Candidate, nil
		}
		if last := task.LastIteration(); last != nil {
			return last.ArtifactRef, nil
		}
		return "", nil
	}
	n, err := strconv.Atoi(iteration)
	if err != nil || n < 1 {
		return "", errors.New("iteration must be a positive number")
	}
	if n > len(task.Iterations) {
		return "", fmt.Errorf("task has %d iterations", len(task.Iterations))
	}
	return task.Iterations[n-1].ArtifactRef, nil
}

func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.coord.Stats(r.Context())
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, stats)
	}
}
