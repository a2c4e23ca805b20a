package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/mux"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "project": s.project.Name})
}

func (s *Server) handleListTerminals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.project.TerminalState())
}

func (s *Server) handleCreateTerminal(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusCreated, s.project.CreateTerminal())
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameTerminal(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := s.project.RenameTerminal(id, req.Name)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Info("terminal renamed", "id", sanitize(id), "name", sanitize(sess.Name))
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCloseTerminal(w http.ResponseWriter, r *http.Request) {
	st, err := s.project.CloseTerminal(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleActivateTerminal(w http.ResponseWriter, r *http.Request) {
	st, err := s.project.ActivateTerminal(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListLogs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"logs": append(s.project.Mux.Names(), mux.APICalls)})
}

// handleReadLog serves GET /logs/{log}?since=N. The derived apicalls view
// has no offsets and is served whole, as on /apicalls.
func (s *Server) handleReadLog(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "log") == mux.APICalls {
		s.handleAPICalls(w, r)
		return
	}
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	page, err := s.project.Mux.Since(chi.URLParam(r, "log"), since)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleClearLog(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "log")
	if err := s.project.ClearLog(name); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Info("log cleared", "log", sanitize(name))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPICalls(w http.ResponseWriter, _ *http.Request) {
	events, err := s.project.Mux.APICallsView()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.project.Agents.Agents()})
}

func (s *Server) handleProcesses(w http.ResponseWriter, _ *http.Request) {
	procs := []core.Process{}
	if s.processes != nil {
		procs = s.processes.Processes()
	}
	writeJSON(w, http.StatusOK, map[string]any{"processes": procs})
}
