package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/modoterra/switchyard/pkg/frame"
	"github.com/modoterra/switchyard/pkg/scaffold"
)

// handleScaffoldRun streams a scaffold run as server-sent events. A client
// that goes away cancels the run.
func (s *Server) handleScaffoldRun(w http.ResponseWriter, r *http.Request) {
	if s.scaffold == nil {
		writeError(w, http.StatusServiceUnavailable, "scaffolding is disabled")
		return
	}
	var req scaffold.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Info("scaffold run", "template", sanitize(req.Template), "target", sanitize(req.TargetPath))

	err := s.scaffold.Run(r.Context(), req, func(ev frame.Event) error {
		data, err := frame.Encode(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		s.logger.Warn("scaffold stream ended", "err", err)
	}
}
