package web

import (
	"errors"
	"net/http"

	"cellnode/internal/node"
)

// apiSource marks requests queued through the HTTP API.
const apiSource = "api"

var otaActions = map[string]bool{
	node.ActionCheck:    true,
	node.ActionDownload: true,
	node.ActionVerify:   true,
	node.ActionApply:    true,
	node.ActionUpdate:   true,
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleAPIOTA(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Status().OTA)
}

func (s *Server) handleAPIOTAAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	if !otaActions[action] {
		s.writeError(w, http.StatusBadRequest, "unknown ota action")
		return
	}
	s.runAction(w, r, action)
}

func (s *Server) handleAPITimeSync(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, node.ActionSyncTime)
}

// runAction queues action on the node. With ?wait=1 it runs the action in
// the request and answers with the resulting status.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, action string) {
	if r.URL.Query().Get("wait") == "1" {
		if err := s.node.Do(r.Context(), action); err != nil {
			s.logger.Warn("api action failed", "action", action, "err", err)
			s.writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "status": s.node.Status()})
			return
		}
		s.writeJSON(w, http.StatusOK, s.node.Status())
		return
	}

	err := s.node.Trigger(action, apiSource)
	switch {
	case errors.Is(err, node.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, "request queue full")
	case errors.Is(err, node.ErrUnknownAction):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("trigger", "action", action, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "action": action})
	}
}
