package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"cellnode/internal/automation"
)

// inlineScriptID runs the posted code without saving it.
const inlineScriptID = "_inline"

// scriptView is a script as the API returns it.
type scriptView struct {
	*automation.Script
	Running   bool   `json:"running"`
	LoadError string `json:"load_error,omitempty"`
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) view(sc *automation.Script, running []string) scriptView {
	return scriptView{Script: sc, Running: slices.Contains(running, sc.ID)}
}

func (s *Server) running() []string {
	if s.autoEngine == nil {
		return nil
	}
	return s.autoEngine.Running()
}

// scriptsAvailable writes 503 and returns false when automation is not
// configured.
func (s *Server) scriptsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automations not available")
		return false
	}
	return true
}

func (s *Server) lookupScript(w http.ResponseWriter, id string) (*automation.Script, bool) {
	sc, err := s.scriptMgr.Get(id)
	switch {
	case errors.Is(err, automation.ErrInvalidID):
		s.writeError(w, http.StatusBadRequest, "invalid script id")
		return nil, false
	case err != nil:
		s.writeError(w, http.StatusNotFound, "script not found")
		return nil, false
	}
	return sc, true
}

func (s *Server) decodeScript(w http.ResponseWriter, r *http.Request) (*saveAutomationRequest, bool) {
	var req saveAutomationRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return nil, false
	}
	return &req, true
}

// activate starts or stops the script's VM to match its enabled flag and
// returns the load error, if any.
func (s *Server) activate(sc *automation.Script) scriptView {
	v := scriptView{Script: sc}
	if s.autoEngine == nil {
		return v
	}
	if !sc.Meta.Enabled {
		s.autoEngine.StopScript(sc.ID)
		return v
	}
	if err := s.autoEngine.ReloadScript(sc.ID); err != nil {
		s.logger.Warn("script load failed", "id", sc.ID, "err", err)
		v.LoadError = err.Error()
		return v
	}
	v.Running = true
	return v
}

func (s *Server) save(w http.ResponseWriter, sc *automation.Script, status int) {
	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		if errors.Is(err, automation.ErrInvalidID) {
			s.writeError(w, http.StatusBadRequest, "invalid script id")
			return
		}
		s.logger.Error("save script", "id", sc.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, status, s.activate(saved))
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []scriptView{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	running := s.running()
	views := make([]scriptView, 0, len(scripts))
	for _, sc := range scripts {
		views = append(views, s.view(sc, running))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	if sc, ok := s.lookupScript(w, r.PathValue("id")); ok {
		s.writeJSON(w, http.StatusOK, s.view(sc, s.running()))
	}
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	s.save(w, &automation.Script{
		Meta:    automation.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled},
		LuaCode: req.LuaCode,
	}, http.StatusCreated)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	existing, ok := s.lookupScript(w, r.PathValue("id"))
	if !ok {
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	existing.Meta = automation.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled}
	existing.LuaCode = req.LuaCode
	s.save(w, existing, http.StatusOK)
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	sc, ok := s.lookupScript(w, r.PathValue("id"))
	if !ok {
		return
	}
	sc.Meta.Enabled = !sc.Meta.Enabled
	s.save(w, sc, http.StatusOK)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		if errors.Is(err, automation.ErrInvalidID) {
			s.writeError(w, http.StatusBadRequest, "invalid script id")
			return
		}
		s.logger.Error("delete script", "id", id, "err", err)
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automation engine not available")
		return
	}

	id := r.PathValue("id")
	if id != inlineScriptID {
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
		return
	}
	var req struct {
		LuaCode string `json:"lua_code"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
}
