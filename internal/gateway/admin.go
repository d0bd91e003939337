package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/EduMMorenolp/argenteia/internal/config"
	"github.com/EduMMorenolp/argenteia/internal/experts"
)

// Management endpoints for expert profiles and runtime model entries.
// They back the settings UI; without a profile store every route reports
// not-found.

func (s *Server) handleListExperts(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "expert management not available"}, s.logger)
		return
	}
	list := s.profiles.ListProfiles()
	if list == nil {
		list = []*experts.Profile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"experts": list}, s.logger)
}

func (s *Server) handleSaveExpert(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "expert management not available"}, s.logger)
		return
	}
	var p experts.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid profile body"}, s.logger)
		return
	}
	if err := s.profiles.SaveProfile(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, s.logger)
		return
	}
	s.logger.Info("expert profile saved", "name", p.Name)
	writeJSON(w, http.StatusOK, &p, s.logger)
}

func (s *Server) handleDeleteExpert(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "expert management not available"}, s.logger)
		return
	}
	name := r.PathValue("name")
	if err := s.profiles.DeleteProfile(name); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, experts.ErrProfileNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()}, s.logger)
		return
	}
	s.logger.Info("expert profile deleted", "name", name)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name}, s.logger)
}

// modelEntryBody is the wire shape for runtime model credentials.
type modelEntryBody struct {
	Name    string `json:"name"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

func (s *Server) handleSaveModelEntry(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "model management not available"}, s.logger)
		return
	}
	var body modelEntryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid model entry body"}, s.logger)
		return
	}
	entry := config.ModelEntry{Name: body.Name, APIKey: body.APIKey, BaseURL: body.BaseURL}
	if err := s.profiles.SaveModelEntry(entry); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, s.logger)
		return
	}
	s.logger.Info("model entry saved", "model", body.Name)
	writeJSON(w, http.StatusOK, map[string]string{"saved": body.Name}, s.logger)
}

func (s *Server) handleDeleteModelEntry(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "model management not available"}, s.logger)
		return
	}
	name := r.PathValue("name")
	if err := s.profiles.DeleteModelEntry(name); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, s.logger)
		return
	}
	s.logger.Info("model entry deleted", "model", name)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name}, s.logger)
}
