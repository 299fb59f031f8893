package server

import (
	"net/http"
	"sort"
	"time"
)

// defaultModels is the fallback catalogue when no account supplies one.
var defaultModels = []string{
	"gemini-3-pro-preview",
	"gemini-2.5-flash-thinking",
	"gemini-2.0-flash-exp",
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
	Local   bool   `json:"local,omitempty"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleListModels returns the active account's model catalogue: its
// selected_models when chosen, else its quota keys, else the builtin
// defaults, plus every model discovered on local providers.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if active := s.deps.Tokens.Active(); active != nil {
		if len(active.SelectedModels) > 0 {
			ids = append(ids, active.SelectedModels...)
		} else if active.Quota != nil && len(active.Quota.Models) > 0 {
			for id := range active.Quota.Models {
				ids = append(ids, id)
			}
			sort.Strings(ids)
		}
	}
	if len(ids) == 0 {
		ids = append(ids, defaultModels...)
	}

	now := time.Now().Unix()
	data := make([]modelEntry, 0, len(ids)+4)
	for _, id := range ids {
		data = append(data, modelEntry{ID: id, Object: "model", Created: now, OwnedBy: "system"})
	}

	if s.deps.LocalModels != nil {
		for _, id := range s.deps.LocalModels(r.Context()) {
			data = append(data, modelEntry{ID: id, Object: "model", Created: now, OwnedBy: "local", Local: true})
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}
