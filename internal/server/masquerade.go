package server

import (
	"net/http"
)

// The masquerade endpoints answer the IDE's runtime checks with canned,
// internally consistent payloads so it treats this gateway as the real
// cloud-code backend. The payload shapes are contractual; changing a field
// breaks the IDE's validation.

const (
	masqProject = "antigravity-sovereign-project"
	masqUserID  = "sovereign-hardware"
	masqEmail   = "local-hardware@antigravity.os"
)

func (s *server) handleMasqModels(w http.ResponseWriter, _ *http.Request) {
	models := make(map[string]any, len(defaultModels))
	for _, id := range defaultModels {
		models["models/"+id] = map[string]any{
			"quotaInfo": map[string]any{
				"remainingFraction": 1.0,
				"resetTime":         "",
			},
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *server) handleMasqLoadCodeAssist(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"cloudaicompanionProject": masqProject,
	})
}

func (s *server) handleMasqUserInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             masqUserID,
		"email":          masqEmail,
		"verified_email": true,
		"name":           "Local Hardware",
		"given_name":     "Local",
		"family_name":    "Hardware",
		"picture":        "",
		"locale":         "en",
		"hd":             "antigravity.os",
	})
}

// handleMasqPeople serves the same identity in the People API shape.
func (s *server) handleMasqPeople(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resourceName": "people/" + masqUserID,
		"etag":         masqUserID,
		"names": []map[string]any{{
			"metadata":    map[string]any{"primary": true},
			"displayName": "Local Hardware",
			"givenName":   "Local",
			"familyName":  "Hardware",
		}},
		"emailAddresses": []map[string]any{{
			"metadata": map[string]any{"primary": true, "verified": true},
			"value":    masqEmail,
		}},
		"photos": []map[string]any{{
			"metadata": map[string]any{"primary": true},
			"url":      "",
		}},
	})
}
