package server

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// accountView is an account with its token material redacted.
type accountView struct {
	ID             string   `json:"id"`
	Provider       string   `json:"provider"`
	Email          string   `json:"email"`
	Name           string   `json:"name,omitempty"`
	Status         string   `json:"status"`
	IsActive       bool     `json:"is_active"`
	LastUsed       int64    `json:"last_used"`
	SelectedModels []string `json:"selected_models,omitempty"`
	QuotaAvg       float64  `json:"quota_avg"`
}

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Store.List(r.Context())
	if err != nil {
		writeJSON(w, errorStatus(err), openaiError("list accounts failed", "server_error"))
		return
	}

	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, accountView{
			ID:             a.ID,
			Provider:       a.Provider,
			Email:          a.Email,
			Name:           a.Name,
			Status:         a.Status,
			IsActive:       a.IsActive,
			LastUsed:       a.LastUsed,
			SelectedModels: a.SelectedModels,
			QuotaAvg:       a.Quota.AvgPercent(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": views})
}

func (s *server) handleActivateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.SetActive(r.Context(), id); err != nil {
		writeJSON(w, errorStatus(err), openaiError("activate failed", openaiErrorType(errorStatus(err))))
		return
	}
	if err := s.deps.Tokens.Load(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, openaiError("reload failed", "server_error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.Remove(r.Context(), id); err != nil {
		writeJSON(w, errorStatus(err), openaiError("remove failed", openaiErrorType(errorStatus(err))))
		return
	}
	if err := s.deps.Tokens.Load(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, openaiError("reload failed", "server_error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleForcePoll(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Monitor == nil {
		writeJSON(w, http.StatusNotFound, openaiError("monitor disabled", "invalid_request_error"))
		return
	}
	s.deps.Monitor.ForcePoll()
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handlePurgeCache(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeJSON(w, http.StatusNotFound, openaiError("cache disabled", "invalid_request_error"))
		return
	}
	if err := s.deps.Cache.Purge(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, openaiError("purge failed", "server_error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := s.deps.Store.GetSetting(r.Context(), key, "")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, openaiError("read setting failed", "server_error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openaiError("read body failed", "invalid_request_error"))
		return
	}
	if err := s.deps.Store.SetSetting(r.Context(), key, string(value)); err != nil {
		writeJSON(w, http.StatusInternalServerError, openaiError("write setting failed", "server_error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
