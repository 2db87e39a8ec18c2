package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
)

// WriteJSON encodes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// StatusFor maps domain errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, appErrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, appErrors.ErrInvalidTransition),
		errors.Is(err, appErrors.ErrAlreadyFinalized),
		errors.Is(err, appErrors.ErrDuplicateRecipient):
		return http.StatusConflict
	case errors.Is(err, appErrors.ErrValidation), errors.Is(err, appErrors.ErrRenderFailed):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// WriteError writes {"error": "..."} with the mapped status.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), map[string]string{"error": err.Error()})
}

// CampaignID parses the {id} route parameter.
func CampaignID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		return 0, appErrors.Validation("invalid campaign id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
