package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/spaceai-approvals/internal/domain"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor сопоставляет таксономию ошибок домена с HTTP кодами.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidToken):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError отдает {error}. Для 5xx детали остаются в логах, клиент видит только класс ошибки.
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = domain.ErrUpstream.Error()
	}
	writeJSON(w, code, errorBody{Error: msg})
}
