package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"sharecal/internal/common"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errorType, message string) {
	writeJSON(w, code, errorResponse{Error: errorType, Message: message})
}

// handleError maps application errors to HTTP responses.
func handleError(w http.ResponseWriter, err error) {
	switch kind := common.KindOf(err); {
	case errors.Is(err, common.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, common.ErrConflict):
		writeError(w, http.StatusConflict, "Conflict", err.Error())
	case kind == common.KindValidation:
		writeError(w, http.StatusBadRequest, string(kind), common.Message(err))
	case kind == common.KindInvalidToken:
		writeError(w, http.StatusNotFound, string(kind), common.Message(err))
	case kind == common.KindDispatch:
		writeError(w, http.StatusBadGateway, string(kind), common.Message(err))
	default:
		// Internal details stay in the log.
		log.Error().Err(err).Msg("unexpected error in handler")
		writeError(w, http.StatusInternalServerError, "InternalServerError", "an internal error occurred")
	}
}
