package web

import (
	"encoding/json"
	"errors"
	"net/http"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
)

func sendResponse(w http.ResponseWriter, payload any) {
	sendStatusResponse(w, http.StatusOK, payload)
}

func sendStatusResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sendErrorResponse(w http.ResponseWriter, status int, message string) {
	sendStatusResponse(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

// sendPipelineError maps the error taxonomy onto HTTP statuses.
func sendPipelineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledgerbox.ErrPipelineBusy):
		status = http.StatusConflict
	case errors.Is(err, ledgerbox.ErrFileNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledgerbox.ErrInvalidArchiveFormat),
		errors.Is(err, ledgerbox.ErrDecompressionFailed),
		errors.Is(err, ledgerbox.ErrVersionIncompatible):
		status = http.StatusUnprocessableEntity
	}
	sendErrorResponse(w, status, ledgerbox.UserMessage(err))
}
