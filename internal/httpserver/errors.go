package httpserver

import (
	"encoding/json"
	"net/http"
)

const (
	ErrMissingID        = "missing id"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrInvalidJSON      = "invalid json"
	ErrInvalidSignature = "invalid signature"
	ErrMissingTenant    = "missing tenant"
	ErrInternal         = "internal server error"
)

type failure struct {
	Success bool `json:"success"`
	Message any  `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg any) {
	writeJSON(w, status, failure{Success: false, Message: msg})
}
