// Package handlers contains the HTTP edge: the order intake webhook, SMS
// provider webhooks, interface-engine callbacks, and the admin read API.
// Handlers validate and translate; all domain decisions live in the engine.
package handlers

import (
	"encoding/json"
	"net/http"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
