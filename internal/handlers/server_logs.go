package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/helmdeck/helmdeck/internal/logging"
)

const defaultLogLines = 500

// GetServerLogs returns the last n lines of the server log file.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		if parsed > 10000 {
			parsed = 10000
		}
		n = parsed
	}

	content, err := logging.ReadTail(n)
	if err != nil {
		log.Printf("Failed to read server logs: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to read server logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

// ClearServerLogs truncates the server log file.
func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		log.Printf("Failed to clear server logs: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to clear server logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
