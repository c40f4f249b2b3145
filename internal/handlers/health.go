package handlers

import (
	"net/http"

	"github.com/helmdeck/helmdeck/internal/database"
)

// Health reports process liveness and database reachability.
func Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	sqlDB, err := database.DB.DB()
	if err != nil || sqlDB.PingContext(r.Context()) != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{"status": status})
}
