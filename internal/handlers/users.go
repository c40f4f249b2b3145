package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/helmdeck/helmdeck/internal/auth"
	"github.com/helmdeck/helmdeck/internal/database"
	"github.com/helmdeck/helmdeck/internal/middleware"
)

func ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := database.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	type userResponse struct {
		ID         uint   `json:"id"`
		Username   string `json:"username"`
		Role       string `json:"role"`
		PolicyKind string `json:"policy_kind"`
		CreatedAt  string `json:"created_at"`
	}
	result := make([]userResponse, 0, len(users))
	for _, u := range users {
		result = append(result, userResponse{
			ID:         u.ID,
			Username:   u.Username,
			Role:       u.Role,
			PolicyKind: u.PolicyKind,
			CreatedAt:  formatTimestamp(u.CreatedAt),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

func CreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	if body.Role == "" {
		body.Role = "user"
	}
	if body.Role != "admin" && body.Role != "user" {
		writeError(w, http.StatusBadRequest, "Role must be 'admin' or 'user'")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	user := &database.User{
		Username:     body.Username,
		PasswordHash: hash,
		Role:         body.Role,
		PolicyKind:   database.PolicySpecific,
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusConflict, "Username already exists")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

func DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	currentUser := middleware.GetUser(r)
	if currentUser != nil && currentUser.ID == uint(id) {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}

	if err := database.DeleteUser(uint(id)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}

	SessionStore.DeleteByUserID(uint(id))

	w.WriteHeader(http.StatusNoContent)
}

// GetUserPolicy returns a user's policy kind and, for "specific", the
// endpoint id set. An empty set is reported as-is so the UI can show a
// "specific but empty" policy distinctly from "none".
func GetUserPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	user, err := database.GetUserByID(uint(id))
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	endpointIDs, err := database.GetUserEndpoints(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load policy")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":         user.PolicyKind,
		"endpoint_ids": endpointIDs,
	})
}

func SetUserPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var body struct {
		Kind        string   `json:"kind"`
		EndpointIDs []string `json:"endpoint_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch body.Kind {
	case database.PolicyAll, database.PolicyNone, database.PolicySpecific:
	default:
		writeError(w, http.StatusBadRequest, "Policy kind must be 'all', 'none' or 'specific'")
		return
	}

	if _, err := database.GetUserByID(uint(id)); err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	if err := database.SetUserPolicy(uint(id), body.Kind, body.EndpointIDs); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to set policy")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func ResetUserPassword(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Password == "" {
		writeError(w, http.StatusBadRequest, "Password is required")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	if err := database.UpdateUserPassword(uint(id), hash); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update password")
		return
	}

	SessionStore.DeleteByUserID(uint(id))

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
