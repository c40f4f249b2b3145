package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/helmdeck/helmdeck/internal/crypto"
	"github.com/helmdeck/helmdeck/internal/database"
	"github.com/helmdeck/helmdeck/internal/engine"
	"github.com/helmdeck/helmdeck/internal/logutil"
	"github.com/helmdeck/helmdeck/internal/middleware"
	"github.com/helmdeck/helmdeck/internal/policy"
	"github.com/helmdeck/helmdeck/internal/registry"
)

// Resolver and ProbeTimeout are set from main before the router starts.
var (
	Resolver     *engine.Resolver
	ProbeTimeout = 5 * time.Second
)

type endpointRequest struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`
	TLSCA     string `json:"tls_ca"`
	TLSCert   string `json:"tls_cert"`
	TLSKey    string `json:"tls_key"`
}

type endpointResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Transport   string `json:"transport"`
	Health      string `json:"health"`
	HasTLS      bool   `json:"has_tls"`
	LastChecked string `json:"last_checked,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

func endpointToResponse(rec *database.Endpoint) endpointResponse {
	resp := endpointResponse{
		ID:        rec.ID,
		Name:      rec.Name,
		Host:      rec.Host,
		Port:      rec.Port,
		Transport: rec.Transport,
		Health:    rec.Health,
		HasTLS:    rec.Transport == database.TransportTLSMutual,
	}
	if rec.LastChecked != nil {
		resp.LastChecked = formatTimestamp(*rec.LastChecked)
	}
	if !rec.CreatedAt.IsZero() {
		resp.CreatedAt = formatTimestamp(rec.CreatedAt)
	}
	return resp
}

// ListEndpoints returns the records visible to the requesting user,
// local first. With ?updateStatus=true each visible record is probed
// and its health persisted before the response is built.
func ListEndpoints(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	recs, err := registry.List()
	if err != nil {
		log.Printf("Failed to list endpoints: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list endpoints")
		return
	}
	visible := policy.Filter(user, recs)

	if r.URL.Query().Get("updateStatus") == "true" {
		visible = registry.RefreshHealth(r.Context(), Resolver, visible, ProbeTimeout)
	}

	out := make([]endpointResponse, 0, len(visible))
	for i := range visible {
		out = append(out, endpointToResponse(&visible[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeEndpointRequest(w http.ResponseWriter, r *http.Request) (*endpointRequest, bool) {
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if req.Transport == "" {
		req.Transport = database.TransportPlain
	}
	if req.Transport != database.TransportPlain && req.Transport != database.TransportTLSMutual {
		writeError(w, http.StatusBadRequest, "Transport must be plain or tls-mutual")
		return nil, false
	}
	return &req, true
}

func validateEndpointTarget(w http.ResponseWriter, req *endpointRequest) bool {
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required")
		return false
	}
	if req.Host == "" {
		writeError(w, http.StatusBadRequest, "Host is required")
		return false
	}
	if req.Port <= 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, "Port must be between 1 and 65535")
		return false
	}
	return true
}

// CreateEndpoint registers a remote engine. The TLS key is encrypted
// before it reaches storage and is never returned to clients.
func CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeEndpointRequest(w, r)
	if !ok {
		return
	}
	if !validateEndpointTarget(w, req) {
		return
	}

	rec := &database.Endpoint{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Host:      req.Host,
		Port:      req.Port,
		Transport: req.Transport,
		TLSCA:     req.TLSCA,
		TLSCert:   req.TLSCert,
	}
	if req.TLSKey != "" {
		enc, err := crypto.Encrypt(req.TLSKey)
		if err != nil {
			log.Printf("Failed to encrypt endpoint key material: %v", err)
			writeError(w, http.StatusInternalServerError, "Failed to store endpoint")
			return
		}
		rec.TLSKey = enc
	}

	if err := registry.Upsert(rec); err != nil {
		writeUpsertError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, endpointToResponse(rec))
}

// UpdateEndpoint modifies a registered record. Certificate material is
// replaced only when the request carries new values; an omitted key
// keeps the stored ciphertext.
func UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := registry.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Endpoint not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load endpoint")
		return
	}
	if rec.ID == database.LocalEndpointID {
		writeError(w, http.StatusBadRequest, "The local endpoint cannot be edited")
		return
	}

	req, ok := decodeEndpointRequest(w, r)
	if !ok {
		return
	}
	if !validateEndpointTarget(w, req) {
		return
	}

	rec.Name = req.Name
	rec.Host = req.Host
	rec.Port = req.Port
	rec.Transport = req.Transport
	if req.TLSCA != "" {
		rec.TLSCA = req.TLSCA
	}
	if req.TLSCert != "" {
		rec.TLSCert = req.TLSCert
	}
	if req.TLSKey != "" {
		enc, err := crypto.Encrypt(req.TLSKey)
		if err != nil {
			log.Printf("Failed to encrypt endpoint key material: %v", err)
			writeError(w, http.StatusInternalServerError, "Failed to store endpoint")
			return
		}
		rec.TLSKey = enc
	}
	if req.Transport == database.TransportPlain {
		rec.TLSCA = ""
		rec.TLSCert = ""
		rec.TLSKey = ""
	}

	if err := registry.Upsert(rec); err != nil {
		writeUpsertError(w, err)
		return
	}
	Resolver.Invalidate(rec.ID)

	writeJSON(w, http.StatusOK, endpointToResponse(rec))
}

// DeleteEndpoint removes a record and drops any cached client for it.
// Active terminal sessions on the endpoint keep their already-resolved
// client until they end.
func DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := registry.Remove(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Endpoint not found")
			return
		}
		log.Printf("Failed to delete endpoint %s: %v", logutil.SanitizeForLog(id), err)
		writeError(w, http.StatusInternalServerError, "Failed to delete endpoint")
		return
	}
	Resolver.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

func writeUpsertError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrDuplicateEndpoint):
		writeError(w, http.StatusBadRequest, "An endpoint with that name or address already exists")
	case errors.Is(err, engine.ErrIncompleteCredentials):
		writeError(w, http.StatusBadRequest, "Mutual TLS requires a certificate and key")
	default:
		log.Printf("Failed to save endpoint: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to save endpoint")
	}
}

type testResult struct {
	Success bool         `json:"success"`
	Info    *engine.Info `json:"info,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// TestEndpoint probes connectivity for an unsaved configuration. The
// outcome is always a 200 with a success flag; failure details are
// logged server-side and the response carries only a generic message.
func TestEndpoint(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeEndpointRequest(w, r)
	if !ok {
		return
	}
	if !validateEndpointTarget(w, req) {
		return
	}

	rec := &database.Endpoint{
		ID:        "probe-" + uuid.New().String(),
		Name:      req.Name,
		Host:      req.Host,
		Port:      req.Port,
		Transport: req.Transport,
		TLSCA:     req.TLSCA,
		TLSCert:   req.TLSCert,
	}
	if req.TLSKey != "" {
		enc, err := crypto.Encrypt(req.TLSKey)
		if err != nil {
			log.Printf("Failed to encrypt endpoint key material: %v", err)
			writeError(w, http.StatusInternalServerError, "Failed to test endpoint")
			return
		}
		rec.TLSKey = enc
	}

	writeJSON(w, http.StatusOK, probeEndpoint(r.Context(), rec))
}

// TestEndpointByID probes connectivity for a stored record using its
// persisted credentials.
func TestEndpointByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := registry.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Endpoint not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load endpoint")
		return
	}

	writeJSON(w, http.StatusOK, probeEndpoint(r.Context(), rec))
}

func probeEndpoint(ctx context.Context, rec *database.Endpoint) testResult {
	client, err := Resolver.ResolveFresh(rec)
	if err != nil {
		log.Printf("Endpoint test %s: client build failed: %v",
			logutil.SanitizeForLog(rec.ID), err)
		if errors.Is(err, engine.ErrIncompleteCredentials) {
			return testResult{Error: "Endpoint transport configuration is incomplete"}
		}
		return testResult{Error: "Unable to build a client for the endpoint"}
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		log.Printf("Endpoint test %s: ping failed: %v",
			logutil.SanitizeForLog(rec.ID), err)
		return testResult{Error: "Unable to connect to the endpoint"}
	}

	info, err := client.Info(ctx)
	if err != nil {
		log.Printf("Endpoint test %s: info failed: %v",
			logutil.SanitizeForLog(rec.ID), err)
		return testResult{Error: "Connected but failed to read engine information"}
	}
	return testResult{Success: true, Info: &info}
}
