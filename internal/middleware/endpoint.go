package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/helmdeck/helmdeck/internal/database"
	"github.com/helmdeck/helmdeck/internal/engine"
	"github.com/helmdeck/helmdeck/internal/logutil"
	"github.com/helmdeck/helmdeck/internal/policy"
	"github.com/helmdeck/helmdeck/internal/registry"
)

// EndpointHeader names the target endpoint of a routed request. Absent or
// "local" selects the host-local engine.
const EndpointHeader = "X-Helmdeck-Endpoint"

const (
	engineContextKey   contextKey = "engine"
	endpointContextKey contextKey = "endpoint"
)

// EndpointDescriptor identifies the routed endpoint for downstream
// handlers without exposing the full record.
type EndpointDescriptor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Local bool   `json:"local"`
}

// EndpointContext resolves the request's endpoint selector, applies the
// user's access policy, builds an engine client and attaches both client
// and descriptor to the request context. Construction failures surface as
// a redacted 500; certificate material never reaches a response.
func EndpointContext(resolver *engine.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			selector := r.Header.Get(EndpointHeader)
			if selector == "" {
				// Browser WebSocket clients cannot set headers on the
				// upgrade request.
				selector = r.URL.Query().Get("endpoint")
			}
			if selector == "" {
				selector = database.LocalEndpointID
			}

			rec, err := registry.Get(selector)
			if err != nil {
				if errors.Is(err, registry.ErrNotFound) {
					writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Endpoint not found"})
					return
				}
				writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Failed to load endpoint"})
				return
			}

			if err := policy.Authorize(GetUser(r), rec.ID); err != nil {
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": policy.ErrAccessDenied.Error()})
				return
			}

			client, err := resolver.Resolve(rec)
			if err != nil {
				log.Printf("Resolve endpoint %s: %v", logutil.SanitizeForLog(rec.ID), err)
				detail := "Failed to build engine client"
				if errors.Is(err, engine.ErrIncompleteCredentials) {
					detail = "Endpoint transport configuration is incomplete"
				}
				writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": detail})
				return
			}

			desc := &EndpointDescriptor{
				ID:    rec.ID,
				Name:  rec.Name,
				Local: rec.ID == database.LocalEndpointID,
			}
			next.ServeHTTP(w, WithEngine(r, client, desc))
		})
	}
}

// WithEngine returns the request with a resolved engine client and its
// endpoint descriptor attached.
func WithEngine(r *http.Request, client engine.Client, desc *EndpointDescriptor) *http.Request {
	ctx := context.WithValue(r.Context(), engineContextKey, client)
	ctx = context.WithValue(ctx, endpointContextKey, desc)
	return r.WithContext(ctx)
}

// GetEngine returns the resolved engine client attached by EndpointContext.
func GetEngine(r *http.Request) engine.Client {
	client, _ := r.Context().Value(engineContextKey).(engine.Client)
	return client
}

// GetEndpoint returns the routed endpoint descriptor.
func GetEndpoint(r *http.Request) *EndpointDescriptor {
	desc, _ := r.Context().Value(endpointContextKey).(*EndpointDescriptor)
	return desc
}
