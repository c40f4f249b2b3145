package registry

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/helmdeck/helmdeck/internal/database"
	"github.com/helmdeck/helmdeck/internal/engine"
	"github.com/helmdeck/helmdeck/internal/logutil"
	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("endpoint not found")
	ErrDuplicateEndpoint = errors.New("endpoint name or address already registered")
)

// writeMu serializes registry mutations. The duplicate check in Upsert is
// a read followed by a write, and (host, port) has no unique index in the
// store, so two concurrent writers could otherwise both pass the check.
var writeMu sync.Mutex

// List returns all endpoint records with the local record first and the
// rest in creation order. The local record is synthesized and persisted if
// absent, so repeated reads are idempotent and exactly one local record
// exists.
func List() ([]database.Endpoint, error) {
	if err := ensureLocal(); err != nil {
		return nil, err
	}

	endpoints, err := database.ListEndpoints()
	if err != nil {
		return nil, err
	}

	ordered := make([]database.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if e.ID == database.LocalEndpointID {
			ordered = append(ordered, e)
			break
		}
	}
	for _, e := range endpoints {
		if e.ID != database.LocalEndpointID {
			ordered = append(ordered, e)
		}
	}
	return ordered, nil
}

// Get returns one record by id. The reserved local id is synthesized if it
// has not been persisted yet.
func Get(id string) (*database.Endpoint, error) {
	if id == database.LocalEndpointID {
		if err := ensureLocal(); err != nil {
			return nil, err
		}
	}
	rec, err := database.GetEndpoint(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// Upsert validates and persists a record. Name and (host, port) must be
// unique across all other records; tls-mutual records must carry complete
// certificate material or they are rejected before anything is written.
// TLSKey must already be encrypted by the caller.
func Upsert(rec *database.Endpoint) error {
	if err := engine.ValidateTransport(rec); err != nil {
		return err
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	existing, err := database.ListEndpoints()
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID == rec.ID {
			continue
		}
		if other.Name == rec.Name {
			return ErrDuplicateEndpoint
		}
		if rec.Host != "" && other.Host == rec.Host && other.Port == rec.Port {
			return ErrDuplicateEndpoint
		}
	}

	if rec.Health == "" {
		rec.Health = database.HealthUnknown
	}

	return database.SaveEndpoint(rec)
}

// Remove deletes a record. Removing the local record is allowed; it is
// re-synthesized on the next read.
func Remove(id string) error {
	writeMu.Lock()
	defer writeMu.Unlock()

	if _, err := Get(id); err != nil {
		return err
	}
	return database.DeleteEndpoint(id)
}

// RefreshHealth probes each given record with a bounded timeout and
// persists the binary online/offline outcome. Failure causes are logged
// but never distinguished in the health field.
func RefreshHealth(ctx context.Context, resolver *engine.Resolver, recs []database.Endpoint, timeout time.Duration) []database.Endpoint {
	for i := range recs {
		recs[i].Health = probe(ctx, resolver, &recs[i], timeout)
		now := time.Now()
		recs[i].LastChecked = &now
		if err := database.UpdateEndpointHealth(recs[i].ID, recs[i].Health); err != nil {
			log.Printf("Persist health for endpoint %s: %v", logutil.SanitizeForLog(recs[i].ID), err)
		}
	}
	return recs
}

func probe(ctx context.Context, resolver *engine.Resolver, rec *database.Endpoint, timeout time.Duration) string {
	client, err := resolver.Resolve(rec)
	if err != nil {
		log.Printf("Endpoint %s unreachable: client construction failed: %v", logutil.SanitizeForLog(rec.ID), err)
		return database.HealthOffline
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx); err != nil {
		log.Printf("Endpoint %s unreachable: %v", logutil.SanitizeForLog(rec.ID), err)
		return database.HealthOffline
	}
	return database.HealthOnline
}

func ensureLocal() error {
	_, err := database.GetEndpoint(database.LocalEndpointID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return database.SaveEndpoint(&database.Endpoint{
		ID:        database.LocalEndpointID,
		Name:      "local",
		Transport: database.TransportPlain,
		Health:    database.HealthUnknown,
	})
}
