package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"

	dockerclient "github.com/docker/docker/client"
	"github.com/helmdeck/helmdeck/internal/crypto"
	"github.com/helmdeck/helmdeck/internal/database"
)

// ErrIncompleteCredentials is returned for a tls-mutual record that is
// missing its client certificate or key. The resolver never falls back to
// plain transport in that case.
var ErrIncompleteCredentials = errors.New("mutual TLS endpoint is missing certificate or key")

// ValidateTransport checks that a record carries the material its declared
// transport requires. The registry applies the same check on registration
// so incomplete records are never persisted.
func ValidateTransport(rec *database.Endpoint) error {
	if rec.Transport == database.TransportTLSMutual && (rec.TLSCert == "" || rec.TLSKey == "") {
		return ErrIncompleteCredentials
	}
	return nil
}

type cacheEntry struct {
	fingerprint string
	client      Client
}

// Resolver constructs ready-to-use engine clients from endpoint records.
// Clients are cached per endpoint id and rebuilt whenever the record's
// transport fingerprint changes, so a mutated record can never hand a
// caller a client bound to stale transport configuration. Constructing a
// client does not dial the endpoint.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]*cacheEntry

	// LocalHost overrides the host-local engine address when set.
	LocalHost string
}

func NewResolver(localHost string) *Resolver {
	return &Resolver{
		cache:     make(map[string]*cacheEntry),
		LocalHost: localHost,
	}
}

// Resolve returns a client bound to the record's transport, reusing the
// cached client while the transport fingerprint is unchanged.
func (r *Resolver) Resolve(rec *database.Endpoint) (Client, error) {
	if err := ValidateTransport(rec); err != nil {
		return nil, err
	}

	fp := fingerprint(rec)

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.cache[rec.ID]; ok && entry.fingerprint == fp {
		return entry.client, nil
	}

	client, err := r.build(rec)
	if err != nil {
		return nil, err
	}

	if old, ok := r.cache[rec.ID]; ok {
		old.client.Close()
	}
	r.cache[rec.ID] = &cacheEntry{fingerprint: fp, client: client}
	return client, nil
}

// ResolveFresh builds an uncached client the caller owns and must close.
// Used by test-connection, which may probe a record that is not persisted.
func (r *Resolver) ResolveFresh(rec *database.Endpoint) (Client, error) {
	if err := ValidateTransport(rec); err != nil {
		return nil, err
	}
	return r.build(rec)
}

// Invalidate drops and closes the cached client for an endpoint.
func (r *Resolver) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.cache[id]; ok {
		entry.client.Close()
		delete(r.cache, id)
	}
}

// CloseAll releases every cached client.
func (r *Resolver) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.cache {
		entry.client.Close()
		delete(r.cache, id)
	}
}

func (r *Resolver) build(rec *database.Endpoint) (Client, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}

	if rec.ID == database.LocalEndpointID {
		opts = append(opts, dockerclient.FromEnv)
		if r.LocalHost != "" {
			opts = append(opts, dockerclient.WithHost(r.LocalHost))
		}
	} else {
		opts = append(opts, dockerclient.WithHost(fmt.Sprintf("tcp://%s:%d", rec.Host, rec.Port)))

		if rec.Transport == database.TransportTLSMutual {
			keyPEM, err := crypto.Decrypt(rec.TLSKey)
			if err != nil {
				return nil, fmt.Errorf("decrypt endpoint credentials: %w", err)
			}
			tlsCfg, err := tlsConfigFromPEM(rec.TLSCA, rec.TLSCert, keyPEM)
			if err != nil {
				return nil, err
			}
			opts = append(opts, dockerclient.WithHTTPClient(&http.Client{
				Transport: &http.Transport{TLSClientConfig: tlsCfg},
			}))
		}
	}

	api, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("build engine client: %w", err)
	}
	return &dockerClient{api: api}, nil
}

// fingerprint hashes the transport-relevant record fields. Cert material is
// included so rotated credentials force a rebuilt client.
func fingerprint(rec *database.Endpoint) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|", rec.ID, rec.Host, rec.Port, rec.Transport)
	h.Write([]byte(rec.TLSCA))
	h.Write([]byte(rec.TLSCert))
	h.Write([]byte(rec.TLSKey))
	return hex.EncodeToString(h.Sum(nil))
}
