package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/helmdeck/helmdeck/internal/engine"
	"github.com/helmdeck/helmdeck/internal/middleware"
)

type errNotFound struct{}

func (errNotFound) Error() string { return "no such container" }
func (errNotFound) NotFound()     {}

// fakeContainerClient scripts container listing and actions. Unused
// Client methods panic if reached.
type fakeContainerClient struct {
	engine.Client
	containers []container.Summary
	actions    []string
	missing    bool
}

func (f *fakeContainerClient) ListContainers(ctx context.Context, all bool) ([]container.Summary, error) {
	return f.containers, nil
}

func (f *fakeContainerClient) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	if f.missing {
		return container.InspectResponse{}, errNotFound{}
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			Name:  "/web",
			State: &container.State{Status: "running", Running: true},
		},
		Config: &container.Config{Image: "nginx:latest", Cmd: []string{"nginx"}},
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{
				Ports: nat.PortMap{
					"80/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "8080"}},
				},
			},
			Networks: map[string]*network.EndpointSettings{},
		},
	}, nil
}

func (f *fakeContainerClient) StartContainer(ctx context.Context, id string) error {
	if f.missing {
		return errNotFound{}
	}
	f.actions = append(f.actions, "start:"+id)
	return nil
}

func (f *fakeContainerClient) StopContainer(ctx context.Context, id string) error {
	f.actions = append(f.actions, "stop:"+id)
	return nil
}

func (f *fakeContainerClient) RestartContainer(ctx context.Context, id string) error {
	f.actions = append(f.actions, "restart:"+id)
	return nil
}

func engineRequest(t *testing.T, method, url string, client engine.Client, params map[string]string) *http.Request {
	t.Helper()
	req := buildRequest(t, method, url, nil, nil, params)
	desc := &middleware.EndpointDescriptor{ID: "ep1", Name: "remote", Local: false}
	return middleware.WithEngine(req, client, desc)
}

func TestListContainersRendersSummaries(t *testing.T) {
	setupTestDB(t)

	client := &fakeContainerClient{containers: []container.Summary{{
		ID:      "abcdef1234567890",
		Names:   []string{"/web"},
		Image:   "nginx:latest",
		State:   "running",
		Status:  "Up 2 hours",
		Created: time.Now().Add(-2 * time.Hour).Unix(),
		Ports: []container.Port{
			{IP: "0.0.0.0", PrivatePort: 80, PublicPort: 8080, Type: "tcp"},
			{PrivatePort: 443, Type: "tcp"},
		},
	}}}

	rec := httptest.NewRecorder()
	ListContainers(rec, engineRequest(t, http.MethodGet, "/api/v1/containers", client, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected one container, got %d", len(result))
	}
	c := result[0]
	if c["id"] != "abcdef123456" {
		t.Errorf("expected truncated id, got %v", c["id"])
	}
	if c["name"] != "web" {
		t.Errorf("expected name without slash prefix, got %v", c["name"])
	}
	if c["endpoint"] != "ep1" {
		t.Errorf("expected endpoint id attached, got %v", c["endpoint"])
	}
	ports, _ := c["ports"].([]interface{})
	if len(ports) != 2 {
		t.Errorf("expected two port entries, got %v", ports)
	}
}

func TestGetContainer(t *testing.T) {
	setupTestDB(t)

	client := &fakeContainerClient{}
	rec := httptest.NewRecorder()
	GetContainer(rec, engineRequest(t, http.MethodGet, "/api/v1/containers/abc", client, map[string]string{"id": "abc"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	detail := decodeBody(t, rec)
	if detail["name"] != "web" || detail["running"] != true {
		t.Errorf("unexpected detail: %v", detail)
	}
	ports, _ := detail["ports"].([]interface{})
	if len(ports) != 1 || ports[0] != "0.0.0.0:8080->80/tcp" {
		t.Errorf("expected rendered port binding, got %v", ports)
	}
}

func TestGetContainerNotFound(t *testing.T) {
	setupTestDB(t)

	client := &fakeContainerClient{missing: true}
	rec := httptest.NewRecorder()
	GetContainer(rec, engineRequest(t, http.MethodGet, "/api/v1/containers/ghost", client, map[string]string{"id": "ghost"}))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestContainerActions(t *testing.T) {
	setupTestDB(t)

	client := &fakeContainerClient{}

	rec := httptest.NewRecorder()
	StartContainer(rec, engineRequest(t, http.MethodPost, "/api/v1/containers/abc/start", client, map[string]string{"id": "abc"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	StopContainer(rec, engineRequest(t, http.MethodPost, "/api/v1/containers/abc/stop", client, map[string]string{"id": "abc"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	RestartContainer(rec, engineRequest(t, http.MethodPost, "/api/v1/containers/abc/restart", client, map[string]string{"id": "abc"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("restart: expected 200, got %d", rec.Code)
	}

	want := []string{"start:abc", "stop:abc", "restart:abc"}
	if len(client.actions) != 3 {
		t.Fatalf("expected 3 actions, got %v", client.actions)
	}
	for i, a := range want {
		if client.actions[i] != a {
			t.Errorf("expected action %q, got %q", a, client.actions[i])
		}
	}
}

func TestStartContainerNotFound(t *testing.T) {
	setupTestDB(t)

	client := &fakeContainerClient{missing: true}
	rec := httptest.NewRecorder()
	StartContainer(rec, engineRequest(t, http.MethodPost, "/api/v1/containers/ghost/start", client, map[string]string{"id": "ghost"}))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
