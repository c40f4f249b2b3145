package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"
	"github.com/helmdeck/helmdeck/internal/engine"
	"github.com/helmdeck/helmdeck/internal/logutil"
	"github.com/helmdeck/helmdeck/internal/middleware"
)

type containerSummary struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Image    string   `json:"image"`
	State    string   `json:"state"`
	Status   string   `json:"status"`
	Created  string   `json:"created"`
	Ports    []string `json:"ports"`
	Endpoint string   `json:"endpoint"`
}

// ListContainers returns the containers on the selected endpoint.
// Stopped containers are included with ?all=true.
func ListContainers(w http.ResponseWriter, r *http.Request) {
	client := middleware.GetEngine(r)
	desc := middleware.GetEndpoint(r)

	all := r.URL.Query().Get("all") == "true"
	containers, err := client.ListContainers(r.Context(), all)
	if err != nil {
		log.Printf("Failed to list containers on %s: %v",
			logutil.SanitizeForLog(desc.ID), err)
		writeError(w, http.StatusBadGateway, "Failed to list containers on the endpoint")
		return
	}

	out := make([]containerSummary, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		ports := make([]string, 0, len(c.Ports))
		for _, p := range c.Ports {
			port := nat.Port(fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
			if p.PublicPort > 0 {
				ports = append(ports, fmt.Sprintf("%s:%d->%s", p.IP, p.PublicPort, port))
			} else {
				ports = append(ports, string(port))
			}
		}
		sort.Strings(ports)
		out = append(out, containerSummary{
			ID:       shortID(c.ID),
			Name:     name,
			Image:    c.Image,
			State:    c.State,
			Status:   c.Status,
			Created:  units.HumanDuration(time.Since(time.Unix(c.Created, 0))) + " ago",
			Ports:    ports,
			Endpoint: desc.ID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type containerDetail struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Image      string   `json:"image"`
	State      string   `json:"state"`
	Running    bool     `json:"running"`
	ExitCode   int      `json:"exit_code"`
	StartedAt  string   `json:"started_at,omitempty"`
	FinishedAt string   `json:"finished_at,omitempty"`
	Cmd        []string `json:"cmd,omitempty"`
	Ports      []string `json:"ports"`
	Endpoint   string   `json:"endpoint"`
}

// GetContainer returns inspect details for one container.
func GetContainer(w http.ResponseWriter, r *http.Request) {
	client := middleware.GetEngine(r)
	desc := middleware.GetEndpoint(r)
	id := chi.URLParam(r, "id")

	info, err := client.InspectContainer(r.Context(), id)
	if err != nil {
		if engine.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Container not found")
			return
		}
		log.Printf("Failed to inspect container %s on %s: %v",
			logutil.SanitizeForLog(id), logutil.SanitizeForLog(desc.ID), err)
		writeError(w, http.StatusBadGateway, "Failed to inspect container")
		return
	}

	detail := containerDetail{
		ID:       shortID(info.ID),
		Name:     strings.TrimPrefix(info.Name, "/"),
		Endpoint: desc.ID,
		Ports:    []string{},
	}
	if info.Config != nil {
		detail.Image = info.Config.Image
		detail.Cmd = info.Config.Cmd
	}
	if info.State != nil {
		detail.State = info.State.Status
		detail.Running = info.State.Running
		detail.ExitCode = info.State.ExitCode
		if info.State.StartedAt != "" && !strings.HasPrefix(info.State.StartedAt, "0001-") {
			detail.StartedAt = info.State.StartedAt
		}
		if info.State.FinishedAt != "" && !strings.HasPrefix(info.State.FinishedAt, "0001-") {
			detail.FinishedAt = info.State.FinishedAt
		}
	}
	if info.NetworkSettings != nil {
		detail.Ports = renderPortMap(info.NetworkSettings.Ports)
	}
	writeJSON(w, http.StatusOK, detail)
}

// renderPortMap flattens an engine port map into display strings, one
// per binding, unbound exposed ports included.
func renderPortMap(pm nat.PortMap) []string {
	out := make([]string, 0, len(pm))
	for port, bindings := range pm {
		if len(bindings) == 0 {
			out = append(out, string(port))
			continue
		}
		for _, b := range bindings {
			out = append(out, fmt.Sprintf("%s:%s->%s", b.HostIP, b.HostPort, port))
		}
	}
	sort.Strings(out)
	return out
}

// StartContainer starts a stopped container on the selected endpoint.
func StartContainer(w http.ResponseWriter, r *http.Request) {
	containerAction(w, r, "start", middleware.GetEngine(r).StartContainer)
}

// StopContainer stops a running container on the selected endpoint.
func StopContainer(w http.ResponseWriter, r *http.Request) {
	containerAction(w, r, "stop", middleware.GetEngine(r).StopContainer)
}

// RestartContainer restarts a container on the selected endpoint.
func RestartContainer(w http.ResponseWriter, r *http.Request) {
	containerAction(w, r, "restart", middleware.GetEngine(r).RestartContainer)
}

func containerAction(w http.ResponseWriter, r *http.Request, verb string, fn func(ctx context.Context, id string) error) {
	desc := middleware.GetEndpoint(r)
	id := chi.URLParam(r, "id")

	if err := fn(r.Context(), id); err != nil {
		if engine.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Container not found")
			return
		}
		log.Printf("Failed to %s container %s on %s: %v",
			verb, logutil.SanitizeForLog(id), logutil.SanitizeForLog(desc.ID), err)
		writeError(w, http.StatusBadGateway, "Failed to "+verb+" container")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "action": verb})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
