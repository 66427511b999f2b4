// ABOUTME: HTTP API handlers: agent listing, synchronous command endpoints,
// ABOUTME: and the app-facing broadcast, stats and report relay endpoints.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hillelkingqt/deskgate/internal/agent"
	"github.com/hillelkingqt/deskgate/internal/protocol"
)

// agentInfo is one row in the GET /api/agents response.
type agentInfo struct {
	AgentID  string     `json:"agent_id"`
	Name     string     `json:"name"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// writeJSON encodes v as the response body. Encoding failures after the
// header is written can only be logged.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

// writeError sends a JSON error body.
func (g *Gateway) writeError(w http.ResponseWriter, status int, msg string) {
	g.writeJSON(w, status, map[string]string{"error": msg})
}

// commandStatus maps a correlation failure to an HTTP status. The split
// matters to API callers: 503 means retry after the agent returns, 409 means
// retry shortly, 504 means the agent may still answer but the answer is lost.
func commandStatus(err error) int {
	var agentErr *agent.AgentError
	switch {
	case errors.Is(err, agent.ErrAgentOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, agent.ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.As(err, &agentErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleListAgents merges live presence with durable sightings so agents that
// are currently offline still appear, marked as such.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	sightings, err := g.store.AgentsSeen(r.Context())
	if err != nil {
		g.logger.Error("listing sightings", "error", err)
		g.writeError(w, http.StatusInternalServerError, "listing agents failed")
		return
	}

	out := make([]agentInfo, 0, len(sightings))
	seen := make(map[string]bool, len(sightings))
	for _, s := range sightings {
		seen[s.AgentID] = true
		last := s.LastSeen
		out = append(out, agentInfo{
			AgentID:  s.AgentID,
			Name:     s.DisplayName,
			Status:   g.presence.Status(s.AgentID).String(),
			LastSeen: &last,
		})
	}
	// Live records for agents the store has never persisted.
	for _, rec := range g.presence.List() {
		if seen[rec.AgentID] {
			continue
		}
		last := rec.LastSeen
		out = append(out, agentInfo{
			AgentID:  rec.AgentID,
			Name:     rec.DisplayName,
			Status:   g.presence.Status(rec.AgentID).String(),
			LastSeen: &last,
		})
	}

	g.writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// handleDrives runs get_drives synchronously against one agent.
func (g *Gateway) handleDrives(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	res, err := g.correlator.Issue(r.Context(), agentID, protocol.CmdGetDrives, "", agent.Concurrent, g.config.Agents.CommandTimeout)
	if err != nil {
		g.writeError(w, commandStatus(err), err.Error())
		return
	}

	var drives protocol.DriveList
	if err := json.Unmarshal(res.Payload, &drives); err != nil {
		g.writeError(w, http.StatusBadGateway, "agent returned a malformed drive list")
		return
	}
	g.writeJSON(w, http.StatusOK, drives)
}

// pathRequest is the body of the list and download endpoints.
type pathRequest struct {
	Path string `json:"path"`
}

func decodePathRequest(r *http.Request) (pathRequest, error) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("decoding request body: %w", err)
	}
	if req.Path == "" {
		return req, errors.New("path is required")
	}
	return req, nil
}

// handleListDir runs list_dir synchronously and returns the raw listing.
func (g *Gateway) handleListDir(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	req, err := decodePathRequest(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := g.correlator.Issue(r.Context(), agentID, protocol.CmdListDir, req.Path, agent.Concurrent, g.config.Agents.CommandTimeout)
	if err != nil {
		g.writeError(w, commandStatus(err), err.Error())
		return
	}

	var listing protocol.DirListing
	if err := json.Unmarshal(res.Payload, &listing); err != nil {
		g.writeError(w, http.StatusBadGateway, "agent returned a malformed listing")
		return
	}

	// Feed the view cache too, so a chat session can page this listing
	// without another agent round-trip.
	g.views.Ingest(agentID, listing.Path, listing.Items)

	g.writeJSON(w, http.StatusOK, listing)
}

// handleDownload runs get_file synchronously and streams the file bytes back
// with an attachment disposition. Downloads get the long timeout.
func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	req, err := decodePathRequest(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := g.correlator.Issue(r.Context(), agentID, protocol.CmdGetFile, req.Path, agent.Concurrent, g.config.Agents.DownloadTimeout)
	if err != nil {
		g.writeError(w, commandStatus(err), err.Error())
		return
	}

	var file protocol.FileContent
	if err := json.Unmarshal(res.Payload, &file); err != nil {
		g.writeError(w, http.StatusBadGateway, "agent returned malformed file content")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(file.Data); err != nil {
		g.logger.Debug("writing file response", "error", err)
	}
}

// handleLatestMessage serves the active broadcast to app installs and counts
// the call as an app open. No broadcast means an empty 200 body, matching
// what the installed clients expect.
func (g *Gateway) handleLatestMessage(w http.ResponseWriter, r *http.Request) {
	version := r.URL.Query().Get("version")
	if version == "" {
		version = "unknown"
	}
	if err := g.store.RecordPing(r.Context(), version); err != nil {
		g.logger.Warn("recording ping", "error", err)
	}

	b, err := g.store.ActiveBroadcast(r.Context())
	if err != nil {
		g.logger.Error("loading broadcast", "error", err)
		g.writeError(w, http.StatusInternalServerError, "loading broadcast failed")
		return
	}
	if b == nil {
		g.writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"id":      b.ID,
		"type":    string(b.Type),
		"content": b.Content,
	})
}

// handlePingIngest counts an app open reported directly, the older install
// protocol. Newer installs are counted on /latest-message instead; both
// paths feed the same counters.
func (g *Gateway) handlePingIngest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version string `json:"version"`
	}
	// Installs in the field send sloppy bodies; count the open regardless.
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Version == "" {
		body.Version = r.URL.Query().Get("version")
	}
	if body.Version == "" {
		body.Version = "unknown"
	}

	if err := g.store.RecordPing(r.Context(), body.Version); err != nil {
		g.logger.Error("recording ping", "error", err)
		g.writeError(w, http.StatusInternalServerError, "recording ping failed")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "counted"})
}

// handlePingStats reports the aggregated open counters.
func (g *Gateway) handlePingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.store.GetStats(r.Context())
	if err != nil {
		g.logger.Error("loading stats", "error", err)
		g.writeError(w, http.StatusInternalServerError, "loading stats failed")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"total_pings": stats.TotalPings,
		"versions":    stats.Versions,
	})
}

// errorReport is the body app installs POST when they crash.
type errorReport struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Error    string `json:"error"`
	Stack    string `json:"stack"`
}

// handleErrorReport relays a crash report to the operator chat.
func (g *Gateway) handleErrorReport(w http.ResponseWriter, r *http.Request) {
	var report errorReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed report")
		return
	}
	if report.Error == "" {
		g.writeError(w, http.StatusBadRequest, "error is required")
		return
	}

	if g.surface != nil {
		if err := g.surface.NotifyError(r.Context(), report.Version, report.Platform, report.Error, report.Stack); err != nil {
			g.logger.Warn("relaying error report", "error", err)
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// loginReport is the body app installs POST on login attempts.
type loginReport struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	IP       string `json:"ip"`
	Success  bool   `json:"success"`
}

// handleLoginReport relays a login attempt to the operator chat.
func (g *Gateway) handleLoginReport(w http.ResponseWriter, r *http.Request) {
	var report loginReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed report")
		return
	}

	if g.surface != nil {
		if err := g.surface.NotifyLogin(r.Context(), report.Email, report.Password, report.IP, report.Success); err != nil {
			g.logger.Warn("relaying login report", "error", err)
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one agent has a control channel.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.registry.List()
	if len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}
