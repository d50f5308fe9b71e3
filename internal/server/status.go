package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/gocast/chunkcast/internal/stats"
	"github.com/gocast/chunkcast/internal/worker"
)

// Version of the chunkcast server, set by main from build flags
var Version = "dev"

// StatusHandler serves the public /status page
type StatusHandler struct {
	stats    *stats.ServerStats
	pool     *worker.Pool
	hostname func() string
}

// NewStatusHandler creates a status handler
func NewStatusHandler(st *stats.ServerStats, pool *worker.Pool, hostname func() string) *StatusHandler {
	return &StatusHandler{stats: st, pool: pool, hostname: hostname}
}

// StatusResponse is the JSON body of /status
type StatusResponse struct {
	Server    string         `json:"server"`
	Version   string         `json:"version"`
	Host      string         `json:"host"`
	Started   time.Time      `json:"started"`
	Uptime    string         `json:"uptime"`
	BytesSent string         `json:"bytes_sent_human"`
	Stats     stats.Snapshot `json:"stats"`
	Workers   worker.Stats   `json:"workers"`
}

func (h *StatusHandler) response() StatusResponse {
	snap := h.stats.Snapshot()
	return StatusResponse{
		Server:    "chunkcast",
		Version:   Version,
		Host:      h.hostname(),
		Started:   snap.StartTime,
		Uptime:    stats.FormatDuration(snap.Uptime),
		BytesSent: stats.FormatBytes(snap.BytesSent),
		Stats:     snap,
		Workers:   h.pool.Stats(),
	}
}

// ServeHTTP serves JSON or HTML depending on ?format= and the Accept header
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	accept := r.Header.Get("Accept")

	if format == "json" || strings.Contains(accept, "application/json") {
		h.serveJSON(w)
		return
	}
	h.serveHTML(w)
}

func (h *StatusHandler) serveJSON(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, h.response())
}

func (h *StatusHandler) serveHTML(w http.ResponseWriter) {
	resp := h.response()
	snap := resp.Stats

	var sb strings.Builder
	sb.WriteString(`<!DOCTYPE html><html><head><title>chunkcast</title>
<style>body{font-family:system-ui;margin:40px;background:#111;color:#eee}
h1{color:#00ADD8}.box{background:#222;padding:20px;margin:10px 0;border-radius:8px}</style></head><body>`)
	fmt.Fprintf(&sb, `<h1>chunkcast %s</h1>`, html.EscapeString(resp.Version))
	fmt.Fprintf(&sb, `<div class="box"><p>Host: %s</p><p>Uptime: %s</p></div>`,
		html.EscapeString(resp.Host), resp.Uptime)
	fmt.Fprintf(&sb, `<div class="box"><p>Sessions: <strong>%d</strong> (peak %d, total %d)</p>`,
		snap.CurrentSessions, snap.PeakSessions, snap.SessionsTotal)
	fmt.Fprintf(&sb, `<p>Streams: %d started, %d completed, %d aborted</p>`,
		snap.StreamsStarted, snap.StreamsCompleted, snap.StreamsAborted)
	fmt.Fprintf(&sb, `<p>Sent: %d chunks, %s</p></div>`, snap.ChunksSent, resp.BytesSent)
	fmt.Fprintf(&sb, `<div class="box"><p>Workers: %d (%d busy, %d queued)</p></div>`,
		resp.Workers.Workers, resp.Workers.Busy, resp.Workers.Pending)
	sb.WriteString("</body></html>")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(sb.String()))
}

// APIResponse is the envelope for admin API responses
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, APIResponse{Success: false, Error: message})
}
