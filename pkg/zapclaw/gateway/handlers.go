package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

const version = "1.0.0"

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a small JSON body into dst.
func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(dst)
}

func (g *Gateway) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	whatsapp := "unknown"
	if g.link != nil {
		whatsapp = "disconnected"
		if g.link.IsReady() {
			whatsapp = "connected"
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version,
		"uptime":   uptime,
		"whatsapp": whatsapp,
	})
}

// handleStatus implements GET /api/status
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	resp := map[string]any{
		"pause": g.ctrl.PauseStatus(),
	}
	if g.link != nil {
		resp["ready"] = g.link.IsReady()
		resp["connection"] = g.link.Diagnostics()
		_, hasQR := g.link.LastQR()
		resp["awaiting_qr"] = hasQR
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleQR implements GET /api/qr
func (g *Gateway) handleQR(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	if g.link == nil {
		g.writeError(w, "no link configured", http.StatusServiceUnavailable)
		return
	}
	if g.link.IsReady() {
		g.writeJSON(w, http.StatusOK, map[string]any{"connected": true})
		return
	}
	qr, ok := g.link.LastQR()
	if !ok {
		g.writeError(w, "no QR code available", http.StatusNotFound)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"connected": false, "qr": qr})
}

// handlePauseGlobal implements POST /api/bot/pause-global {paused}
func (g *Gateway) handlePauseGlobal(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Paused *bool `json:"paused"`
	}
	if err := decodeBody(r, &req); err != nil || req.Paused == nil {
		g.writeError(w, "body must be {\"paused\": bool}", http.StatusBadRequest)
		return
	}
	st := g.ctrl.SetGlobalPause(*req.Paused)
	g.logger.Info("global pause set via API", "paused", *req.Paused)
	g.writeJSON(w, http.StatusOK, st)
}

// handlePauseStatus implements GET /api/bot/pause-status
func (g *Gateway) handlePauseStatus(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	g.writeJSON(w, http.StatusOK, g.ctrl.PauseStatus())
}

// handleResumeChat implements POST /api/bot/resume-chat {chatId}
func (g *Gateway) handleResumeChat(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		ChatID string `json:"chatId"`
	}
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.ChatID) == "" {
		g.writeError(w, "body must be {\"chatId\": string}", http.StatusBadRequest)
		return
	}
	resumed, err := g.ctrl.ResumeConversation(req.ChatID)
	if err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"resumed": resumed,
		"status":  g.ctrl.PauseStatus(),
	})
}

// handleLogout implements POST /api/bot/logout
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	if err := g.ctrl.Logout(r.Context()); err != nil {
		g.logger.Error("logout failed", "error", err)
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleConversations implements GET /api/conversations
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	stats, err := g.ctrl.ListConversations(r.Context())
	if err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, stats)
}

// handleConversationHistory implements DELETE /api/conversations/{id}/history
func (g *Gateway) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodDelete) {
		return
	}
	id := r.PathValue("id")
	cleared, err := g.ctrl.ClearHistory(r.Context(), id)
	if err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !cleared {
		g.writeError(w, "conversation not found", http.StatusNotFound)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
