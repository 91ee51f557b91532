package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels/whatsapp"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/pause"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsBuffer     = 64
)

// wsMessage is the JSON frame sent to dashboard clients.
type wsMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// handleWebSocket implements GET /ws: a one-way stream of assistant events.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(g.config.CORSOrigins) == 0 || g.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	out := make(chan wsMessage, wsBuffer)
	push := func(typ string, data any) {
		select {
		case out <- wsMessage{Type: typ, Data: data, Timestamp: time.Now()}:
		default:
			g.logger.Warn("websocket client too slow, dropping event", "type", typ)
		}
	}

	unsubscribe := g.ctrl.Events().Subscribe(copilot.Observer{
		QR:              func(e whatsapp.QREvent) { push("qr", e) },
		Status:          func(e copilot.StatusEvent) { push("status", e) },
		Disconnected:    func(e copilot.StatusEvent) { push("disconnected", e) },
		Error:           func(e copilot.ErrorEvent) { push("error", e) },
		PauseStatus:     func(s pause.Status) { push("pause_status", s) },
		MessageReceived: func(e copilot.MessageEvent) { push("message_received", e) },
		ManualMessage:   func(e copilot.MessageEvent) { push("manual_message", e) },
		Delivered:       func(e copilot.DeliveredEvent) { push("delivered", e) },
	})
	defer unsubscribe()

	// Initial snapshot so a fresh dashboard does not wait for a change.
	push("pause_status", g.ctrl.PauseStatus())
	if g.link != nil {
		push("status", copilot.StatusEvent{
			State: string(g.link.Diagnostics().State),
			Ready: g.link.IsReady(),
			At:    time.Now(),
		})
		if qr, ok := g.link.LastQR(); ok {
			push("qr", qr)
		}
	}

	// Reader: only control frames are expected; any error ends the stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				g.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
