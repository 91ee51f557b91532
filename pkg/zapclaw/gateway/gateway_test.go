package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels/whatsapp"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/history"
	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/pause"
)

type fakeController struct {
	events    *copilot.Events
	status    pause.Status
	resumed   []string
	cleared   []string
	logoutErr error
	logouts   int
}

func (f *fakeController) SetGlobalPause(p bool) pause.Status {
	f.status.GlobalPause = p
	f.events.EmitPauseStatus(f.status)
	return f.status
}

func (f *fakeController) ResumeConversation(id string) (bool, error) {
	f.resumed = append(f.resumed, id)
	return id == "5511@s.whatsapp.net", nil
}

func (f *fakeController) PauseStatus() pause.Status { return f.status }

func (f *fakeController) ClearHistory(_ context.Context, id string) (bool, error) {
	f.cleared = append(f.cleared, id)
	return id == "5511@s.whatsapp.net", nil
}

func (f *fakeController) ListConversations(context.Context) (history.Stats, error) {
	return history.Stats{Conversations: 1, Turns: 4, Contacts: []history.ContactStats{{ConversationID: "5511@s.whatsapp.net", TurnCount: 4}}}, nil
}

func (f *fakeController) Logout(context.Context) error {
	f.logouts++
	return f.logoutErr
}

func (f *fakeController) Events() *copilot.Events { return f.events }

type fakeLinkStatus struct {
	ready bool
	qr    *whatsapp.QREvent
}

func (f fakeLinkStatus) IsReady() bool { return f.ready }

func (f fakeLinkStatus) Diagnostics() whatsapp.Diagnostics {
	st := whatsapp.StateConnecting
	if f.ready {
		st = whatsapp.StateOpen
	}
	return whatsapp.Diagnostics{State: st}
}

func (f fakeLinkStatus) LastQR() (whatsapp.QREvent, bool) {
	if f.qr == nil {
		return whatsapp.QREvent{}, false
	}
	return *f.qr, true
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestGateway(t *testing.T, token string, link LinkStatus) (*httptest.Server, *fakeController) {
	t.Helper()
	ctrl := &fakeController{events: copilot.NewEvents(testLogger()), status: pause.Status{PausedChats: []pause.Entry{}}}
	g := New(ctrl, link, copilot.GatewayConfig{AuthToken: token, CORSOrigins: []string{"https://dash.example.com"}}, testLogger())
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return srv, ctrl
}

func do(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestGateway(t, "secret", fakeLinkStatus{ready: true})

	resp, body := do(t, http.MethodGet, srv.URL+"/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["whatsapp"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestGateway(t, "secret", nil)

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/bot/pause-status", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/bot/pause-status", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/bot/pause-status", "secret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["globalPause"])
}

func TestPauseGlobal(t *testing.T) {
	srv, ctrl := newTestGateway(t, "", nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/bot/pause-global", "", `{"paused":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["globalPause"])
	assert.True(t, ctrl.status.GlobalPause)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/bot/pause-global", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/bot/pause-global", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestResumeChat(t *testing.T) {
	srv, ctrl := newTestGateway(t, "", nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/bot/resume-chat", "", `{"chatId":"5511@s.whatsapp.net"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["resumed"])
	assert.Equal(t, []string{"5511@s.whatsapp.net"}, ctrl.resumed)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/bot/resume-chat", "", `{"chatId":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConversations(t *testing.T) {
	srv, ctrl := newTestGateway(t, "", nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/conversations", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["conversations"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/conversations/5511@s.whatsapp.net/history", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/conversations/other/history", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, []string{"5511@s.whatsapp.net", "other"}, ctrl.cleared)
}

func TestLogout(t *testing.T) {
	srv, ctrl := newTestGateway(t, "", nil)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/bot/logout", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctrl.logoutErr = errors.New("not linked")
	resp, body := do(t, http.MethodPost, srv.URL+"/api/bot/logout", "", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotNil(t, body["error"])
	assert.Equal(t, 2, ctrl.logouts)
}

func TestQR(t *testing.T) {
	srv, _ := newTestGateway(t, "", fakeLinkStatus{qr: &whatsapp.QREvent{Type: "code", Code: "2@abc"}})
	resp, body := do(t, http.MethodGet, srv.URL+"/api/qr", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["connected"])
	assert.Equal(t, "2@abc", body["qr"].(map[string]any)["code"])

	srv2, _ := newTestGateway(t, "", fakeLinkStatus{})
	resp, _ = do(t, http.MethodGet, srv2.URL+"/api/qr", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestGateway(t, "secret", nil)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dash.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://dash.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketStream(t *testing.T) {
	srv, ctrl := newTestGateway(t, "secret", fakeLinkStatus{ready: true})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=secret"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() wsMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var m wsMessage
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	assert.Equal(t, "pause_status", read().Type)
	assert.Equal(t, "status", read().Type)

	ctrl.events.EmitError("5511@s.whatsapp.net", "boom")
	m := read()
	assert.Equal(t, "error", m.Type)
	assert.Equal(t, "boom", m.Data.(map[string]any)["message"])
	assert.False(t, m.Timestamp.IsZero())
}

func TestWebSocketRequiresToken(t *testing.T) {
	srv, _ := newTestGateway(t, "secret", nil)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
