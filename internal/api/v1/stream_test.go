package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/skywatch/internal/broadcast"
	"github.com/tphakala/skywatch/internal/ingest"
)

type sseFrame struct {
	event string
	data  string
}

// readFrame reads one "event:/data:" block terminated by a blank line.
func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if f.event != "" {
				return f
			}
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStreamEventsSSE(t *testing.T) {
	t.Parallel()
	env := setupTestEnvironment(t)
	srv := httptest.NewServer(env.e)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/stream?events=object_detection", http.NoBody)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	r := bufio.NewReader(resp.Body)
	connected := readFrame(t, r)
	require.Equal(t, connectedEvent, connected.event)
	var hello map[string]any
	require.NoError(t, json.Unmarshal([]byte(connected.data), &hello))
	assert.NotEmpty(t, hello["clientId"])
	assert.Equal(t, []any{broadcast.EventObjectDetection}, hello["events"])

	// filtered out: an mqtt_message only
	_, err = env.ingest.IngestBusMessage(ctx, "drones/x", []byte(`not json`))
	require.Error(t, err)

	rec := env.postJSON(t, "/api/v1/offensive", `{"droneId":"D7","lat":5,"long":6}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	frame := readFrame(t, r)
	require.Equal(t, broadcast.EventObjectDetection, frame.event)
	var payload ingest.BatchPayload
	require.NoError(t, json.Unmarshal([]byte(frame.data), &payload))
	require.Len(t, payload.Objects, 1)
	assert.Equal(t, "D7", payload.Objects[0].DroneID)

	cancel()
	require.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamEventsHeartbeat(t *testing.T) {
	t.Parallel()
	env := setupTestEnvironment(t, WithStreamConfig(StreamConfig{Heartbeat: 20 * time.Millisecond}))
	srv := httptest.NewServer(env.e)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/stream", http.NoBody)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	require.Equal(t, connectedEvent, readFrame(t, r).event)

	frame := readFrame(t, r)
	require.Equal(t, heartbeatEvent, frame.event)
	var beat map[string]any
	require.NoError(t, json.Unmarshal([]byte(frame.data), &beat))
	assert.InDelta(t, 1, beat["clients"], 0)
	assert.Contains(t, beat, "timestamp")
	assert.Contains(t, beat, "dropped")
}

func TestStreamEventsEndsOnShutdown(t *testing.T) {
	t.Parallel()
	env := setupTestEnvironment(t)
	srv := httptest.NewServer(env.e)
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL + "/api/v1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	require.Equal(t, connectedEvent, readFrame(t, r).event)

	env.controller.Shutdown()

	// the handler returned, so the body ends
	_, err = r.ReadString('\n')
	require.Error(t, err)
	assert.Zero(t, env.hub.Count())
}

func TestStreamRejectsUnknownEvents(t *testing.T) {
	t.Parallel()
	env := setupTestEnvironment(t)

	for _, target := range []string{
		"/api/v1/stream?events=object_detection,bogus",
		"/api/v1/ws?events=bogus",
	} {
		rec := env.get(t, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Contains(t, decodeBody[ErrorResponse](t, rec).Message, "Invalid event filter")
	}
	assert.Zero(t, env.hub.Count())
}

func TestStreamConnectionRateLimit(t *testing.T) {
	t.Parallel()
	env := setupTestEnvironment(t, WithStreamConfig(StreamConfig{ConnectRate: 0.001}))

	// rejected filters still count as connection attempts
	for range DefaultConnectBurst {
		rec := env.get(t, "/api/v1/stream?events=bogus")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}
	rec := env.get(t, "/api/v1/stream?events=bogus")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// status is not rate limited
	rec = env.get(t, "/api/v1/stream/status")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "active", status["status"])
	assert.InDelta(t, 0, status["connected_clients"], 0)
}

func dialWebSocket(t *testing.T, srv *httptest.Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return conn
}

func TestWebSocketEnvelopes(t *testing.T) {
	t.Parallel()
	env := setupTestEnvironment(t)
	srv := httptest.NewServer(env.e)
	t.Cleanup(srv.Close)

	conn := dialWebSocket(t, srv, "/api/v1/ws?events=defensive_alert", nil)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec := env.postJSON(t, "/api/v1/offensive", `{"droneId":"D1","lat":1,"long":2}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.postJSON(t, "/api/v1/alerts", `{"cameraId":"CAM-5","lat":1,"long":2}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev broadcast.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, broadcast.EventDefensiveAlert, ev.Name)
	var alert map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &alert))
	assert.Equal(t, "CAM-5", alert["cameraId"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketClosedOnShutdown(t *testing.T) {
	t.Parallel()
	env := setupTestEnvironment(t)
	srv := httptest.NewServer(env.e)
	t.Cleanup(srv.Close)

	conn := dialWebSocket(t, srv, "/api/v1/ws", nil)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	env.controller.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, env.hub.Count())
}

func TestWebSocketOriginCheck(t *testing.T) {
	t.Parallel()
	env := setupTestEnvironment(t, WithStreamConfig(StreamConfig{AllowedOrigins: []string{"http://console.local"}}))
	srv := httptest.NewServer(env.e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.local"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn := dialWebSocket(t, srv, "/api/v1/ws", http.Header{"Origin": []string{"http://console.local"}})
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin header", []string{"http://a"}, "", true},
		{"empty allow-list", nil, "http://b", true},
		{"listed", []string{"http://a", "http://b"}, "http://b", true},
		{"wildcard", []string{"*"}, "http://z", true},
		{"not listed", []string{"http://a"}, "http://b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &Controller{stream: StreamConfig{AllowedOrigins: tt.allowed}}
			req := httptest.NewRequest(http.MethodGet, "/api/v1/ws", http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, c.checkOrigin(req))
		})
	}
}

func TestParseEventFilter(t *testing.T) {
	t.Parallel()

	events, err := parseEventFilter("")
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = parseEventFilter(" mqtt_message , defensive_alert,mqtt_message")
	require.NoError(t, err)
	assert.Equal(t, []string{broadcast.EventMQTTMessage, broadcast.EventDefensiveAlert}, events)

	_, err = parseEventFilter("defensive_alert,heartbeat")
	require.Error(t, err)
}
