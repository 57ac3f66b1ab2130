package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragotesac/frazkteco-devices/internal/capture"
	"github.com/fragotesac/frazkteco-devices/internal/config"
	"github.com/fragotesac/frazkteco-devices/internal/model"
	"github.com/fragotesac/frazkteco-devices/internal/mqttbroker"
	"github.com/fragotesac/frazkteco-devices/internal/reconcile"
	"github.com/fragotesac/frazkteco-devices/internal/syncer"
	"github.com/fragotesac/frazkteco-devices/internal/terminal"
	"github.com/fragotesac/frazkteco-devices/internal/terminal/mqttgw"
	"github.com/fragotesac/frazkteco-devices/internal/terminal/terminaltest"
	"github.com/fragotesac/frazkteco-devices/internal/terminal/zktcp"
)

type testApp struct {
	*App
	dev     *terminaltest.Device
	handler http.Handler
}

func newTestApp(t *testing.T, reader capture.Reader) *testApp {
	t.Helper()
	return newTestAppWith(t, reader, nil)
}

func newTestAppWith(t *testing.T, reader capture.Reader, tune func(*config.Config)) *testApp {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Config{
		HTTPPort:             3000,
		DatabasePath:         filepath.Join(dir, "zk.db"),
		WebDir:               dir,
		CORSOrigins:          []string{"http://localhost:3000"},
		TerminalHost:         "192.168.18.201",
		TerminalPort:         4370,
		TerminalDeadline:     2 * time.Second,
		DeviceLabel:          "MA300",
		SyncInterval:         time.Hour,
		SyncStartupDelay:     time.Hour,
		CaptureSamples:       3,
		CapturePollInterval:  time.Millisecond,
		CaptureSampleTimeout: 50 * time.Millisecond,
		GatewayTopic:         "zkcontrol/terminal",
	}
	if tune != nil {
		tune(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(cfg, logger)
	dev := terminaltest.New()
	require.NoError(t, a.open(context.Background(), deps{dialer: dev.Dialer(), reader: reader}))
	t.Cleanup(func() {
		_ = a.Close()
	})

	return &testApp{App: a, dev: dev, handler: a.routes()}
}

func (ta *testApp) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestRegisterAndListPeople(t *testing.T) {
	ta := newTestApp(t, nil)

	rec, body := ta.do(t, http.MethodPost, "/usuario", map[string]string{"dni": "12345678"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "dni y nombre son requeridos", body["error"])

	rec, body = ta.do(t, http.MethodPost, "/usuario", map[string]string{"dni": "12345678", "nombre": "Ana"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.EqualValues(t, 1, body["uid"])

	rec, body = ta.do(t, http.MethodPost, "/usuario", map[string]string{"dni": "12345678", "nombre": "Ana María", "apellido": "Quispe"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["uid"])
	assert.Equal(t, "Usuario actualizado", body["mensaje"])

	rec, _ = ta.do(t, http.MethodGet, "/usuarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var people []model.Person
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &people))
	require.Len(t, people, 1)
	assert.Equal(t, "Ana María", people[0].Name)
	assert.Equal(t, "Quispe", people[0].Surname)
}

func TestCapturePlaceholderWithoutSDK(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	_, err := ta.rec.Register(ctx, reconcile.Registration{NationalID: "12345678", Name: "Ana"})
	require.NoError(t, err)

	rec, body := ta.do(t, http.MethodPost, "/captura-huella", map[string]any{"dni": "12345678"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["placeholder"])
	assert.NotEmpty(t, body["advertencia"])

	p, err := ta.store.PersonByNationalID(ctx, "12345678")
	require.NoError(t, err)
	tpl, err := ta.store.Template(ctx, p.ID, 1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(tpl.Template), "placeholder-12345678-"))

	require.Eventually(t, func() bool { return len(ta.dev.StoredUsers()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "12345678", ta.dev.StoredUsers()[0].UserID)

	rec, body = ta.do(t, http.MethodGet, "/slk20r/estado", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["sdkDisponible"])
	assert.Equal(t, false, body["capturaActiva"])
}

func TestCaptureRejectsBadRequests(t *testing.T) {
	ta := newTestApp(t, nil)

	rec, _ := ta.do(t, http.MethodPost, "/captura-huella", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ta.do(t, http.MethodPost, "/captura-huella", map[string]any{"dni": "99999999"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := ta.rec.Register(context.Background(), reconcile.Registration{NationalID: "12345678", Name: "Ana"})
	require.NoError(t, err)
	rec, _ = ta.do(t, http.MethodPost, "/captura-huella", map[string]any{"dni": "12345678", "lecturas": 11})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type stubReader struct{}

func (stubReader) Init() (int, error)                     { return 1, nil }
func (stubReader) OpenDevice(int) (capture.Handle, error) { return 1, nil }
func (stubReader) CloseDevice(capture.Handle) error       { return nil }
func (stubReader) Acquire(capture.Handle) ([]byte, error) { return []byte("tpl"), nil }
func (stubReader) Terminate() error                       { return nil }
func (stubReader) Merge(_ capture.Handle, _, _, _ []byte) ([]byte, error) {
	return []byte("fused-template"), nil
}

// idleReader never sees a finger and counts releases.
type idleReader struct {
	stubReader
	closed, terminated atomic.Int32
}

func (r *idleReader) Acquire(capture.Handle) ([]byte, error) { return nil, capture.ErrPending }
func (r *idleReader) CloseDevice(capture.Handle) error {
	r.closed.Add(1)
	return nil
}
func (r *idleReader) Terminate() error {
	r.terminated.Add(1)
	return nil
}

func TestCloseReleasesReaderDuringCapture(t *testing.T) {
	reader := &idleReader{}
	ta := newTestAppWith(t, reader, func(cfg *config.Config) {
		cfg.CaptureSampleTimeout = time.Minute
	})
	_, err := ta.rec.Register(context.Background(), reconcile.Registration{NationalID: "12345678", Name: "Ana"})
	require.NoError(t, err)

	codes := make(chan int, 1)
	go func() {
		rec, _ := ta.do(t, http.MethodPost, "/captura-huella", map[string]any{"dni": "12345678"})
		codes <- rec.Code
	}()
	require.Eventually(t, func() bool {
		st := ta.capture.Status()
		return st.Active && st.Connected
	}, time.Second, time.Millisecond)

	require.NoError(t, ta.Close())

	select {
	case code := <-codes:
		assert.Equal(t, http.StatusInternalServerError, code)
	case <-time.After(2 * time.Second):
		t.Fatal("capture request still running after Close")
	}
	assert.EqualValues(t, 1, reader.closed.Load())
	assert.EqualValues(t, 1, reader.terminated.Load())
	assert.False(t, ta.capture.Status().Connected)
}

func TestCaptureWithReader(t *testing.T) {
	ta := newTestApp(t, stubReader{})

	_, err := ta.rec.Register(context.Background(), reconcile.Registration{NationalID: "12345678", Name: "Ana"})
	require.NoError(t, err)

	rec, body := ta.do(t, http.MethodPost, "/captura-huella", map[string]any{"dni": "12345678"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, len("fused-template"), body["templateSize"])
	assert.Equal(t, true, body["fusionada"])

	_, body = ta.do(t, http.MethodGet, "/slk20r/estado", nil)
	assert.Equal(t, true, body["conectado"])

	rec, body = ta.do(t, http.MethodPost, "/slk20r/cerrar", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])

	_, body = ta.do(t, http.MethodGet, "/slk20r/estado", nil)
	assert.Equal(t, false, body["conectado"])
}

func TestAttendanceListings(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	_, err := ta.rec.Register(ctx, reconcile.Registration{NationalID: "12345678", Name: "Ana"})
	require.NoError(t, err)
	ta.dev.SetAttendances(
		model.DeviceAttendance{DeviceUserID: "12345678", RecordTime: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
		model.DeviceAttendance{DeviceUserID: "55555555", RecordTime: time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), Type: 1},
	)

	rec, body := ta.do(t, http.MethodPost, "/dispositivo/descargar-eventos", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2 nuevas marcaciones descargadas (total: 2)", body["mensaje"])

	rec, _ = ta.do(t, http.MethodGet, "/marcaciones?desde=2024-01-01&hasta=2024-01-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []model.AttendanceRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, model.StatusValidated, records[0].Status)

	rec, _ = ta.do(t, http.MethodGet, "/marcaciones/sin-validar", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []model.AttendanceEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "55555555", events[0].BadgeNumber)
	assert.Equal(t, model.DirectionOut, events[0].Direction)

	rec, _ = ta.do(t, http.MethodGet, "/marcaciones?desde=ayer", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadEventsUnsupported(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.dev.AttendancesErr = terminal.ErrUnsupported

	rec, body := ta.do(t, http.MethodPost, "/dispositivo/descargar-eventos", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, false, body["ok"])
}

func TestPushAllAndDeviceInfo(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	for _, dni := range []string{"12345678", "87654321"} {
		_, err := ta.rec.Register(ctx, reconcile.Registration{NationalID: dni, Name: "Persona " + dni})
		require.NoError(t, err)
	}

	rec, body := ta.do(t, http.MethodPost, "/dispositivo/sincronizar", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2 sincronizados, 0 errores de 2 usuarios", body["mensaje"])

	ta.dev.AttendancesErr = terminal.ErrUnsupported
	rec, body = ta.do(t, http.MethodGet, "/dispositivo/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "192.168.18.201", body["ip"])
	assert.EqualValues(t, 4370, body["puerto"])
	assert.EqualValues(t, 2, body["usuarios"])
	assert.EqualValues(t, 0, body["marcaciones"])
	assert.Equal(t, false, body["slkConectado"])
}

func TestDiagnosticsAndHealth(t *testing.T) {
	ta := newTestApp(t, nil)

	rec, body := ta.do(t, http.MethodGet, "/slk20r/diagnostico", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["sdkDisponible"])
	assert.NotNil(t, body["dlls"])

	payload, err := mqttgw.Marshal(mqttgw.Status{Gateway: "gw-1", Terminal: "192.168.18.201:4370", At: time.Now()})
	require.NoError(t, err)
	ta.gateways.handle(context.Background(), mqttbroker.PublishMessage{Topic: mqttgw.StatusTopic("zkcontrol/terminal", "gw-1"), Payload: payload})
	ta.gateways.handle(context.Background(), mqttbroker.PublishMessage{Topic: "other/topic", Payload: payload})

	rec, body = ta.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	gateways, ok := body["gateways"].([]any)
	require.True(t, ok)
	require.Len(t, gateways, 1)
	assert.Equal(t, "gw-1", gateways[0].(map[string]any)["gateway"])
	assert.Equal(t, true, gateways[0].(map[string]any)["online"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", reconcile.ErrValidation), http.StatusBadRequest},
		{capture.ErrInvalidSamples, http.StatusBadRequest},
		{reconcile.ErrNotFound, http.StatusNotFound},
		{capture.ErrConflict, http.StatusConflict},
		{syncer.ErrBusy, http.StatusConflict},
		{terminal.ErrTimeout, http.StatusBadGateway},
		{&terminal.ConnectError{Address: "x", Err: errors.New("refused")}, http.StatusBadGateway},
		{errors.New("read tcp: connection reset by peer"), http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestFeedStreamsEvents(t *testing.T) {
	ta := newTestApp(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ta.hub.Run(ctx)

	srv := httptest.NewServer(ta.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration completes asynchronously after the handshake.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ta.hub.Publish(EventCapture, capture.Transition{State: capture.StatePolling, NationalID: "12345678"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev struct {
		Type string             `json:"type"`
		Data capture.Transition `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, EventCapture, ev.Type)
	assert.Equal(t, capture.StatePolling, ev.Data.State)
}

func TestParseTXT(t *testing.T) {
	a := New(config.Config{HTTPPort: 3000, GatewayTopic: "zkcontrol/terminal", TerminalHost: "10.0.0.2", TerminalPort: 4370}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	txt := ParseTXT(append(a.mdnsTXT(1883, "host.local"), "junk"))
	assert.Equal(t, "1883", txt["mqtt_port"])
	assert.Equal(t, "zkcontrol/terminal", txt["topic"])
	assert.Equal(t, "10.0.0.2:4370", txt["terminal"])
	assert.NotContains(t, txt, "junk")

	assert.Equal(t, "ZKControl MA300 (box 1)", sanitizeMDNSInstance("ZKControl MA300 (box_1)"))
	assert.Equal(t, "my-host", sanitizeMDNSHost(" My Host "))
}

func TestDialerFollowsTerminalTransport(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ep := terminal.Endpoint{Address: "127.0.0.1:4370"}

	direct := New(config.Config{TerminalTransport: config.TransportTCP}, logger).dialer()(ep)
	assert.IsType(t, &zktcp.Client{}, direct)

	relayed := New(config.Config{
		TerminalTransport: config.TransportGateway,
		MQTTBrokerURL:     "tcp://127.0.0.1:1883",
		GatewayTopic:      "zkcontrol/terminal",
	}, logger).dialer()(ep)
	assert.IsType(t, &mqttgw.Client{}, relayed)
	relayed.Destroy()
}
