package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestd/internal/telemetry"
	"ingestd/internal/validate"
)

type fakeEngine struct {
	running   bool
	startErr  error
	lastStart StartConfig
}

func (f *fakeEngine) Start(ctx context.Context, cfg StartConfig) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	f.lastStart = cfg
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context) error {
	f.running = false
	return nil
}

func (f *fakeEngine) Status() Status {
	return Status{Running: f.running, Shards: []ShardStatus{{Index: 0, State: "connected"}}}
}

func (f *fakeEngine) DBStats(ctx context.Context) (interface{}, error) {
	return map[string]int{"symbols": 1}, nil
}

func (f *fakeEngine) Validate(ctx context.Context) (validate.Result, error) {
	return validate.Result{Pass: true}, nil
}

func (f *fakeEngine) LastStartConfig() StartConfig {
	return f.lastStart
}

func newTestServer(engine Engine) *Server {
	return New(Config{Address: ":0"}, engine, telemetry.New(8))
}

func TestStartAcceptsThenReportsAlreadyRunning(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(engine)
	handler, err := srv.Handler()
	require.NoError(t, err)

	body := `{"symbols":["BTCUSDT"],"channels":["bookTicker"]}`
	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"accepted"`)

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rec2, req2)
	require.Contains(t, rec2.Body.String(), `"already_running"`)
}

func TestStopIsIdempotent(t *testing.T) {
	engine := &fakeEngine{running: true}
	srv := newTestServer(engine)
	handler, err := srv.Handler()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/stop", nil)
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestStatusReflectsEngineSnapshot(t *testing.T) {
	engine := &fakeEngine{running: true}
	srv := newTestServer(engine)
	handler, err := srv.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"running":true`)
}

func TestRestartWithEmptyBodyReusesLastStartConfig(t *testing.T) {
	engine := &fakeEngine{running: true, lastStart: StartConfig{Symbols: []string{"ETHUSDT"}, Channels: []string{"markPrice"}}}
	srv := newTestServer(engine)
	handler, err := srv.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/restart", nil)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"ETHUSDT"}, engine.lastStart.Symbols)
	require.Equal(t, []string{"markPrice"}, engine.lastStart.Channels)
}

func TestRestartWithBodyOverridesLastStartConfig(t *testing.T) {
	engine := &fakeEngine{running: true, lastStart: StartConfig{Symbols: []string{"ETHUSDT"}}}
	srv := newTestServer(engine)
	handler, err := srv.Handler()
	require.NoError(t, err)

	body := `{"symbols":["BTCUSDT"]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/restart", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"BTCUSDT"}, engine.lastStart.Symbols)
}

func TestTelemetryStreamForwardsBusEvents(t *testing.T) {
	engine := &fakeEngine{}
	bus := telemetry.New(8)
	srv := New(Config{Address: ":0", TelemetryInterval: time.Hour}, engine, bus)
	handler, err := srv.Handler()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/telemetry", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.Publish(telemetry.Event{Kind: telemetry.KindConnectionState, Component: "stream:0"})
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	handler.ServeHTTP(rec, req)
	require.Contains(t, rec.Body.String(), "stream:0")
}

func TestRunShutsDownOnContextCancel(t *testing.T) {
	engine := &fakeEngine{}
	srv := New(Config{Address: "127.0.0.1:0"}, engine, telemetry.New(8))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := srv.Run(ctx)
	require.NoError(t, err)
}
