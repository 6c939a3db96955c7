// ABOUTME: Tests for the operator HTTP API: run lifecycle endpoints, guard status codes, SSE stream.
// ABOUTME: Uses httptest against the chi router with the in-memory ledger behind the controller.
package web_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltaic-labs/carousel/engine"
	"github.com/voltaic-labs/carousel/ledger"
	"github.com/voltaic-labs/carousel/web"
)

type stubStore struct {
	states []*engine.RunState
}

func (s *stubStore) Save(state *engine.RunState) error {
	s.states = append(s.states, state)
	return nil
}

func (s *stubStore) LoadRecent(n int) ([]*engine.RunState, error) {
	if n > len(s.states) {
		n = len(s.states)
	}
	return s.states[:n], nil
}

func testConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Identities = []ledger.Identity{
		{Name: "custodian", Role: ledger.RoleCustodian},
		{Name: "seller", Role: ledger.RoleSeller},
		{Name: "alice", Role: ledger.RoleParticipant},
		{Name: "bob", Role: ledger.RoleParticipant},
	}
	cfg.Profiles = nil
	cfg.Cycles = 1
	cfg.SubsetSize = 2
	cfg.ReserveRequirement = 100
	cfg.NoBidderRate = 0
	return cfg
}

func newTestServer(t *testing.T) (*web.Server, *ledger.MemLedger, *engine.Broadcaster) {
	t.Helper()
	cfg := testConfig()
	client := ledger.NewMemLedger()
	client.FundExternal(ledger.Identity{Name: "custodian"}, decimal.NewFromInt(1000))
	client.FundEscrow(ledger.Identity{Name: "alice"}, decimal.NewFromInt(500))
	client.FundEscrow(ledger.Identity{Name: "bob"}, decimal.NewFromInt(500))

	store := &stubStore{}
	broadcaster := engine.NewBroadcaster()
	controller, err := engine.NewController(cfg, client, store, broadcaster)
	require.NoError(t, err)

	return web.NewServer(controller, store, broadcaster, web.ServerConfig{}), client, broadcaster
}

func TestStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status engine.ControllerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)
	assert.False(t, status.Recovering)
}

func TestStartRunAndLatest(t *testing.T) {
	s, _, broadcaster := newTestServer(t)
	events, unsub := broadcaster.Subscribe()
	defer unsub()

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"cycles": 1}`)
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", body))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)

	waitForType(t, events, engine.EventRunCompleted)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var latest engine.RunState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, resp.RunID, latest.ID)
	assert.Equal(t, engine.StatusCompleted, latest.Status)
}

func TestStartRunConflictWhileBusy(t *testing.T) {
	s, _, broadcaster := newTestServer(t)
	events, unsub := broadcaster.Subscribe()
	defer unsub()

	// A long run keeps the controller busy while the second request lands.
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{"cycles": 5000}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	waitForType(t, events, engine.EventRunStarted)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", nil))
	if rec.Code == http.StatusAccepted {
		t.Skip("first run finished before the second request; busy path not observable")
	}
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs/stop", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStopWithoutRunConflicts(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs/stop", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReserveShortfallStatusCode(t *testing.T) {
	cfg := testConfig()
	cfg.ReserveRequirement = 1_000_000
	client := ledger.NewMemLedger()
	controller, err := engine.NewController(cfg, client, nil, nil)
	require.NoError(t, err)
	s := web.NewServer(controller, nil, nil, web.ServerConfig{})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", nil))
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestListRunsEmpty(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestEventsStream(t *testing.T) {
	s, _, broadcaster := newTestServer(t)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	broadcaster.Publish(engine.Event{Type: engine.EventRunStarted, RunID: "run-x", Timestamp: time.Now()})

	reader := bufio.NewReader(resp.Body)
	var sawEvent, sawData bool
	for !(sawEvent && sawData) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			assert.Equal(t, "event: run.started", strings.TrimSpace(line))
			sawEvent = true
		}
		if strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, `"run_id":"run-x"`)
			sawData = true
		}
	}
}

func waitForType(t *testing.T, ch <-chan engine.Event, typ engine.EventType) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == typ {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}
