package dashboard_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalnine/orruns/internal/api"
	"github.com/signalnine/orruns/internal/dashboard"
	"github.com/signalnine/orruns/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(t *testing.T, base, experiment string, pop int) string {
	t.Helper()
	tr, err := tracker.New(experiment, tracker.WithBaseDir(base))
	require.NoError(t, err)
	require.NoError(t, tr.LogParams(map[string]any{"population_size": pop}))
	require.NoError(t, tr.LogMetric("fitness", float64(pop)/10, 0))
	_, err = tr.LogArtifact("history.csv", [][]string{{"gen", "fitness"}, {"0", "1"}}, tracker.TypeData)
	require.NoError(t, err)
	require.NoError(t, tr.Finish(nil))
	return tr.RunID()
}

func newServer(t *testing.T) (*httptest.Server, string, string) {
	t.Helper()
	base := t.TempDir()
	id := record(t, base, "ga_study", 20)
	record(t, base, "ga_study", 50)
	a := api.New(base)
	t.Cleanup(a.Close)
	srv := httptest.NewServer(dashboard.New(a, dashboard.WithPollInterval(20*time.Millisecond)).Handler())
	t.Cleanup(srv.Close)
	return srv, base, id
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRoutes(t *testing.T) {
	srv, _, id := newServer(t)

	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/healthz", http.StatusOK, "ok"},
		{"/", http.StatusOK, "ga_study"},
		{"/api/experiments", http.StatusOK, `"run_count": 2`},
		{"/api/experiments?pattern=ga_*&last=1", http.StatusOK, `"name": "ga_study"`},
		{"/api/experiments?last=x", http.StatusBadRequest, "last"},
		{"/api/experiments?pattern=%5B", http.StatusBadRequest, "pattern"},
		{"/api/experiments/ga_study", http.StatusOK, `"metric_keys": [`},
		{"/api/experiments/missing", http.StatusNotFound, "not found"},
		{"/api/experiments/ga_study/runs/" + id, http.StatusOK, `"population_size": 20`},
		{"/api/experiments/ga_study/runs/" + id + "/artifacts", http.StatusOK, "history.csv"},
		{"/api/experiments/ga_study/runs/" + id + "/artifacts/data/history.csv", http.StatusOK, "gen,fitness"},
		{"/api/experiments/ga_study/runs/" + id + "/artifacts/data/missing.csv", http.StatusNotFound, "not found"},
		{"/api/experiments/ga_study/runs/" + id + "/artifacts/bogus/history.csv", http.StatusBadRequest, "kind"},
		{"/api/experiments/ga_study/merged/latest", http.StatusNotFound, "not found"},
		{"/api/experiments/ga_study/report", http.StatusOK, "<table>"},
		{"/api/experiments/ga_study/report?format=markdown", http.StatusOK, "| Params | Runs |"},
		{"/api/experiments/ga_study/report?format=json", http.StatusOK, `"groups"`},
		{"/api/experiments/ga_study/report?format=pdf", http.StatusBadRequest, "format"},
		{"/api/query?experiment=ga_study&param=population_size__gt=30", http.StatusOK, `"population_size": 50`},
		{"/api/query?param=population_size__near=30", http.StatusBadRequest, "unknown filter operator"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, body := get(t, srv.URL+tt.path)
			assert.Equal(t, tt.status, status, body)
			assert.Contains(t, body, tt.want)
		})
	}
}

func TestQueryFiltersRuns(t *testing.T) {
	srv, _, _ := newServer(t)
	status, body := get(t, srv.URL+"/api/query?metric=fitness__lte=2")
	require.Equal(t, http.StatusOK, status)
	var runs []api.RunSummary
	require.NoError(t, json.Unmarshal([]byte(body), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, 20.0, runs[0].Params["population_size"])
}

func TestWebsocketPushesChanges(t *testing.T) {
	srv, base, _ := newServer(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() dashboard.Snapshot {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var snap dashboard.Snapshot
		require.NoError(t, conn.ReadJSON(&snap))
		return snap
	}

	first := read()
	assert.Equal(t, "experiments", first.Type)
	require.Len(t, first.Experiments, 1)

	record(t, base, "tsp", 10)
	second := read()
	var names []string
	for _, e := range second.Experiments {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"ga_study", "tsp"}, names)
}

func TestServeStopsOnCancel(t *testing.T) {
	a := api.New(t.TempDir())
	defer a.Close()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dashboard.New(a).Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
