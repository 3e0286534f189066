package stats

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"megacity-metro/internal/metrics"
	"megacity-metro/internal/serializer"
)

func TestSnapshotGroupsByRouteAndStatus(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/metrics", 200, 100*time.Millisecond)
	recorder.ObserveRequest("GET", "/metrics", 200, 300*time.Millisecond)
	recorder.ObserveRequest("GET", "/metrics", 500, 100*time.Millisecond)
	recorder.ObserveRequest("POST", "", 404, time.Millisecond)

	snapshot, err := recorder.Snapshot()
	require.NoError(t, err)

	total, _ := snapshot.Get("total")
	assert.Equal(t, uint64(4), total)

	routesValue, _ := snapshot.Get("routes")
	routes := routesValue.(*serializer.Map)
	assert.Equal(t, 2, routes.Len())

	metricsValue, ok := routes.Get("GET /metrics")
	require.True(t, ok)
	entry := metricsValue.(*serializer.Map)
	count, _ := entry.Get("count")
	assert.Equal(t, uint64(3), count)
	sum, _ := entry.Get("duration_seconds")
	assert.InDelta(t, 0.5, sum, 1e-9)

	statusesValue, _ := entry.Get("statuses")
	statuses := statusesValue.(*serializer.Map)
	ok200, _ := statuses.Get("200")
	failed, _ := statuses.Get("500")
	assert.Equal(t, uint64(2), ok200)
	assert.Equal(t, uint64(1), failed)

	_, ok = routes.Get("POST " + RouteUnmatched)
	assert.True(t, ok)
}

func TestSnapshotEmpty(t *testing.T) {
	snapshot, err := New().Snapshot()
	require.NoError(t, err)

	data, err := serializer.Marshal(snapshot)
	require.NoError(t, err)
	assert.Equal(t, `{"total":0,"routes":{}}`, string(data))
}

func TestRegisterInstallsProducers(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	recorder := newRecorder(func() time.Time { return now })
	reg := metrics.NewRegistry()

	require.NoError(t, recorder.Register(reg, "/server/"))
	now = start.Add(90 * time.Second)
	recorder.ObserveRequest("GET", "/metrics", 200, time.Millisecond)

	tree, err := reg.Evaluate()
	require.NoError(t, err)

	serverValue, ok := tree.Get("server")
	require.True(t, ok)
	server := serverValue.(*serializer.Map)
	uptime, _ := server.Get("uptime_seconds")
	assert.Equal(t, int64(90), uptime)

	requestsValue, _ := server.Get("requests")
	requests := requestsValue.(*serializer.Map)
	total, _ := requests.Get("total")
	assert.Equal(t, uint64(1), total)
}

func TestExposition(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("DELETE", "/players", 204, 2*time.Millisecond)

	body, err := recorder.Exposition()
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "# TYPE megacity_http_requests_total counter")
	assert.Contains(t, text, `megacity_http_requests_total{method="DELETE",route="/players",status="204"} 1`)
	assert.Contains(t, text, `megacity_http_request_duration_seconds_count{method="DELETE",route="/players"} 1`)
	assert.True(t, strings.HasPrefix(ExpositionContentType(), "text/plain"))
}

func TestRecordersAreIndependent(t *testing.T) {
	first := New()
	second := New()
	first.ObserveRequest("GET", "/a", 200, 0)

	snapshot, err := second.Snapshot()
	require.NoError(t, err)
	total, _ := snapshot.Get("total")
	assert.Equal(t, uint64(0), total)
}
