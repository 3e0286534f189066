// Package stats records per-route request statistics for the listener loop and
// exposes them both as metric producers and in the Prometheus text format.
package stats

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"megacity-metro/internal/metrics"
	"megacity-metro/internal/serializer"
)

const (
	namespace = "megacity"

	requestsTotalName   = namespace + "_http_requests_total"
	requestDurationName = namespace + "_http_request_duration_seconds"

	// RouteUnmatched labels requests that missed the endpoint table.
	RouteUnmatched = "unmatched"
)

// Recorder aggregates request counts and latencies by method, route and
// status. It is backed by a private Prometheus registry so several servers in
// one process never share counters.
type Recorder struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	started  time.Time
	now      func() time.Time
}

// New constructs a Recorder with its own Prometheus registry.
func New() *Recorder {
	return newRecorder(time.Now)
}

func newRecorder(now func() time.Time) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests served by the listener loop.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time spent serving a request, from parse to last byte written.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		now: now,
	}
	r.started = now()
	r.registry.MustRegister(r.requests, r.duration)
	return r
}

// ObserveRequest accumulates one served request.
func (r *Recorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	m := normalizeMethod(method)
	rt := normalizeRoute(route)
	r.requests.WithLabelValues(m, rt, strconv.Itoa(status)).Inc()
	r.duration.WithLabelValues(m, rt).Observe(duration.Seconds())
}

// Uptime reports the time since the recorder was created.
func (r *Recorder) Uptime() time.Duration {
	return r.now().Sub(r.started)
}

// Gatherer exposes the underlying registry, e.g. for promhttp.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Exposition renders the recorder in the Prometheus text format.
func (r *Recorder) Exposition() ([]byte, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather request stats: %w", err)
	}
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return nil, fmt.Errorf("encode %s: %w", family.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// ExpositionContentType is the content type matching Exposition output.
func ExpositionContentType() string {
	return string(expfmt.NewFormat(expfmt.TypeTextPlain))
}

// Snapshot summarises the recorded requests as an ordered tree:
//
//	{"total": 3, "routes": {"GET /metrics": {"count": 2, "statuses": {"200": 2}, "duration_seconds": 0.01}}}
func (r *Recorder) Snapshot() (*serializer.Map, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather request stats: %w", err)
	}

	routes := serializer.NewMap()
	var total uint64
	for _, family := range families {
		switch family.GetName() {
		case requestDurationName:
			for _, metric := range family.GetMetric() {
				entry := routeEntry(routes, routeKey(metric.GetLabel()))
				histogram := metric.GetHistogram()
				entry.Set("count", histogram.GetSampleCount())
				entry.Set("duration_seconds", histogram.GetSampleSum())
			}
		case requestsTotalName:
			for _, metric := range family.GetMetric() {
				labels := labelValues(metric.GetLabel())
				entry := routeEntry(routes, routeKey(metric.GetLabel()))
				statuses, _ := entry.Get("statuses")
				count := uint64(metric.GetCounter().GetValue())
				statuses.(*serializer.Map).Set(labels["status"], count)
				total += count
			}
		}
	}

	out := serializer.NewMap()
	out.Set("total", total)
	out.Set("routes", routes)
	return out, nil
}

// Register installs the request statistics under prefix in reg:
// <prefix>/requests and <prefix>/uptime_seconds.
func (r *Recorder) Register(reg *metrics.Registry, prefix string) error {
	prefix = strings.Trim(prefix, metrics.Separator)
	join := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + metrics.Separator + name
	}
	if err := reg.Register(join("requests"), func() (any, error) {
		return r.Snapshot()
	}); err != nil {
		return err
	}
	return reg.Register(join("uptime_seconds"), metrics.Func(func() any {
		return int64(r.Uptime().Seconds())
	}))
}

func routeEntry(routes *serializer.Map, key string) *serializer.Map {
	if existing, ok := routes.Get(key); ok {
		return existing.(*serializer.Map)
	}
	entry := serializer.NewMap()
	entry.Set("count", uint64(0))
	entry.Set("statuses", serializer.NewMap())
	entry.Set("duration_seconds", 0.0)
	routes.Set(key, entry)
	return entry
}

func routeKey(pairs []*dto.LabelPair) string {
	labels := labelValues(pairs)
	return labels["method"] + " " + labels["route"]
}

func labelValues(pairs []*dto.LabelPair) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		out[pair.GetName()] = pair.GetValue()
	}
	return out
}

func normalizeMethod(method string) string {
	normalized := strings.ToUpper(strings.TrimSpace(method))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}

func normalizeRoute(route string) string {
	normalized := strings.TrimSpace(route)
	if normalized == "" {
		return RouteUnmatched
	}
	return normalized
}
