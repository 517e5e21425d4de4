package monitoring

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/taskrunner/taskd/pkg/taskqueue"
)

// DefaultHistogramBuckets are the upper bounds used when a histogram is
// created without explicit buckets, in seconds.
var DefaultHistogramBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// Counter is a monotonically increasing metric series.
type Counter struct {
	value uint64
}

// Inc adds one to the counter.
func (c *Counter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

// Add adds n to the counter.
func (c *Counter) Add(n uint64) {
	atomic.AddUint64(&c.value, n)
}

// Value returns the current count.
func (c *Counter) Value() uint64 {
	return atomic.LoadUint64(&c.value)
}

// Gauge is a metric series that can go up and down.
type Gauge struct {
	bits uint64
}

// Set replaces the gauge value.
func (g *Gauge) Set(v float64) {
	atomic.StoreUint64(&g.bits, math.Float64bits(v))
}

// Value returns the current gauge value.
func (g *Gauge) Value() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.bits))
}

// Histogram accumulates observations into cumulative buckets.
type Histogram struct {
	mu      sync.Mutex
	bounds  []float64
	counts  []uint64
	sum     float64
	samples uint64
}

// Observe records one observation.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, bound := range h.bounds {
		if v <= bound {
			h.counts[i]++
		}
	}
	h.sum += v
	h.samples++
}

// Snapshot returns the cumulative bucket counts, sum and sample count.
func (h *Histogram) Snapshot() ([]uint64, float64, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.counts...), h.sum, h.samples
}

type metricFamily struct {
	name       string
	help       string
	kind       string // counter, gauge, histogram
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// Registry is a small in-process metrics registry with Prometheus text
// exposition. Series are keyed by metric name plus rendered label pairs.
type Registry struct {
	mu       sync.Mutex
	families map[string]*metricFamily
	order    []string
	hooks    []func()
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		families: make(map[string]*metricFamily),
	}
}

// OnGather registers a hook invoked at the start of every scrape, before
// the series are rendered. Used to sample gauges from live state.
func (r *Registry) OnGather(hook func()) {
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// Counter returns the counter series for the given name and labels,
// creating it on first use.
func (r *Registry) Counter(name, help string, labels map[string]string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	fam := r.family(name, help, "counter")
	key := renderLabels(labels)
	c, ok := fam.counters[key]
	if !ok {
		c = &Counter{}
		fam.counters[key] = c
	}
	return c
}

// Gauge returns the gauge series for the given name and labels, creating
// it on first use.
func (r *Registry) Gauge(name, help string, labels map[string]string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	fam := r.family(name, help, "gauge")
	key := renderLabels(labels)
	g, ok := fam.gauges[key]
	if !ok {
		g = &Gauge{}
		fam.gauges[key] = g
	}
	return g
}

// Histogram returns the histogram series for the given name and labels,
// creating it with the default buckets on first use.
func (r *Registry) Histogram(name, help string, labels map[string]string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	fam := r.family(name, help, "histogram")
	key := renderLabels(labels)
	h, ok := fam.histograms[key]
	if !ok {
		h = &Histogram{
			bounds: DefaultHistogramBuckets,
			counts: make([]uint64, len(DefaultHistogramBuckets)),
		}
		fam.histograms[key] = h
	}
	return h
}

func (r *Registry) family(name, help, kind string) *metricFamily {
	fam, ok := r.families[name]
	if !ok {
		fam = &metricFamily{
			name:       name,
			help:       help,
			kind:       kind,
			counters:   make(map[string]*Counter),
			gauges:     make(map[string]*Gauge),
			histograms: make(map[string]*Histogram),
		}
		r.families[name] = fam
		r.order = append(r.order, name)
	}
	return fam
}

// WritePrometheus renders every series in the Prometheus text exposition
// format, running the gather hooks first.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.Lock()
	hooks := append([]func(){}, r.hooks...)
	r.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		fam := r.families[name]
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, fam.help, name, fam.kind); err != nil {
			return err
		}

		switch fam.kind {
		case "counter":
			for _, key := range sortedKeys(fam.counters) {
				if _, err := fmt.Fprintf(w, "%s%s %d\n", name, key, fam.counters[key].Value()); err != nil {
					return err
				}
			}
		case "gauge":
			for _, key := range sortedKeys(fam.gauges) {
				if _, err := fmt.Fprintf(w, "%s%s %g\n", name, key, fam.gauges[key].Value()); err != nil {
					return err
				}
			}
		case "histogram":
			for _, key := range sortedKeys(fam.histograms) {
				if err := writeHistogram(w, name, key, fam.histograms[key]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func writeHistogram(w io.Writer, name, key string, h *Histogram) error {
	counts, sum, samples := h.Snapshot()
	for i, bound := range h.bounds {
		le := fmt.Sprintf("%g", bound)
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", name, mergeLabel(key, "le", le), counts[i]); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", name, mergeLabel(key, "le", "+Inf"), samples); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s_sum%s %g\n", name, key, sum); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s_count%s %d\n", name, key, samples)
	return err
}

// renderLabels produces the canonical {k="v",...} suffix for a series,
// with keys sorted so that equal label sets map to the same series.
func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

// mergeLabel appends one extra label pair to an already rendered set.
func mergeLabel(key, name, value string) string {
	extra := fmt.Sprintf("%s=%q", name, value)
	if key == "" {
		return "{" + extra + "}"
	}
	return strings.TrimSuffix(key, "}") + "," + extra + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MetricsListener feeds task lifecycle counters and duration histograms
// from coordinator events.
type MetricsListener struct {
	registry *Registry
}

// NewMetricsListener creates a listener recording into the registry.
func NewMetricsListener(registry *Registry) *MetricsListener {
	return &MetricsListener{registry: registry}
}

func (m *MetricsListener) OnTaskSubmitted(info *taskqueue.TaskInfo) {
	m.counter("taskd_tasks_submitted_total", "Tasks accepted for scheduling.", info).Inc()
}

func (m *MetricsListener) OnTaskStarted(info *taskqueue.TaskInfo) {
	m.counter("taskd_tasks_started_total", "Tasks dispatched to a worker.", info).Inc()
}

func (m *MetricsListener) OnTaskProgress(info *taskqueue.TaskInfo, progress float64) {}

func (m *MetricsListener) OnTaskCompleted(info *taskqueue.TaskInfo, result *taskqueue.TaskResult) {
	m.counter("taskd_tasks_completed_total", "Tasks finished successfully.", info).Inc()
	m.observeDuration(info, result.Duration().Seconds())
}

func (m *MetricsListener) OnTaskFailed(info *taskqueue.TaskInfo, errMsg string) {
	m.counter("taskd_tasks_failed_total", "Tasks finished with an error.", info).Inc()
	if d, ok := info.Duration(); ok {
		m.observeDuration(info, d.Seconds())
	}
}

func (m *MetricsListener) OnTaskCancelled(info *taskqueue.TaskInfo) {
	m.counter("taskd_tasks_cancelled_total", "Tasks cancelled before completion.", info).Inc()
}

func (m *MetricsListener) counter(name, help string, info *taskqueue.TaskInfo) *Counter {
	return m.registry.Counter(name, help, map[string]string{"type": info.Type})
}

func (m *MetricsListener) observeDuration(info *taskqueue.TaskInfo, seconds float64) {
	m.registry.Histogram(
		"taskd_task_duration_seconds",
		"Wall-clock task execution time.",
		map[string]string{"type": info.Type},
	).Observe(seconds)
}

// RegisterQueueGauges samples the coordinator's queue status into gauges
// on every scrape.
func RegisterQueueGauges(registry *Registry, coordinator *taskqueue.Coordinator) {
	registry.OnGather(func() {
		qs := coordinator.GetQueueStatus()
		set := func(state string, v int) {
			registry.Gauge(
				"taskd_queue_tasks",
				"Tasks known to the coordinator by state.",
				map[string]string{"state": state},
			).Set(float64(v))
		}
		set("pending", qs.Pending)
		set("running", qs.Running)
		set("completed", qs.Completed)
		set("failed", qs.Failed)
		set("cancelled", qs.Cancelled)

		for taskType, n := range qs.RunningByType {
			registry.Gauge(
				"taskd_queue_running_by_type",
				"Running tasks per task type.",
				map[string]string{"type": taskType},
			).Set(float64(n))
		}
	})
}
