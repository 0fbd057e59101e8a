package datasource

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type MetricUnit string

const (
	UnitMillis  MetricUnit = "ms"
	UnitCount   MetricUnit = "count"
	UnitPercent MetricUnit = "percent"
	UnitRate    MetricUnit = "rate"
)

// MetricSample is immutable once recorded.
type MetricSample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Unit      MetricUnit        `json:"unit"`
	Timestamp int64             `json:"timestamp"` // epoch millis
	Labels    map[string]string `json:"labels,omitempty"`
}

type MetricSummary struct {
	Name   string    `json:"name"`
	Count  int       `json:"count"`
	Sum    float64   `json:"sum"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Avg    float64   `json:"avg"`
	P50    float64   `json:"p50"`
	P95    float64   `json:"p95"`
	P99    float64   `json:"p99"`
	Recent []float64 `json:"recent"` // last 10 values, arrival order
}

type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

type Alert struct {
	ID        string        `json:"id"`
	Metric    string        `json:"metric"`
	Threshold float64       `json:"threshold"`
	Value     float64       `json:"value"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	Timestamp int64         `json:"timestamp"`
}

// Thresholds are the three severity levels checked against every sample.
type Thresholds struct {
	Warning  float64 `json:"warning"`
	Error    float64 `json:"error"`
	Critical float64 `json:"critical"`
}

const (
	maxSamplesPerMetric = 1000
	maxAlertHistory     = 100
)

/*
	Recorder keeps a bounded rolling buffer of samples per metric name plus a
	bounded alert history. Exceeding a threshold emits one alert per
	offending sample: repeated breaches produce repeated alerts, and rate
	limiting is left to whatever consumes them.
*/
type Recorder struct {
	mu         sync.Mutex
	samples    map[string][]MetricSample
	thresholds map[string]Thresholds
	alerts     []Alert
	onAlert    func(Alert)
	log        *logrus.Entry
}

func NewRecorder(logger *logrus.Logger) *Recorder {
	r := &Recorder{
		samples:    map[string][]MetricSample{},
		thresholds: map[string]Thresholds{},
		log:        componentLogger(logger, "metrics"),
	}

	// Latency budgets carried over from the CRM's API monitoring.
	for _, op := range []string{opGetLeads, opGetLeadByID, opGetActivities} {
		r.SetThresholds(op, Thresholds{Warning: 1500, Error: 3000, Critical: 5000})
	}

	return r
}

// SetOnAlert installs a sink invoked synchronously for every emitted alert.
func (r *Recorder) SetOnAlert(fn func(Alert)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAlert = fn
}

func (r *Recorder) SetThresholds(name string, t Thresholds) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholds[name] = t
}

func (r *Recorder) Record(name string, value float64, unit MetricUnit, labels map[string]string) {
	sample := MetricSample{
		Name:      name,
		Value:     value,
		Unit:      unit,
		Timestamp: time.Now().UnixMilli(),
		Labels:    labels,
	}

	r.mu.Lock()
	buf := append(r.samples[name], sample)
	if len(buf) > maxSamplesPerMetric {
		buf = buf[len(buf)-maxSamplesPerMetric:]
	}
	r.samples[name] = buf
	r.mu.Unlock()

	r.AlertIfExceeded(name, value)
}

/*
	AlertIfExceeded checks value against the metric's three severity levels
	and emits an alert at the highest level crossed. No threshold configured
	for the name means no check.
*/
func (r *Recorder) AlertIfExceeded(name string, value float64) {
	r.mu.Lock()

	t, ok := r.thresholds[name]
	if !ok {
		r.mu.Unlock()
		return
	}

	var severity AlertSeverity
	var threshold float64
	switch {
	case t.Critical > 0 && value >= t.Critical:
		severity, threshold = SeverityCritical, t.Critical
	case t.Error > 0 && value >= t.Error:
		severity, threshold = SeverityError, t.Error
	case t.Warning > 0 && value >= t.Warning:
		severity, threshold = SeverityWarning, t.Warning
	default:
		r.mu.Unlock()
		return
	}

	alert := Alert{
		ID:        uuid.NewString(),
		Metric:    name,
		Threshold: threshold,
		Value:     value,
		Severity:  severity,
		Message:   fmt.Sprintf("%s (%.0f) exceeded %s threshold (%.0f)", name, value, severity, threshold),
		Timestamp: time.Now().UnixMilli(),
	}

	r.alerts = append(r.alerts, alert)
	if len(r.alerts) > maxAlertHistory {
		r.alerts = r.alerts[len(r.alerts)-maxAlertHistory:]
	}
	sink := r.onAlert
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"metric":    name,
		"value":     value,
		"threshold": threshold,
		"severity":  severity,
	}).Warn(alert.Message)

	if sink != nil {
		sink(alert)
	}
}

/*
	Summarize aggregates the samples recorded for name inside the window.
	The bool is false when the window holds no samples at all, so "no data"
	is never mistaken for a measured zero.
*/
func (r *Recorder) Summarize(name string, window time.Duration) (MetricSummary, bool) {
	cutoff := time.Now().Add(-window).UnixMilli()

	r.mu.Lock()
	var values []float64
	for _, s := range r.samples[name] {
		if s.Timestamp > cutoff {
			values = append(values, s.Value)
		}
	}
	r.mu.Unlock()

	if len(values) == 0 {
		return MetricSummary{}, false
	}

	recent := values
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	recentCopy := append([]float64(nil), recent...)

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return MetricSummary{
		Name:   name,
		Count:  len(sorted),
		Sum:    sum,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Avg:    sum / float64(len(sorted)),
		P50:    percentile(sorted, 0.50),
		P95:    percentile(sorted, 0.95),
		P99:    percentile(sorted, 0.99),
		Recent: recentCopy,
	}, true
}

// Alerts returns a copy of the retained alert history, oldest first.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Samples returns a copy of the retained buffer for a metric name.
func (r *Recorder) Samples(name string) []MetricSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MetricSample(nil), r.samples[name]...)
}

func percentile(sorted []float64, p float64) float64 {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
