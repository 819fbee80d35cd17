package api

import (
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AaronLay10/SorterEngine/internal/events"
	"github.com/AaronLay10/SorterEngine/internal/metrics"
	"github.com/AaronLay10/SorterEngine/internal/version"
)

var metricsState = &MetricsState{}

// MetricsState holds process-level values exported on /metrics.
type MetricsState struct {
	mu        sync.RWMutex
	startTime time.Time
	lineID    string
	once      sync.Once
}

// InitMetrics records the start time and registers the API gauges with the
// shared registry. Must be called at startup.
func InitMetrics() {
	metricsState.mu.Lock()
	metricsState.startTime = time.Now()
	metricsState.mu.Unlock()

	metrics.Register()
	metricsState.once.Do(func() {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "unknown"
		}
		labels := prometheus.Labels{"instance": hostname, "version": version.Version}
		gauge := func(name, help string, fn func() float64) prometheus.Collector {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   "sorter",
				Name:        name,
				Help:        help,
				ConstLabels: labels,
			}, fn)
		}

		metrics.Registry.MustRegister(
			gauge("uptime_seconds", "Seconds since the sorter process started.", func() float64 {
				metricsState.mu.RLock()
				defer metricsState.mu.RUnlock()
				return time.Since(metricsState.startTime).Seconds()
			}),
			gauge("ready", "Whether the coordinator accepts parcels (1) or not (0).", func() float64 {
				readiness.mu.RLock()
				defer readiness.mu.RUnlock()
				return boolGauge(readiness.orchestratorReady)
			}),
			gauge("mqtt_connected", "Whether the MQTT broker is connected (1) or not (0).", func() float64 {
				readiness.mu.RLock()
				defer readiness.mu.RUnlock()
				return boolGauge(readiness.mqttConnected)
			}),
			gauge("postgres_connected", "Whether PostgreSQL is connected (1) or not (0).", func() float64 {
				readiness.mu.RLock()
				defer readiness.mu.RUnlock()
				return boolGauge(readiness.postgresConnected)
			}),
			gauge("ws_clients", "Active WebSocket event stream clients.", func() float64 {
				return float64(events.SubscriberCount())
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace:   "sorter",
				Name:        "events_total",
				Help:        "Events emitted since startup.",
				ConstLabels: labels,
			}, func() float64 {
				return float64(events.TotalCount())
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace:   "sorter",
				Name:        "events_dropped_total",
				Help:        "Live event deliveries skipped because a stream client fell behind.",
				ConstLabels: labels,
			}, func() float64 {
				return float64(events.DroppedCount())
			}),
		)
	})
}

// SetLineID sets the line id used in alert payloads.
func SetLineID(id string) {
	metricsState.mu.Lock()
	defer metricsState.mu.Unlock()
	metricsState.lineID = id
}

// GetLineID returns the configured line id.
func GetLineID() string {
	metricsState.mu.RLock()
	defer metricsState.mu.RUnlock()
	return metricsState.lineID
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
}
