package runtime

import (
	"net/http"
	goruntime "runtime"
	"runtime/metrics"
	"strings"
	"sync"
	"time"

	"github.com/drblury/simbus/internal/runtime/jsoncodec"
	"github.com/drblury/simbus/internal/runtime/logging"
)

// RelayStatusPath is where cmd/relay mounts the status handler.
const RelayStatusPath = "/api/relay"

// ResourceUsage is a coarse view of the process.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// RelayStatus is the body served at RelayStatusPath.
type RelayStatus struct {
	Name          string               `json:"name"`
	Broker        string               `json:"broker"`
	Running       bool                 `json:"running"`
	Sources       []string             `json:"sources"`
	Topics        []string             `json:"topics"`
	InboundTopics []string             `json:"inbound_topics"`
	PoisonQueue   string               `json:"poison_queue,omitempty"`
	Metrics       RelayMetricsSnapshot `json:"metrics"`
	Resources     ResourceUsage        `json:"resources"`
}

// Status reports the relay configuration and its counters.
func (r *Relay) Status() RelayStatus {
	sources := make([]string, 0, len(r.cfg.Sources))
	for _, src := range r.cfg.Sources {
		sources = append(sources, src.String())
	}
	return RelayStatus{
		Name:          r.cfg.Name,
		Broker:        r.caps.Name,
		Running:       r.running.Load(),
		Sources:       sources,
		Topics:        r.cfg.Topics,
		InboundTopics: r.cfg.InboundTopics,
		PoisonQueue:   r.cfg.PoisonQueue,
		Metrics:       r.metrics.Snapshot(),
	}
}

// RelayStatusHandler serves Relay.Status as JSON. Browsers from
// allowedOrigins may read it; "*" allows any origin.
func RelayStatusHandler(r *Relay, allowedOrigins []string) http.Handler {
	tracker := newResourceTracker()
	log := r.log
	if log == nil {
		log = logging.Nop()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if origin := allowedCORSOrigin(allowedOrigins, req.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		switch req.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
		default:
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		status := r.Status()
		status.Resources = tracker.Snapshot()
		body, err := jsoncodec.Marshal(status)
		if err != nil {
			log.Error("Failed to encode relay status", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
}

func allowedCORSOrigin(allowed []string, requestOrigin string) string {
	if requestOrigin == "" {
		return ""
	}
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if strings.EqualFold(a, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

// resourceTracker derives CPU usage from the delta between two snapshots.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{{Name: "/sched/cpu:seconds"}},
		numCPU:  float64(goruntime.NumCPU()),
	}
}

func (t *resourceTracker) Snapshot() ResourceUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	metrics.Read(t.samples)
	sample := t.samples[0]
	haveCPU := sample.Value.Kind() == metrics.KindFloat64
	now := time.Now()

	var cpuPercent float64
	if haveCPU {
		cpuSeconds := sample.Value.Float64()
		if !t.lastSample.IsZero() {
			wall := now.Sub(t.lastSample).Seconds()
			if wall > 0 && t.numCPU > 0 {
				cpuPercent = (cpuSeconds - t.lastCPUSeconds) / wall / t.numCPU * 100
			}
		}
		t.lastCPUSeconds = cpuSeconds
	}
	t.lastSample = now

	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)

	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  goruntime.NumGoroutine(),
	}
}
