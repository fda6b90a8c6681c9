package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors exported by the media core.
type Metrics struct {
	Registry *prometheus.Registry

	// RegisteredSources counts live sources per schema.
	RegisteredSources *prometheus.GaugeVec
	// TotalReaders counts attached ring readers per schema.
	TotalReaders *prometheus.GaugeVec
	// BytesIn counts ingested media bytes per track type.
	BytesIn *prometheus.CounterVec
	// FramesDropped counts frames rejected on the input path.
	FramesDropped *prometheus.CounterVec
	// RecordedFiles counts finalized MP4 record files.
	RecordedFiles prometheus.Counter
	// DetachedReaders counts readers detached for falling behind.
	DetachedReaders prometheus.Counter
}

// NewMetrics creates the collector set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RegisteredSources: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "medianode",
			Name:      "registered_sources",
			Help:      "Number of live media sources in the registry.",
		}, []string{"schema"}),
		TotalReaders: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "medianode",
			Name:      "total_readers",
			Help:      "Number of attached ring readers.",
		}, []string{"schema"}),
		BytesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medianode",
			Name:      "bytes_in_total",
			Help:      "Ingested media bytes.",
		}, []string{"type"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medianode",
			Name:      "frames_dropped_total",
			Help:      "Frames rejected on the input path.",
		}, []string{"reason"}),
		RecordedFiles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "medianode",
			Name:      "recorded_files_total",
			Help:      "Finalized MP4 record files.",
		}),
		DetachedReaders: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "medianode",
			Name:      "detached_readers_total",
			Help:      "Ring readers detached for falling behind.",
		}),
	}
}
