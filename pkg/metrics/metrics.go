// Package metrics holds the Prometheus collectors for a receive session.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iqsource"

// Metrics is safe for concurrent use; the producer callback updates it
// without taking any session lock.
type Metrics struct {
	registry *prometheus.Registry

	samplesPushed  *prometheus.CounterVec
	samplesDropped *prometheus.CounterVec
	overruns       *prometheus.CounterVec
	blocksPulled   *prometheus.CounterVec
	pullWait       *prometheus.HistogramVec
	bufferFill     *prometheus.GaugeVec
	bufferCapacity *prometheus.GaugeVec
	rejections     *prometheus.CounterVec
	streaming      *prometheus.GaugeVec
	recorderDrops  *prometheus.CounterVec
}

// New creates collectors registered on a private registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		samplesPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_pushed_total",
			Help:      "Samples accepted into the sample buffer.",
		}, []string{"device"}),
		samplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_dropped_total",
			Help:      "Samples dropped because the sample buffer was full.",
		}, []string{"device"}),
		overruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overruns_total",
			Help:      "Device transfers that did not fit in the sample buffer.",
		}, []string{"device"}),
		blocksPulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_pulled_total",
			Help:      "Blocks handed to the consumer.",
		}, []string{"device"}),
		pullWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pull_wait_seconds",
			Help:      "Time the consumer spent waiting for a block.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"device"}),
		bufferFill: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_fill_samples",
			Help:      "Samples waiting in the sample buffer after the last pull.",
		}, []string{"device"}),
		bufferCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_capacity_samples",
			Help:      "Capacity of the sample buffer.",
		}, []string{"device"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_rejections_total",
			Help:      "Device commands refused by the hardware.",
		}, []string{"device", "command"}),
		streaming: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streaming",
			Help:      "1 while the device is streaming.",
		}, []string{"device"}),
		recorderDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_dropped_bytes_total",
			Help:      "Raw bytes the capture recorder could not keep up with.",
		}, []string{"device"}),
	}

	for _, c := range []prometheus.Collector{
		m.samplesPushed, m.samplesDropped, m.overruns, m.blocksPulled, m.pullWait,
		m.bufferFill, m.bufferCapacity, m.rejections, m.streaming, m.recorderDrops,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordPush(dev string, accepted, offered int) {
	m.samplesPushed.WithLabelValues(dev).Add(float64(accepted))
	if accepted < offered {
		m.overruns.WithLabelValues(dev).Inc()
		m.samplesDropped.WithLabelValues(dev).Add(float64(offered - accepted))
	}
}

func (m *Metrics) RecordPull(dev string, waitSeconds float64, fill int) {
	m.blocksPulled.WithLabelValues(dev).Inc()
	m.pullWait.WithLabelValues(dev).Observe(waitSeconds)
	m.bufferFill.WithLabelValues(dev).Set(float64(fill))
}

func (m *Metrics) SetCapacity(dev string, capacity int) {
	m.bufferCapacity.WithLabelValues(dev).Set(float64(capacity))
}

func (m *Metrics) RecordRejection(dev, command string) {
	m.rejections.WithLabelValues(dev, command).Inc()
}

func (m *Metrics) SetStreaming(dev string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	m.streaming.WithLabelValues(dev).Set(v)
}

func (m *Metrics) RecordRecorderDrop(dev string, bytes int) {
	m.recorderDrops.WithLabelValues(dev).Add(float64(bytes))
}
