// Registers:
//
//	#trackerflow_messages_received_total
//	#trackerflow_samples_decoded_total
//	#trackerflow_decode_errors_total{reason}
//	#trackerflow_history_length
//	#trackerflow_broker_connected
//	#trackerflow_broker_connects_total
//	#go_* and process_* system metrics
//
// Exposed by the dashboard router on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	messagesReceived prometheus.Counter
	samplesDecoded   prometheus.Counter
	decodeErrors     *prometheus.CounterVec
	historyLength    prometheus.Gauge
	brokerConnected  prometheus.Gauge
	brokerConnects   prometheus.Counter
)

func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackerflow_messages_received_total",
			Help: "Number of MQTT messages handed to the ingest pipeline",
		})
		samplesDecoded = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackerflow_samples_decoded_total",
			Help: "Number of messages decoded and recorded in the rolling history",
		})
		decodeErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackerflow_decode_errors_total",
				Help: "Number of messages dropped because they could not be decoded",
			},
			[]string{"reason"},
		)
		historyLength = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trackerflow_history_length",
			Help: "Number of samples currently held in the rolling history",
		})
		brokerConnected = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trackerflow_broker_connected",
			Help: "1 while the MQTT subscriber is connected to the broker",
		})
		brokerConnects = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackerflow_broker_connects_total",
			Help: "Number of successful MQTT (re)connections",
		})

		registry.MustRegister(
			messagesReceived,
			samplesDecoded,
			decodeErrors,
			historyLength,
			brokerConnected,
			brokerConnects,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registered collectors in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func IncMessagesReceived() {
	if messagesReceived != nil {
		messagesReceived.Inc()
	}
}

func IncSamplesDecoded() {
	if samplesDecoded != nil {
		samplesDecoded.Inc()
	}
}

// IncDecodeError counts a dropped message under its decode reason label.
func IncDecodeError(reason string) {
	if decodeErrors != nil {
		decodeErrors.WithLabelValues(reason).Inc()
	}
}

func SetHistoryLength(n int) {
	if historyLength != nil {
		historyLength.Set(float64(n))
	}
}

// SetBrokerConnected records the subscriber connection state and counts
// every transition to connected.
func SetBrokerConnected(connected bool) {
	if brokerConnected == nil {
		return
	}
	if connected {
		brokerConnected.Set(1)
		brokerConnects.Inc()
		return
	}
	brokerConnected.Set(0)
}
