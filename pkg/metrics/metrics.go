// Package metrics records transfer engine activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skycoin/dtp/pkg/unit"
)

// Recorder receives engine events.
type Recorder interface {
	UnitReceived(mt unit.MessageType)
	UnitSent(mt unit.MessageType)
	UnitDropped(reason string)
	Retransmit()
	TransactionOpened()
	TransactionClosed(status string)
	BytesWritten(n int)
}

// Prometheus is a Recorder backed by prometheus collectors.
type Prometheus struct {
	received     *prometheus.CounterVec
	sent         *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	retransmits  prometheus.Counter
	closed       *prometheus.CounterVec
	active       prometheus.Gauge
	bytesWritten prometheus.Counter
}

// NewPrometheus creates collectors prefixed with service and registers them with reg.
func NewPrometheus(service string, reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_units_received_total",
			Help: "The total number of received units by type",
		}, []string{"type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_units_sent_total",
			Help: "The total number of sent units by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_units_dropped_total",
			Help: "The total number of dropped units by reason",
		}, []string{"reason"}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_retransmits_total",
			Help: "The total number of retransmission requests handled",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_transactions_closed_total",
			Help: "The total number of finished transactions by status",
		}, []string{"status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: service + "_transactions_active",
			Help: "The number of transactions in progress",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_bytes_written_total",
			Help: "Amount of payload bytes written to sinks",
		}),
	}
	reg.MustRegister(p.received, p.sent, p.dropped, p.retransmits, p.closed, p.active, p.bytesWritten)
	return p
}

// UnitReceived implements Recorder.
func (p *Prometheus) UnitReceived(mt unit.MessageType) {
	p.received.WithLabelValues(mt.String()).Inc()
}

// UnitSent implements Recorder.
func (p *Prometheus) UnitSent(mt unit.MessageType) {
	p.sent.WithLabelValues(mt.String()).Inc()
}

// UnitDropped implements Recorder.
func (p *Prometheus) UnitDropped(reason string) {
	p.dropped.WithLabelValues(reason).Inc()
}

// Retransmit implements Recorder.
func (p *Prometheus) Retransmit() {
	p.retransmits.Inc()
}

// TransactionOpened implements Recorder.
func (p *Prometheus) TransactionOpened() {
	p.active.Inc()
}

// TransactionClosed implements Recorder.
func (p *Prometheus) TransactionClosed(status string) {
	p.active.Dec()
	p.closed.WithLabelValues(status).Inc()
}

// BytesWritten implements Recorder.
func (p *Prometheus) BytesWritten(n int) {
	p.bytesWritten.Add(float64(n))
}

type dummy struct{}

// NewDummy returns a Recorder that discards every event.
func NewDummy() Recorder {
	return dummy{}
}

func (dummy) UnitReceived(unit.MessageType) {}
func (dummy) UnitSent(unit.MessageType)     {}
func (dummy) UnitDropped(string)            {}
func (dummy) Retransmit()                   {}
func (dummy) TransactionOpened()            {}
func (dummy) TransactionClosed(string)      {}
func (dummy) BytesWritten(int)              {}
