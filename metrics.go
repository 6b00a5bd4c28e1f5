package driftdb

import "github.com/prometheus/client_golang/prometheus"

// clientMetrics counts the sync traffic crossing the engine boundary.
// The bridges in driftdb.go see every event, so counting happens there
// without touching the packages below.
type clientMetrics struct {
	remoteEvents     prometheus.Counter
	writeAcks        prometheus.Counter
	writeRejections  prometheus.Counter
	listenRejections prometheus.Counter
	snapshots        prometheus.Counter
}

func newClientMetrics() *clientMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftdb_" + name,
			Help: help,
		})
	}
	return &clientMetrics{
		remoteEvents:     counter("remote_events_total", "Watch snapshots applied from the backend"),
		writeAcks:        counter("write_acks_total", "Mutation batches acknowledged by the backend"),
		writeRejections:  counter("write_rejections_total", "Mutation batches rejected by the backend"),
		listenRejections: counter("listen_rejections_total", "Listen targets rejected by the backend"),
		snapshots:        counter("view_snapshots_total", "View snapshots delivered to listeners"),
	}
}

func (m *clientMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.remoteEvents, m.writeAcks, m.writeRejections, m.listenRejections, m.snapshots,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
