// Package metrics implements the C9 Prometheus surface (§6.4): per-room
// and per-pod gauges/counters for session/room lifecycle, frame traffic,
// presence dedup, storage durability, stream lag, and backpressure.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncroom"

// Label names shared across metric families.
const (
	labelRoom   = "room"
	labelType   = "type"
	labelReason = "reason"
)

// Collector holds every metric a pod exposes.
type Collector struct {
	ActiveSessions *prometheus.GaugeVec
	ActiveRooms    prometheus.Gauge

	FramesIn  *prometheus.CounterVec
	FramesOut *prometheus.CounterVec

	PresenceDiffsDedupDropped prometheus.Counter
	StorageOpsApplied         prometheus.Counter
	StorageOpsPersisted       prometheus.Counter

	StreamLagEntries *prometheus.GaugeVec

	EgressDrops   *prometheus.CounterVec
	SessionCloses *prometheus.CounterVec

	AdmissionRejections *prometheus.CounterVec
}

// NewCollector builds and registers a Collector against reg. If reg is
// nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := newMetrics()
	reg.MustRegister(
		c.ActiveSessions,
		c.ActiveRooms,
		c.FramesIn,
		c.FramesOut,
		c.PresenceDiffsDedupDropped,
		c.StorageOpsApplied,
		c.StorageOpsPersisted,
		c.StreamLagEntries,
		c.EgressDrops,
		c.SessionCloses,
		c.AdmissionRejections,
	)
	return c
}

func newMetrics() *Collector {
	return &Collector{
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently attached sessions, per room.",
		}, []string{labelRoom}),

		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of rooms with a running coordinator on this pod.",
		}),

		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_in_total",
			Help:      "Frames received from clients, by type.",
		}, []string{labelType}),

		FramesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_out_total",
			Help:      "Frames delivered to clients, by type.",
		}, []string{labelType}),

		PresenceDiffsDedupDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_diffs_dedup_dropped_total",
			Help:      "Presence diffs rejected as stale by the peer dedup rule (§4.7).",
		}),

		StorageOpsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_ops_applied_total",
			Help:      "Storage ops folded into a room's CRDT document.",
		}),

		StorageOpsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_ops_persisted_total",
			Help:      "Storage ops durably appended to the op store.",
		}),

		StreamLagEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_lag_entries",
			Help:      "Entries behind the stream bridge head, per room.",
		}, []string{labelRoom}),

		EgressDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_drops_total",
			Help:      "Frames dropped from an egress queue under backpressure, by reason.",
		}, []string{labelReason}),

		SessionCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Sessions closed, by reason.",
		}, []string{labelReason}),

		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Attach attempts rejected, per room id and reason (too_many_rooms, room_full, shutting_down, closed).",
		}, []string{labelRoom, labelReason}),
	}
}

// Handler returns the /metrics HTTP exposition handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.Handler()
}

func (c *Collector) SessionAttached(room string) { c.ActiveSessions.WithLabelValues(room).Inc() }
func (c *Collector) SessionDetached(room string) { c.ActiveSessions.WithLabelValues(room).Dec() }

func (c *Collector) RoomCreated() { c.ActiveRooms.Inc() }
func (c *Collector) RoomClosed()  { c.ActiveRooms.Dec() }

func (c *Collector) FrameIn(frameType string)  { c.FramesIn.WithLabelValues(frameType).Inc() }
func (c *Collector) FrameOut(frameType string) { c.FramesOut.WithLabelValues(frameType).Inc() }

func (c *Collector) PresenceDiffDeduped() { c.PresenceDiffsDedupDropped.Inc() }
func (c *Collector) StorageOpApplied()    { c.StorageOpsApplied.Inc() }
func (c *Collector) StorageOpPersisted()  { c.StorageOpsPersisted.Inc() }

func (c *Collector) SetStreamLag(room string, lag int) {
	c.StreamLagEntries.WithLabelValues(room).Set(float64(lag))
}

func (c *Collector) EgressDrop(reason string)   { c.EgressDrops.WithLabelValues(reason).Inc() }
func (c *Collector) SessionClosed(reason string) { c.SessionCloses.WithLabelValues(reason).Inc() }

// AdmissionRejected records an attach attempt rejected for roomID, so an
// operator can see which room (or attempted room) is being hammered
// rather than just a global counter.
func (c *Collector) AdmissionRejected(roomID, reason string) {
	c.AdmissionRejections.WithLabelValues(roomID, reason).Inc()
}
