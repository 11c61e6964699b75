// Package metrics exposes the lobby's StreamEndpoint/session counters as
// Prometheus series. It mirrors the connection/message gauge-and-counter
// split the pack's websocket servers use, scoped to the lobby's own stats.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lobby holds every counter/gauge the account server and session server
// update while ticking. All metrics are created against the default
// registry via promauto, so a process may construct at most one Lobby per
// namespace.
type Lobby struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsClosed   prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	ConnectionsPeak     prometheus.Gauge
	ConnectionsRejected *prometheus.CounterVec

	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter
	MessagesSent  prometheus.Counter
	MessagesRecv  prometheus.Counter
	QueuedBytes   prometheus.Gauge

	KeepaliveTimeouts prometheus.Counter
	DesyncDrops       prometheus.Counter

	PlayersOnline prometheus.Gauge
	GamesActive   prometheus.Gauge
	ChannelsFull  prometheus.Gauge
}

// NewLobby registers and returns the full metric set under the given
// namespace (e.g. "lobby_account" or "lobby_session") so the two server
// binaries can share a process without name collisions if ever merged.
func NewLobby(namespace string) *Lobby {
	return &Lobby{
		ConnectionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total TCP connections accepted by the endpoint listener.",
		}),
		ConnectionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total connections that reached Disconnected state.",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently open.",
		}),
		ConnectionsPeak: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_peak",
			Help:      "Highest concurrent connection count observed since start.",
		}),
		ConnectionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections rejected at accept time, labeled by reason.",
		}, []string{"reason"}),

		BytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Raw bytes written to sockets.",
		}),
		BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Raw bytes read from sockets.",
		}),
		MessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Framed messages handed to the stream assembler for sending.",
		}),
		MessagesRecv: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Framed messages delivered to onStreamReady.",
		}),
		QueuedBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_bytes",
			Help:      "Bytes currently sitting in outgoing buffers across all endpoints.",
		}),

		KeepaliveTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_timeouts_total",
			Help:      "Connections dropped for exceeding the receive keepalive timeout.",
		}),
		DesyncDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_desync_drops_total",
			Help:      "Connections dropped for a sequence-nonce desync in the frame header.",
		}),

		PlayersOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "players_online",
			Help:      "Players currently logged in.",
		}),
		GamesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "games_active",
			Help:      "Games currently registered.",
		}),
		ChannelsFull: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_at_capacity",
			Help:      "Channels currently at MaxChannelPlayer.",
		}),
	}
}

// RecordAccept bumps the accepted counter and the active gauge for one new
// connection. The peak gauge is not touched here; SetPeak sets it.
func (m *Lobby) RecordAccept() {
	m.ConnectionsAccepted.Inc()
	m.ConnectionsActive.Inc()
}

// RecordClose bumps closed and drops active for one ended connection.
func (m *Lobby) RecordClose() {
	m.ConnectionsClosed.Inc()
	m.ConnectionsActive.Dec()
}

// SetPeak sets the peak-concurrency gauge to the given high-water mark.
func (m *Lobby) SetPeak(n int) {
	m.ConnectionsPeak.Set(float64(n))
}

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
