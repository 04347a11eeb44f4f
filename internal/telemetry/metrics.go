// Package telemetry holds the prometheus collectors of the voice server.
// Collectors exist from package load so callers never check for nil;
// Init only registers them.
package telemetry

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voicechat"

var (
	initialized atomic.Bool

	Rooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rooms",
		Name:      "total",
		Help:      "Voice rooms created since start. Rooms are never removed.",
	})

	OccupiedSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rooms",
		Name:      "occupied_slots",
		Help:      "Slots currently held across all voice rooms.",
	})

	RelayPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "packets",
		Help:      "RTP packets handled by the relay, by outcome.",
	}, []string{"status"})

	SignalMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "messages",
		Help:      "Signaling messages by type and direction.",
	}, []string{"type", "direction"})

	SignalErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "errors",
		Help:      "Error replies sent to clients, by kind.",
	}, []string{"kind"})

	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "connections",
		Help:      "Open signaling connections.",
	})
)

// Init registers every collector with reg. Calling it twice is a no-op.
func Init(reg prometheus.Registerer) error {
	if initialized.Swap(true) {
		return nil
	}
	for _, c := range []prometheus.Collector{Rooms, OccupiedSlots, RelayPackets, SignalMessages, SignalErrors, Connections} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
