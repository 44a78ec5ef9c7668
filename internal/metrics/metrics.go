// Package metrics exposes the agent's Prometheus counters and gauges
// and the HTTP handler that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voiceagent_active_calls",
		Help: "Number of calls currently tracked by the SessionStore.",
	})

	GateWatchdogFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceagent_gate_watchdog_fired_total",
		Help: "Number of times the PlaybackManager watchdog forced a stuck ttsActiveCount to 0.",
	})

	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceagent_dropped_frames_total",
		Help: "Number of ingress audio frames dropped, by reason.",
	}, []string{"reason"})

	QuarantineDiscards = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceagent_ssrc_quarantine_discards_total",
		Help: "Number of unbound RTP SSRCs placed in quarantine, plus AudioSocket handshakes that matched no pending session.",
	})

	DuplicatePlaybackEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceagent_duplicate_playback_events_total",
		Help: "Number of PlaybackFinished events observed for an unknown or already-completed playbackId.",
	})

	LateProviderEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceagent_late_provider_events_total",
		Help: "Number of provider, PBX and media events dropped because the owning call was unknown or had already terminated.",
	})

	CallsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceagent_calls_terminated_total",
		Help: "Number of calls terminated, by reason.",
	}, []string{"reason"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
