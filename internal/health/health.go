// Package health serves the /healthz JSON snapshot: PBX connectivity,
// transport readiness, active-call count, provider readiness.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Snapshot is the health endpoint's JSON body.
type Snapshot struct {
	PBXConnected   bool `json:"pbx_connected"`
	TransportReady bool `json:"transport_ready"`
	ActiveCalls    int  `json:"active_calls"`
	ProviderReady  bool `json:"provider_ready"`
}

// Reporter holds the live inputs to the snapshot, each updated by its owning
// component.
type Reporter struct {
	pbxConnected   atomic.Bool
	transportReady atomic.Bool
	providerReady  atomic.Bool
	activeCalls    atomic.Int64
}

func NewReporter() *Reporter {
	return &Reporter{}
}

func (r *Reporter) SetPBXConnected(v bool)   { r.pbxConnected.Store(v) }
func (r *Reporter) SetTransportReady(v bool) { r.transportReady.Store(v) }
func (r *Reporter) SetProviderReady(v bool)  { r.providerReady.Store(v) }
func (r *Reporter) SetActiveCalls(n int)     { r.activeCalls.Store(int64(n)) }

func (r *Reporter) Snapshot() Snapshot {
	return Snapshot{
		PBXConnected:   r.pbxConnected.Load(),
		TransportReady: r.transportReady.Load(),
		ActiveCalls:    int(r.activeCalls.Load()),
		ProviderReady:  r.providerReady.Load(),
	}
}

// Handler returns the /healthz HTTP handler.
func (r *Reporter) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(r.Snapshot())
	}
}
