package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdr.dev/slog/v3"
	"github.com/coder/aisrelay/aggregator"
	"github.com/coder/aisrelay/feed"
	"github.com/coder/aisrelay/httpapi"
)

const latencyProbeTimeout = 5 * time.Second

// ConfigRequest is the body of PUT /api/v1/config.
type ConfigRequest struct {
	Settings []Setting `json:"settings" validate:"required,min=1,dive"`
}

type Setting struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

type PubsubLatency struct {
	SendSeconds    float64 `json:"send_seconds"`
	ReceiveSeconds float64 `json:"receive_seconds"`
	Error          string  `json:"error,omitempty"`
}

type Status struct {
	Enabled              bool                 `json:"enabled"`
	Registered           bool                 `json:"registered"`
	RegistrationAttempts int                  `json:"registration_attempts"`
	Feed                 feed.SupervisorStats `json:"feed"`
	KnownFishingVessels  int                  `json:"known_fishing_vessels"`
	PendingRetries       int                  `json:"pending_retries"`
	Aggregated           map[string]int       `json:"aggregated"`
	Settings             map[string]string    `json:"settings"`
	PubsubLatency        *PubsubLatency       `json:"pubsub_latency,omitempty"`
}

// Status snapshots the pipeline. The pubsub latency probe is left out.
func (r *Relay) Status() Status {
	st := Status{
		Enabled:             r.Enabled(),
		Registered:          r.Registered(),
		Feed:                r.supervisor.Stats(),
		KnownFishingVessels: r.fishing.Len(),
		PendingRetries:      r.forwarder.Pending(),
		Aggregated: map[string]int{
			aggregator.CollectionMovements:        r.aggregator.Movements.Len(),
			aggregator.CollectionFishingMovements: r.aggregator.FishingMovements.Len(),
			aggregator.CollectionStatics:          r.aggregator.Statics.Len(),
		},
		Settings: r.Settings().Values(),
	}
	if r.registrar != nil {
		st.RegistrationAttempts = r.registrar.Attempts()
	}
	return st
}

// Handler serves the control API, health check and metrics.
func (r *Relay) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(
		httpapi.Logger(r.log.Named("http")),
		httpapi.Recover(r.log),
	)
	mux.NotFound(func(rw http.ResponseWriter, _ *http.Request) {
		httpapi.RouteNotFound(rw)
	})
	mux.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.Route("/api/v1", func(api chi.Router) {
		api.Post("/start", r.postStart)
		api.Post("/stop", r.postStop)
		api.Put("/config", r.putConfig)
		api.Get("/status", r.getStatus)
	})
	return mux
}

func (r *Relay) postStart(rw http.ResponseWriter, _ *http.Request) {
	if err := r.Start(); err != nil {
		httpapi.Write(rw, http.StatusBadRequest, httpapi.Response{
			Message: "Unable to start the feed.",
			Detail:  err.Error(),
		})
		return
	}
	httpapi.Write(rw, http.StatusOK, httpapi.Response{Message: "Feed started."})
}

func (r *Relay) postStop(rw http.ResponseWriter, _ *http.Request) {
	r.Stop()
	httpapi.Write(rw, http.StatusOK, httpapi.Response{Message: "Feed stopped."})
}

func (r *Relay) putConfig(rw http.ResponseWriter, req *http.Request) {
	var body ConfigRequest
	if !httpapi.Read(rw, req, &body) {
		return
	}
	values := make(map[string]string, len(body.Settings))
	var unknown []httpapi.Error
	for _, s := range body.Settings {
		if _, ok := CanonicalKey(s.Key); !ok {
			unknown = append(unknown, httpapi.Error{Field: s.Key, Detail: "Unknown setting."})
			continue
		}
		values[s.Key] = s.Value
	}
	if len(unknown) > 0 {
		httpapi.Write(rw, http.StatusBadRequest, httpapi.Response{
			Message: "Unknown settings.",
			Errors:  unknown,
		})
		return
	}
	if err := r.SetConfig(values); err != nil {
		httpapi.Write(rw, http.StatusBadRequest, httpapi.Response{
			Message: "Invalid settings.",
			Detail:  err.Error(),
		})
		return
	}
	httpapi.Write(rw, http.StatusOK, r.Status())
}

func (r *Relay) getStatus(rw http.ResponseWriter, req *http.Request) {
	st := r.Status()
	if r.pubsub != nil {
		ctx, cancel := context.WithTimeout(req.Context(), latencyProbeTimeout)
		defer cancel()
		send, recv, err := r.latency.Measure(ctx, r.pubsub)
		st.PubsubLatency = &PubsubLatency{SendSeconds: send, ReceiveSeconds: recv}
		if err != nil {
			st.PubsubLatency.Error = err.Error()
			r.log.Warn(ctx, "pubsub latency probe failed", slog.Error(err))
		}
	}
	httpapi.Write(rw, http.StatusOK, st)
}
