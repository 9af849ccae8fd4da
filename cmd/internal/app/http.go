package app

import (
	"net/http"
	"time"
)

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && !a.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if a.dbEnabled && a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}
		if a.redis != nil {
			if err := a.redis.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.redis.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", a.metrics.Handler())

	// Everything below needs a caller; the middleware resolves it.
	authed := http.NewServeMux()
	a.api.Register(authed)
	authed.Handle("/ws", a.ws)

	h := a.authn.Wrap(authed)
	mux.Handle("/v1/", h)
	mux.Handle("/ws", h)
}
