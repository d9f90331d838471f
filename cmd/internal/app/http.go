package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/httpapi"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/metrics"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/realtime"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	be *backend,
	gatherer prometheus.Gatherer,
	ws *realtime.Gateway,
	api *httpapi.Handler,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && (be == nil || be.pool == nil) {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if be != nil && be.pool != nil {
			if err := pingDB(r.Context(), be.pool, dbReadyTimeout); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(gatherer))
	}

	if api != nil {
		api.Register(mux)
	}

	if ws != nil {
		mux.Handle("GET /ws", ws)
	}
}
