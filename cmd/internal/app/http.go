package app

import (
	"encoding/json"
	"net/http"

	"neontalk/cmd/internal/obs"

	authapi "neontalk/cmd/internal/auth/api"
	"neontalk/cmd/internal/relay"
)

func (a *App) registerHTTP(mux *http.ServeMux, api *authapi.Handler, gw *relay.Gateway) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, http.StatusOK, "ok")
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB {
			if err := PingDB(r.Context(), a.pool); err != nil {
				a.log.Warn("readyz.db", "error", err)
				writeHealth(w, http.StatusServiceUnavailable, "db unavailable")
				return
			}
		}
		writeHealth(w, http.StatusOK, "ready")
	})

	mux.Handle("GET /metrics", obs.Handler())

	api.Register(mux)

	mux.HandleFunc("GET /ws", gw.HandleWS)
}

func writeHealth(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": msg})
}

func (a *App) newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}
}
